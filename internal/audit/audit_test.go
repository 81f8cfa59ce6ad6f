// Copyright 2025 James Ross
package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kelsjon3/stablequeue/internal/config"
)

func TestLogAndQueryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := New(config.AuditConfig{Enabled: true, Path: path, RotateSize: 10 * 1024 * 1024, MaxBackups: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer l.Close()

	if err := l.Log(Entry{Action: "delete_backend", Resource: "A", Result: "ok"}); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := l.Log(Entry{Action: "reset_catalog", Resource: "catalog", Result: "ok"}); err != nil {
		t.Fatalf("log: %v", err)
	}

	entries, err := l.Query(Filter{Action: "delete_backend"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 || entries[0].Resource != "A" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestDisabledLoggerIsNoop(t *testing.T) {
	l, err := New(config.AuditConfig{Enabled: false})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := l.Log(Entry{Action: "x", Timestamp: time.Now()}); err != nil {
		t.Fatalf("log: %v", err)
	}
	entries, err := l.Query(Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries for disabled logger, got %+v", entries)
	}
}
