// Copyright 2025 James Ross
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kelsjon3/stablequeue/internal/config"
)

// Entry is one administrative action worth a durable record: backend
// deletion, job deletion, catalog reset.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Actor     string    `json:"actor,omitempty"`
	Result    string    `json:"result"`
	Detail    string    `json:"detail,omitempty"`
}

// Filter narrows Query's result set.
type Filter struct {
	Action    string
	Resource  string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Logger appends Entries as newline-delimited JSON to a rotating file.
type Logger struct {
	writer io.Writer
	file   *lumberjack.Logger
	path   string
	mu     sync.Mutex
	cfg    config.AuditConfig
}

func New(cfg config.AuditConfig) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{cfg: cfg}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	fw := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    int(cfg.RotateSize / (1024 * 1024)),
		MaxBackups: cfg.MaxBackups,
	}
	return &Logger{writer: fw, file: fw, path: cfg.Path, cfg: cfg}, nil
}

// Log writes one audit entry, stamping the timestamp if unset.
func (l *Logger) Log(e Entry) error {
	if !l.cfg.Enabled {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return nil
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Query reads matching entries back from the log file, newest first.
func (l *Logger) Query(f Filter) ([]*Entry, error) {
	if !l.cfg.Enabled {
		return nil, nil
	}
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var entries []*Entry
	dec := json.NewDecoder(file)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				break
			}
			continue
		}
		if matches(&e, f) {
			entries = append(entries, &e)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return entries, nil
}

func matches(e *Entry, f Filter) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
