// Copyright 2025 James Ross
package catalog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// writeSafetensorsFile builds a minimal, structurally valid safetensors
// file: an 8-byte little-endian header length followed by that many
// bytes of header JSON. The tensor-data section is left empty since the
// scanner never reads past the header.
func writeSafetensorsFile(t *testing.T, path string, metadata map[string]string) {
	t.Helper()
	header := map[string]interface{}{"__metadata__": metadata}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		t.Fatalf("write header length: %v", err)
	}
	if _, err := f.Write(headerBytes); err != nil {
		t.Fatalf("write header: %v", err)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScanFindsCheckpointWithSidecar(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "checkpoints", "model-a.safetensors"), "fake")
	writeFile(t, filepath.Join(root, "checkpoints", "model-a.json"), `{
		"modelId": "111", "modelVersionId": "222", "baseModel": "SDXL",
		"trainedWords": ["foo", "bar"], "hashes": {"AutoV2": "ABCD1234"}
	}`)

	s := openTestStore(t)
	ctx := context.Background()
	result, err := s.Scan(ctx, ScanOptions{RootDir: root})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.EntriesAdded != 1 || result.SidecarsRead != 1 {
		t.Fatalf("unexpected scan result: %+v", result)
	}

	e, err := s.FindByVersionID(ctx, "222")
	if err != nil {
		t.Fatalf("find by version id: %v", err)
	}
	if e.Type != Checkpoint || e.BaseModel != "SDXL" || e.HashAutoV2 != "ABCD1234" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.MetadataStatus != MetaComplete {
		t.Fatalf("expected complete metadata, got %s", e.MetadataStatus)
	}
}

func TestScanFallsBackToEmbeddedHeaderWhenNoSidecar(t *testing.T) {
	root := t.TempDir()
	writeSafetensorsFile(t, filepath.Join(root, "embedded.safetensors"), map[string]string{
		"modelspec.title":        "My Checkpoint",
		"modelspec.architecture": "SDXL",
		"modelspec.hash_sha256":  "deadbeef",
	})

	s := openTestStore(t)
	ctx := context.Background()
	result, err := s.Scan(ctx, ScanOptions{RootDir: root})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.EntriesAdded != 1 {
		t.Fatalf("expected one entry, got %+v", result)
	}

	e, err := s.FindByPath(ctx, root, "embedded.safetensors")
	if err != nil {
		t.Fatalf("find by path: %v", err)
	}
	if e.MetadataSource != SourceEmbedded {
		t.Fatalf("expected metadata_source=embedded, got %s", e.MetadataSource)
	}
	if e.BaseModel != "SDXL" || e.HashSHA256 != "deadbeef" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.MetadataStatus != MetaPartial {
		t.Fatalf("expected partial metadata, got %s", e.MetadataStatus)
	}
}

func TestScanInfersLoraFromDirectoryName(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Lora", "style.safetensors"), "fake")

	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Scan(ctx, ScanOptions{RootDir: root}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	e, err := s.FindByPath(ctx, filepath.Join(root, "Lora"), "style.safetensors")
	if err != nil {
		t.Fatalf("find by path: %v", err)
	}
	if e.Type != LoRA {
		t.Fatalf("expected lora, got %s", e.Type)
	}
	if e.MetadataStatus != MetaNone {
		t.Fatalf("expected no metadata, got %s", e.MetadataStatus)
	}
}

func TestScanRespectsExcludeGlobs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "archive", "old.safetensors"), "fake")
	writeFile(t, filepath.Join(root, "keep.safetensors"), "fake")

	s := openTestStore(t)
	ctx := context.Background()
	result, err := s.Scan(ctx, ScanOptions{RootDir: root, ExcludeGlobs: []string{"archive/**"}})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.EntriesAdded != 1 {
		t.Fatalf("expected one entry after exclude, got %d", result.EntriesAdded)
	}
	list, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Filename != "keep.safetensors" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestMarkAvailableAndUnavailable(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "m.safetensors"), "fake")

	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Scan(ctx, ScanOptions{RootDir: root}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	e, err := s.FindByPath(ctx, root, "m.safetensors")
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if err := s.MarkAvailableOn(ctx, e.EntryID, "A"); err != nil {
		t.Fatalf("mark available: %v", err)
	}
	e, err = s.FindByPath(ctx, root, "m.safetensors")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if _, ok := e.SeenOnBackend["A"]; !ok {
		t.Fatalf("expected seen on backend A: %+v", e.SeenOnBackend)
	}

	if err := s.MarkUnavailableOn(ctx, e.EntryID, "A"); err != nil {
		t.Fatalf("mark unavailable: %v", err)
	}
	e, _ = s.FindByPath(ctx, root, "m.safetensors")
	if _, ok := e.SeenOnBackend["A"]; ok {
		t.Fatalf("expected backend A removed from seen_on: %+v", e.SeenOnBackend)
	}
}

func TestResetBacksUpThenTruncates(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "catalog.db")
	s, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "m.safetensors"), "fake")
	if _, err := s.Scan(ctx, ScanOptions{RootDir: root}); err != nil {
		t.Fatalf("scan: %v", err)
	}

	backupPath, err := s.Reset(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if backupPath == "" {
		t.Fatal("expected non-empty backup path")
	}
	if _, err := os.Stat(backupPath); err != nil {
		t.Fatalf("expected backup file to exist: %v", err)
	}
	list, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty catalog after reset, got %+v", list)
	}
}
