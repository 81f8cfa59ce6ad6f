// Copyright 2025 James Ross
package catalog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// maxEmbeddedHeaderLen bounds how much of a model file's header we will
// read into memory; a well-formed safetensors header is a few KB to a
// few MB at most, never this large.
const maxEmbeddedHeaderLen = 64 << 20

var modelExtensions = map[string]bool{
	".safetensors": true,
	".ckpt":        true,
	".pt":          true,
}

// ScanOptions configures a filesystem sweep of RootDir.
type ScanOptions struct {
	RootDir      string
	IncludeGlobs []string
	ExcludeGlobs []string
}

// ScanResult summarizes one scan pass.
type ScanResult struct {
	FilesVisited int
	EntriesAdded int
	SidecarsRead int
	Errors       []string
}

// Scan walks RootDir, matches model files against the extension set and
// the include/exclude globs, reads their sidecar metadata if present,
// and upserts the resulting entries into the store.
func (s *Store) Scan(ctx context.Context, opts ScanOptions) (ScanResult, error) {
	var result ScanResult
	root := opts.RootDir

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, walkErr))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !modelExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		if len(opts.IncludeGlobs) > 0 && !matchesAny(opts.IncludeGlobs, rel) {
			return nil
		}
		if matchesAny(opts.ExcludeGlobs, rel) {
			return nil
		}

		result.FilesVisited++
		entry, sidecarRead, err := buildEntry(path, filepath.Dir(path), filepath.Base(path))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		if sidecarRead {
			result.SidecarsRead++
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.upsert(ctx, *entry); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		result.EntriesAdded++
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

func matchesAny(globs []string, rel string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// sidecarMetadata is the documented field set a CivitAI-style JSON
// sidecar may contain, read under several historically-seen key spellings.
type sidecarMetadata struct {
	ModelID          string
	VersionID        string
	DisplayName      string
	BaseModel        string
	TrainedWords     []string
	HashAutoV2       string
	HashSHA256       string
	Description      string
	PreviewImagePath string
	PreviewImageURL  string
}

func buildEntry(fullPath, dir, filename string) (*Entry, bool, error) {
	entryType := inferType(fullPath)
	meta, status, source, sidecarRead, err := readSidecar(dir, filename)
	if err != nil {
		return nil, false, err
	}

	e := &Entry{
		Type:           entryType,
		Filename:       filename,
		LocalDir:       dir,
		MetadataStatus: status,
		MetadataSource: source,
	}
	if meta != nil {
		e.ModelID = meta.ModelID
		e.VersionID = meta.VersionID
		e.DisplayName = meta.DisplayName
		e.BaseModel = meta.BaseModel
		e.TrainedWords = meta.TrainedWords
		e.HashAutoV2 = meta.HashAutoV2
		e.HashSHA256 = meta.HashSHA256
		e.Description = meta.Description
		e.PreviewImagePath = meta.PreviewImagePath
		e.PreviewImageURL = meta.PreviewImageURL
	}
	if e.DisplayName == "" {
		e.DisplayName = strings.TrimSuffix(filename, filepath.Ext(filename))
	}
	return e, sidecarRead, nil
}

// inferType uses the conventional directory-name heuristic: any path
// segment containing "lora" (case-insensitive) marks a LoRA; otherwise
// the file is treated as a checkpoint.
func inferType(fullPath string) EntryType {
	lower := strings.ToLower(fullPath)
	if strings.Contains(lower, "lora") {
		return LoRA
	}
	return Checkpoint
}

// readSidecar tries "<basename>.json" first, falling back to the
// legacy "<basename>.civitai.json" name, and classifies how complete
// the recovered metadata is. If neither sidecar exists, it falls back
// to the model file's own embedded header, per spec.md §4.3.
func readSidecar(dir, filename string) (*sidecarMetadata, MetadataStatus, MetadataSource, bool, error) {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	primary := filepath.Join(dir, base+".json")
	secondary := filepath.Join(dir, base+".civitai.json")

	if data, err := os.ReadFile(primary); err == nil {
		meta, status, err := parseSidecar(data)
		if err != nil {
			return nil, MetaError, SourceNone, true, nil
		}
		return meta, status, SourceSidecarPrimary, true, nil
	}
	if data, err := os.ReadFile(secondary); err == nil {
		meta, status, err := parseSidecar(data)
		if err != nil {
			return nil, MetaError, SourceNone, true, nil
		}
		return meta, status, SourceSidecarSecondary, true, nil
	}

	if meta, status, read, err := readEmbeddedHeader(filepath.Join(dir, filename)); read {
		if err != nil {
			return nil, MetaError, SourceNone, true, nil
		}
		if meta != nil {
			return meta, status, SourceEmbedded, true, nil
		}
	}
	return nil, MetaNone, SourceNone, false, nil
}

// readEmbeddedHeader reads the `__metadata__` string map out of a
// safetensors file's own header, the documented fallback for models
// that ship with neither sidecar file. Only `.safetensors` carries a
// safely parseable plain-JSON header; `.ckpt`/`.pt` are pickle streams
// and are not inspected. read is true whenever a header was actually
// opened and parsed, so the caller can tell "no embedded metadata"
// from "didn't try."
func readEmbeddedHeader(path string) (*sidecarMetadata, MetadataStatus, bool, error) {
	if strings.ToLower(filepath.Ext(path)) != ".safetensors" {
		return nil, MetaNone, false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, MetaNone, false, nil
	}
	defer f.Close()

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, MetaNone, false, nil
	}
	if headerLen == 0 || headerLen > maxEmbeddedHeaderLen {
		return nil, MetaNone, false, nil
	}

	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, MetaNone, false, nil
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(buf, &header); err != nil {
		return nil, MetaError, true, err
	}
	raw, ok := header["__metadata__"]
	if !ok {
		return nil, MetaNone, true, nil
	}
	var kv map[string]string
	if err := json.Unmarshal(raw, &kv); err != nil {
		return nil, MetaError, true, err
	}

	meta := &sidecarMetadata{
		DisplayName: firstStringVal(kv, "modelspec.title", "ss_output_name"),
		BaseModel:   firstStringVal(kv, "modelspec.architecture", "ss_base_model_version", "ss_sd_model_name"),
		Description: firstStringVal(kv, "modelspec.description"),
		HashSHA256:  firstStringVal(kv, "modelspec.hash_sha256", "sshs_model_hash"),
	}
	status := MetaIncomplete
	if meta.BaseModel != "" || meta.HashSHA256 != "" {
		status = MetaPartial
	}
	return meta, status, true, nil
}

func firstStringVal(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

func parseSidecar(data []byte) (*sidecarMetadata, MetadataStatus, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, MetaError, err
	}

	meta := &sidecarMetadata{
		ModelID:          firstString(raw, "modelId", "model_id"),
		VersionID:        firstString(raw, "modelVersionId", "model_version_id", "id", "versionId"),
		DisplayName:      firstString(raw, "name", "modelName", "model_name"),
		BaseModel:        firstString(raw, "baseModel", "base_model"),
		HashAutoV2:       firstString(raw, "AutoV2", "autov2", "hash_autov2"),
		HashSHA256:       firstString(raw, "SHA256", "sha256", "hash_sha256"),
		Description:      firstString(raw, "description"),
		PreviewImagePath: firstString(raw, "previewImagePath", "preview_image_path"),
		PreviewImageURL:  firstString(raw, "previewImageUrl", "preview_image_url", "images"),
	}

	if words, ok := raw["trainedWords"].([]interface{}); ok {
		for _, w := range words {
			if s, ok := w.(string); ok {
				meta.TrainedWords = append(meta.TrainedWords, s)
			}
		}
	}

	hashes, _ := raw["hashes"].(map[string]interface{})
	if hashes != nil {
		if meta.HashAutoV2 == "" {
			meta.HashAutoV2 = firstString(hashes, "AutoV2", "autov2")
		}
		if meta.HashSHA256 == "" {
			meta.HashSHA256 = firstString(hashes, "SHA256", "sha256")
		}
	}

	status := MetaIncomplete
	switch {
	case meta.VersionID != "" && meta.HashAutoV2 != "" && meta.BaseModel != "":
		status = MetaComplete
	case meta.VersionID != "" || meta.HashAutoV2 != "":
		status = MetaPartial
	}
	return meta, status, nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
