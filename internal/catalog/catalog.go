// Copyright 2025 James Ross
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kelsjon3/stablequeue/internal/apierr"

	_ "modernc.org/sqlite"
)

type EntryType string

const (
	Checkpoint EntryType = "checkpoint"
	LoRA       EntryType = "lora"
)

type MetadataStatus string

const (
	MetaComplete   MetadataStatus = "complete"
	MetaPartial    MetadataStatus = "partial"
	MetaIncomplete MetadataStatus = "incomplete"
	MetaNone       MetadataStatus = "none"
	MetaError      MetadataStatus = "error"
)

type MetadataSource string

const (
	SourceSidecarPrimary   MetadataSource = "sidecar_primary"
	SourceSidecarSecondary MetadataSource = "sidecar_secondary"
	SourceEmbedded         MetadataSource = "embedded"
	SourceNone             MetadataSource = "none"
)

// Entry is one locally present model file.
type Entry struct {
	EntryID          string
	Type             EntryType
	Filename         string
	LocalDir         string
	HashAutoV2       string
	HashSHA256       string
	ModelID          string
	VersionID        string
	DisplayName      string
	BaseModel        string
	TrainedWords     []string
	PreviewImagePath string
	PreviewImageURL  string
	Description      string
	MetadataStatus   MetadataStatus
	MetadataSource   MetadataSource
	SeenOnBackend    map[string]time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store is the durable index of local model files, one SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open catalog store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog store: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS catalog_entries (
			entry_id TEXT PRIMARY KEY,
			type TEXT NOT NULL CHECK(type IN ('checkpoint','lora')),
			filename TEXT NOT NULL,
			local_dir TEXT NOT NULL,
			hash_autov2 TEXT,
			hash_sha256 TEXT,
			model_id TEXT,
			version_id TEXT,
			display_name TEXT,
			base_model TEXT,
			trained_words TEXT NOT NULL DEFAULT '[]',
			preview_image_path TEXT,
			preview_image_url TEXT,
			description TEXT,
			metadata_status TEXT NOT NULL DEFAULT 'none',
			metadata_source TEXT NOT NULL DEFAULT 'none',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_catalog_version_id ON catalog_entries(version_id) WHERE version_id IS NOT NULL AND version_id != ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_catalog_filename_dir ON catalog_entries(filename, local_dir)`,
		`CREATE INDEX IF NOT EXISTS idx_catalog_hash_autov2 ON catalog_entries(hash_autov2)`,
		`CREATE INDEX IF NOT EXISTS idx_catalog_hash_sha256 ON catalog_entries(hash_sha256)`,
		`CREATE TABLE IF NOT EXISTS catalog_seen_on (
			entry_id TEXT NOT NULL REFERENCES catalog_entries(entry_id) ON DELETE CASCADE,
			backend_alias TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,
			PRIMARY KEY (entry_id, backend_alias)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate catalog store: %w", err)
		}
	}
	return tx.Commit()
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// upsert inserts a freshly scanned entry, deduplicating in the order
// the spec requires: (1) version_id, (2) AutoV2 hash, (3) filename+dir.
func (s *Store) upsert(ctx context.Context, e Entry) error {
	var existingID string
	var err error
	switch {
	case e.VersionID != "":
		err = s.db.QueryRowContext(ctx, `SELECT entry_id FROM catalog_entries WHERE version_id = ?`, e.VersionID).Scan(&existingID)
	case e.HashAutoV2 != "":
		err = s.db.QueryRowContext(ctx, `SELECT entry_id FROM catalog_entries WHERE hash_autov2 = ?`, e.HashAutoV2).Scan(&existingID)
	default:
		err = s.db.QueryRowContext(ctx, `SELECT entry_id FROM catalog_entries WHERE filename = ? AND local_dir = ?`, e.Filename, e.LocalDir).Scan(&existingID)
	}
	if err != nil && err != sql.ErrNoRows {
		return apierr.Wrap(apierr.StorageError, "lookup existing catalog entry", err)
	}

	words, werr := json.Marshal(e.TrainedWords)
	if werr != nil {
		return apierr.Wrap(apierr.Internal, "marshal trained words", werr)
	}
	now := nowRFC3339()

	if err == sql.ErrNoRows {
		e.EntryID = uuid.NewString()
		_, err = s.db.ExecContext(ctx, `INSERT INTO catalog_entries
			(entry_id, type, filename, local_dir, hash_autov2, hash_sha256, model_id, version_id, display_name, base_model,
			 trained_words, preview_image_path, preview_image_url, description, metadata_status, metadata_source, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			e.EntryID, e.Type, e.Filename, e.LocalDir, nullIfEmpty(e.HashAutoV2), nullIfEmpty(e.HashSHA256), nullIfEmpty(e.ModelID),
			nullIfEmpty(e.VersionID), nullIfEmpty(e.DisplayName), nullIfEmpty(e.BaseModel), string(words), nullIfEmpty(e.PreviewImagePath),
			nullIfEmpty(e.PreviewImageURL), nullIfEmpty(e.Description), e.MetadataStatus, e.MetadataSource, now, now)
		if err != nil {
			return apierr.Wrap(apierr.StorageError, "insert catalog entry", err)
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx, `UPDATE catalog_entries SET
			type=?, filename=?, local_dir=?, hash_autov2=?, hash_sha256=?, model_id=?, version_id=?, display_name=?, base_model=?,
			trained_words=?, preview_image_path=?, preview_image_url=?, description=?, metadata_status=?, metadata_source=?, updated_at=?
		WHERE entry_id = ?`,
		e.Type, e.Filename, e.LocalDir, nullIfEmpty(e.HashAutoV2), nullIfEmpty(e.HashSHA256), nullIfEmpty(e.ModelID), nullIfEmpty(e.VersionID),
		nullIfEmpty(e.DisplayName), nullIfEmpty(e.BaseModel), string(words), nullIfEmpty(e.PreviewImagePath), nullIfEmpty(e.PreviewImageURL),
		nullIfEmpty(e.Description), e.MetadataStatus, e.MetadataSource, now, existingID)
	if err != nil {
		return apierr.Wrap(apierr.StorageError, "update catalog entry", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanEntry(scan func(dest ...interface{}) error) (*Entry, error) {
	var e Entry
	var hashAutov2, hashSHA256, modelID, versionID, displayName, baseModel, previewPath, previewURL, description sql.NullString
	var words, createdAt, updatedAt string
	if err := scan(&e.EntryID, &e.Type, &e.Filename, &e.LocalDir, &hashAutov2, &hashSHA256, &modelID, &versionID,
		&displayName, &baseModel, &words, &previewPath, &previewURL, &description, &e.MetadataStatus, &e.MetadataSource, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.HashAutoV2 = hashAutov2.String
	e.HashSHA256 = hashSHA256.String
	e.ModelID = modelID.String
	e.VersionID = versionID.String
	e.DisplayName = displayName.String
	e.BaseModel = baseModel.String
	e.PreviewImagePath = previewPath.String
	e.PreviewImageURL = previewURL.String
	e.Description = description.String
	_ = json.Unmarshal([]byte(words), &e.TrainedWords)
	var err error
	e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

const entryColumns = `entry_id, type, filename, local_dir, hash_autov2, hash_sha256, model_id, version_id, display_name, base_model,
	trained_words, preview_image_path, preview_image_url, description, metadata_status, metadata_source, created_at, updated_at`

func (s *Store) FindByVersionID(ctx context.Context, versionID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM catalog_entries WHERE version_id = ?`, versionID)
	e, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.CatalogEntryNotFound, "no catalog entry for version_id "+versionID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "scan catalog entry", err)
	}
	return s.withSeenOn(ctx, e)
}

// HashKind selects which hash column FindByHash matches against.
type HashKind string

const (
	HashAutoV2 HashKind = "autov2"
	HashSHA256 HashKind = "sha256"
)

func (s *Store) FindByHash(ctx context.Context, hash string, kind HashKind) (*Entry, error) {
	col := "hash_autov2"
	if kind == HashSHA256 {
		col = "hash_sha256"
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM catalog_entries WHERE `+col+` = ?`, hash)
	e, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.CatalogEntryNotFound, "no catalog entry for hash "+hash)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "scan catalog entry", err)
	}
	return s.withSeenOn(ctx, e)
}

func (s *Store) FindByID(ctx context.Context, entryID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM catalog_entries WHERE entry_id = ?`, entryID)
	e, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.CatalogEntryNotFound, "no catalog entry "+entryID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "scan catalog entry", err)
	}
	return s.withSeenOn(ctx, e)
}

func (s *Store) FindByPath(ctx context.Context, dir, filename string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM catalog_entries WHERE local_dir = ? AND filename = ?`, dir, filename)
	e, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.CatalogEntryNotFound, fmt.Sprintf("no catalog entry for %s/%s", dir, filename))
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "scan catalog entry", err)
	}
	return s.withSeenOn(ctx, e)
}

func (s *Store) List(ctx context.Context, entryType EntryType) ([]*Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM catalog_entries`
	args := []interface{}{}
	if entryType != "" {
		q += ` WHERE type = ?`
		args = append(args, entryType)
	}
	q += ` ORDER BY filename`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "list catalog entries", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "scan catalog entry row", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) withSeenOn(ctx context.Context, e *Entry) (*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT backend_alias, last_seen_at FROM catalog_seen_on WHERE entry_id = ?`, e.EntryID)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "load seen_on_backend", err)
	}
	defer rows.Close()
	e.SeenOnBackend = map[string]time.Time{}
	for rows.Next() {
		var alias, ts string
		if err := rows.Scan(&alias, &ts); err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "scan seen_on_backend row", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "parse seen_on_backend timestamp", err)
		}
		e.SeenOnBackend[alias] = t
	}
	return e, rows.Err()
}

func (s *Store) MarkAvailableOn(ctx context.Context, entryID, backendAlias string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO catalog_seen_on (entry_id, backend_alias, last_seen_at) VALUES (?, ?, ?)
		ON CONFLICT(entry_id, backend_alias) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		entryID, backendAlias, nowRFC3339())
	if err != nil {
		return apierr.Wrap(apierr.StorageError, "mark available on", err)
	}
	return nil
}

func (s *Store) MarkUnavailableOn(ctx context.Context, entryID, backendAlias string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM catalog_seen_on WHERE entry_id = ? AND backend_alias = ?`, entryID, backendAlias); err != nil {
		return apierr.Wrap(apierr.StorageError, "mark unavailable on", err)
	}
	return nil
}

// Reset is destructive: it backs up the underlying file with a
// timestamp suffix before truncating every table.
func (s *Store) Reset(ctx context.Context) (backupPath string, err error) {
	if s.path == ":memory:" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM catalog_seen_on`); err != nil {
			return "", apierr.Wrap(apierr.StorageError, "reset seen_on", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM catalog_entries`); err != nil {
			return "", apierr.Wrap(apierr.StorageError, "reset entries", err)
		}
		return "", nil
	}

	backupPath = fmt.Sprintf("%s.%s.bak", s.path, time.Now().UTC().Format("20060102-150405"))
	if err := s.db.Close(); err != nil {
		return "", apierr.Wrap(apierr.StorageError, "close before reset", err)
	}
	if err := copyFile(s.path, backupPath); err != nil {
		return "", apierr.Wrap(apierr.StorageError, "backup catalog file", err)
	}

	db, err := sql.Open("sqlite", s.path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return "", apierr.Wrap(apierr.StorageError, "reopen catalog store", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db
	if err := s.migrate(ctx); err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM catalog_seen_on`); err != nil {
		return "", apierr.Wrap(apierr.StorageError, "truncate seen_on", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM catalog_entries`); err != nil {
		return "", apierr.Wrap(apierr.StorageError, "truncate entries", err)
	}
	return backupPath, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

