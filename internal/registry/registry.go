// Copyright 2025 James Ross
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kelsjon3/stablequeue/internal/apierr"

	_ "modernc.org/sqlite"
)

// Backend is a named remote inference backend.
type Backend struct {
	Alias         string
	BaseURL       string
	AuthUsername  string
	AuthPassword  string
	HasAuth       bool
	ModelRootPath string
}

// Credential gates admission to the system.
type Credential struct {
	KeyID         string
	DisplayKey    string
	SecretHash    string
	CreatedAt     time.Time
	LastUsedAt    *time.Time
	Active        bool
	RateTier      string
	CustomLimits  string // opaque JSON, stored as-is; the rate limiter does not read it
}

// Store is the keyed home of Backends and Credentials, sharing one
// SQLite file per spec.md's "one file for Registry and Credentials".
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open registry store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping registry store: %w", err)
	}
	s := &Store{db: db}
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
		`CREATE TABLE IF NOT EXISTS backends (
			alias TEXT PRIMARY KEY,
			base_url TEXT NOT NULL,
			has_auth INTEGER NOT NULL DEFAULT 0,
			auth_username TEXT,
			auth_password TEXT,
			model_root_path TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			key_id TEXT PRIMARY KEY,
			display_key TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			rate_tier TEXT NOT NULL DEFAULT 'standard',
			custom_limits TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate registry store: %w", err)
		}
	}
	return tx.Commit()
}

// Upsert inserts or replaces a Backend by alias.
func (s *Store) Upsert(ctx context.Context, b Backend) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO backends (alias, base_url, has_auth, auth_username, auth_password, model_root_path)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(alias) DO UPDATE SET base_url=excluded.base_url, has_auth=excluded.has_auth,
			auth_username=excluded.auth_username, auth_password=excluded.auth_password, model_root_path=excluded.model_root_path`,
		b.Alias, b.BaseURL, boolToInt(b.HasAuth), b.AuthUsername, b.AuthPassword, b.ModelRootPath)
	if err != nil {
		return apierr.Wrap(apierr.StorageError, "upsert backend", err)
	}
	return nil
}

// Delete removes a Backend. Permitted even with pending jobs still
// targeting it; those jobs surface as failures at dispatch time.
func (s *Store) Delete(ctx context.Context, alias string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM backends WHERE alias = ?`, alias); err != nil {
		return apierr.Wrap(apierr.StorageError, "delete backend", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, alias string) (*Backend, error) {
	row := s.db.QueryRowContext(ctx, `SELECT alias, base_url, has_auth, auth_username, auth_password, model_root_path FROM backends WHERE alias = ?`, alias)
	b, err := scanBackend(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.BackendNotFound, fmt.Sprintf("backend %q not found", alias))
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "scan backend", err)
	}
	return b, nil
}

func (s *Store) List(ctx context.Context) ([]*Backend, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alias, base_url, has_auth, auth_username, auth_password, model_root_path FROM backends ORDER BY alias`)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "list backends", err)
	}
	defer rows.Close()
	var out []*Backend
	for rows.Next() {
		b, err := scanBackend(rows.Scan)
		if err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "scan backend row", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBackend(scan func(dest ...interface{}) error) (*Backend, error) {
	var b Backend
	var hasAuth int
	var username, password, modelRoot sql.NullString
	if err := scan(&b.Alias, &b.BaseURL, &hasAuth, &username, &password, &modelRoot); err != nil {
		return nil, err
	}
	b.HasAuth = hasAuth != 0
	b.AuthUsername = username.String
	b.AuthPassword = password.String
	b.ModelRootPath = modelRoot.String
	return &b, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Credentials ---

// GetCredential looks up a credential by key_id, active or not; the
// caller checks Active.
func (s *Store) GetCredential(ctx context.Context, keyID string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key_id, display_key, secret_hash, created_at, last_used_at, active, rate_tier, custom_limits
		FROM credentials WHERE key_id = ?`, keyID)
	c, err := scanCredential(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.Unauthorized, "unknown credential")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "scan credential", err)
	}
	return c, nil
}

// TouchLastUsed lazily updates last_used_at; failures are non-fatal to
// the caller (a missed touch doesn't block admission).
func (s *Store) TouchLastUsed(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE credentials SET last_used_at = ? WHERE key_id = ?`, nowRFC3339(), keyID)
	return err
}

func (s *Store) UpsertCredential(ctx context.Context, c Credential) error {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO credentials (key_id, display_key, secret_hash, created_at, last_used_at, active, rate_tier, custom_limits)
		VALUES (?, ?, ?, ?, NULL, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET display_key=excluded.display_key, secret_hash=excluded.secret_hash,
			active=excluded.active, rate_tier=excluded.rate_tier, custom_limits=excluded.custom_limits`,
		c.KeyID, c.DisplayKey, c.SecretHash, created.Format(time.RFC3339Nano), boolToInt(c.Active), c.RateTier, c.CustomLimits)
	if err != nil {
		return apierr.Wrap(apierr.StorageError, "upsert credential", err)
	}
	return nil
}

func scanCredential(scan func(dest ...interface{}) error) (*Credential, error) {
	var c Credential
	var createdAt string
	var lastUsed sql.NullString
	var active int
	var customLimits sql.NullString
	if err := scan(&c.KeyID, &c.DisplayKey, &c.SecretHash, &createdAt, &lastUsed, &active, &c.RateTier, &customLimits); err != nil {
		return nil, err
	}
	var err error
	c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastUsed.String)
		if err != nil {
			return nil, err
		}
		c.LastUsedAt = &t
	}
	c.Active = active != 0
	c.CustomLimits = customLimits.String
	return &c, nil
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }
