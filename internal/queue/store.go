// Copyright 2025 James Ross
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelsjon3/stablequeue/internal/apierr"

	_ "modernc.org/sqlite"
)

// Store is the durable, transactional home of every Job. It owns one
// SQLite file and is the sole source of truth for job state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the queue store's SQLite file at
// path and runs its additive migration.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue store: %w", err)
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
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed','cancelled')),
			target_backend TEXT NOT NULL,
			backend_session TEXT,
			app_type TEXT NOT NULL DEFAULT 'forge',
			source_info TEXT,
			api_key_ref TEXT,
			generation_params TEXT NOT NULL DEFAULT '{}',
			result TEXT NOT NULL DEFAULT '{}',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_backend_status_created ON jobs(target_backend, status, created_at, job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate queue store: %w", err)
		}
	}
	return tx.Commit()
}

// timestampLayout is RFC3339 with a fixed nine-digit fraction, so the
// text order of stored timestamps is their time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nowRFC3339() string { return time.Now().UTC().Format(timestampLayout) }

// Insert writes a new pending job with a fresh id and timestamps.
func (s *Store) Insert(ctx context.Context, p NewJobParams) (*Job, error) {
	params, err := marshalParams(p.GenerationParams)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "marshal generation params", err)
	}
	res, err := marshalResult(Result{})
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "marshal result", err)
	}
	appType := p.AppType
	if appType == "" {
		appType = "forge"
	}
	id := uuid.NewString()
	now := nowRFC3339()
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs
		(job_id, status, target_backend, backend_session, app_type, source_info, api_key_ref, generation_params, result, retry_count, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?, 0, ?, ?, NULL)`,
		id, Pending, p.TargetBackend, appType, p.SourceInfo, p.APIKeyRef, params, res, now, now)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "insert job", err)
	}
	return s.Get(ctx, id)
}

// ClaimNextForBackend atomically selects the oldest pending job for
// alias, flips it to processing, and returns it. Two concurrent
// callers for the same alias never both receive a job: the exclusive
// BEGIN IMMEDIATE write lock serializes them.
func (s *Store) ClaimNextForBackend(ctx context.Context, alias string) (*Job, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "acquire connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "begin claim transaction", err)
	}
	commit := func() error {
		_, err := conn.ExecContext(ctx, "COMMIT")
		return err
	}
	rollback := func() { _, _ = conn.ExecContext(ctx, "ROLLBACK") }

	row := conn.QueryRowContext(ctx, `SELECT job_id FROM jobs
		WHERE target_backend = ? AND status = ?
		ORDER BY created_at ASC, job_id ASC LIMIT 1`, alias, Pending)
	var jobID string
	if err := row.Scan(&jobID); err != nil {
		rollback()
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.StorageError, "select next pending job", err)
	}

	now := nowRFC3339()
	if _, err := conn.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ?`, Processing, now, jobID); err != nil {
		rollback()
		return nil, apierr.Wrap(apierr.StorageError, "claim job", err)
	}
	if err := commit(); err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "commit claim", err)
	}
	return s.Get(ctx, jobID)
}

// UpdateProgress merges a progress snapshot into the job's result.
// Allowed only while the job is processing.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, percent int, preview string, step, total int) error {
	return s.withStatusGuard(ctx, jobID, []Status{Processing}, func(tx *sql.Tx, j *Job) error {
		j.Result.Percent = percent
		j.Result.PreviewFilename = preview
		j.Result.CurrentStep = step
		j.Result.TotalSteps = total
		res, err := marshalResult(j.Result)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "marshal result", err)
		}
		now := nowRFC3339()
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET result = ?, updated_at = ? WHERE job_id = ?`, res, now, jobID)
		if err != nil {
			return apierr.Wrap(apierr.StorageError, "update progress", err)
		}
		return nil
	})
}

// RecordSubmission stores the backend_session assigned at submit time.
// backend_session is set at most once; a second call is rejected.
func (s *Store) RecordSubmission(ctx context.Context, jobID, backendSession string) error {
	return s.withStatusGuard(ctx, jobID, []Status{Processing}, func(tx *sql.Tx, j *Job) error {
		if j.BackendSession != "" {
			return apierr.New(apierr.InvalidTransition, "backend_session already set")
		}
		now := nowRFC3339()
		_, err := tx.ExecContext(ctx, `UPDATE jobs SET backend_session = ?, updated_at = ? WHERE job_id = ?`, backendSession, now, jobID)
		if err != nil {
			return apierr.Wrap(apierr.StorageError, "record submission", err)
		}
		return nil
	})
}

// Complete transitions a processing job to completed, recording the
// saved filenames and the backend's info blob.
func (s *Store) Complete(ctx context.Context, jobID string, filenames []string, infoBlob string) error {
	return s.withStatusGuard(ctx, jobID, []Status{Processing}, func(tx *sql.Tx, j *Job) error {
		j.Result.Filenames = filenames
		j.Result.InfoBlob = infoBlob
		res, err := marshalResult(j.Result)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "marshal result", err)
		}
		now := nowRFC3339()
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = ?, result = ?, updated_at = ?, completed_at = ? WHERE job_id = ?`,
			Completed, res, now, now, jobID)
		if err != nil {
			return apierr.Wrap(apierr.StorageError, "complete job", err)
		}
		return nil
	})
}

// Fail transitions a job to failed from either processing (a runtime
// failure) or pending (a pre-submission validation failure). The
// caller — the Dispatcher or Monitor — decides whether to increment
// retry_count; the store itself has no re-queue policy.
func (s *Store) Fail(ctx context.Context, jobID string, errorKind, message string, incrementRetry bool) error {
	return s.withStatusGuard(ctx, jobID, []Status{Processing, Pending}, func(tx *sql.Tx, j *Job) error {
		j.Result.ErrorKind = errorKind
		j.Result.ErrorMessage = message
		res, err := marshalResult(j.Result)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "marshal result", err)
		}
		now := nowRFC3339()
		retry := j.RetryCount
		if incrementRetry {
			retry++
		}
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = ?, result = ?, retry_count = ?, updated_at = ?, completed_at = ? WHERE job_id = ?`,
			Failed, res, retry, now, now, jobID)
		if err != nil {
			return apierr.Wrap(apierr.StorageError, "fail job", err)
		}
		return nil
	})
}

// Cancel transitions a pending or processing job to cancelled.
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	return s.withStatusGuard(ctx, jobID, []Status{Pending, Processing}, func(tx *sql.Tx, j *Job) error {
		now := nowRFC3339()
		_, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ?, completed_at = ? WHERE job_id = ?`,
			Cancelled, now, now, jobID)
		if err != nil {
			return apierr.Wrap(apierr.StorageError, "cancel job", err)
		}
		return nil
	})
}

// withStatusGuard runs fn inside a transaction only if the job's
// current status is one of allowed; otherwise it returns a typed
// invalid_transition error without mutating anything.
func (s *Store) withStatusGuard(ctx context.Context, jobID string, allowed []Status, fn func(tx *sql.Tx, j *Job) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierr.Wrap(apierr.StorageError, "begin transaction", err)
	}
	defer tx.Rollback()

	j, err := getTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	ok := false
	for _, st := range allowed {
		if j.Status == st {
			ok = true
			break
		}
	}
	if !ok {
		return apierr.New(apierr.InvalidTransition, fmt.Sprintf("job %s has status %s", jobID, j.Status))
	}
	if err := fn(tx, j); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apierr.Wrap(apierr.StorageError, "commit transaction", err)
	}
	return nil
}

func scanJob(scan func(dest ...interface{}) error) (*Job, error) {
	var (
		j                                      Job
		backendSession, sourceInfo, apiKeyRef  sql.NullString
		completedAt                            sql.NullString
		params, res                            string
		createdAt, updatedAt                   string
	)
	if err := scan(&j.JobID, &j.Status, &j.TargetBackend, &backendSession, &j.AppType,
		&sourceInfo, &apiKeyRef, &params, &res, &j.RetryCount, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	j.BackendSession = backendSession.String
	j.SourceInfo = sourceInfo.String
	j.APIKeyRef = apiKeyRef.String

	var err error
	j.GenerationParams, err = unmarshalParams(params)
	if err != nil {
		return nil, err
	}
	j.Result, err = unmarshalResult(res)
	if err != nil {
		return nil, err
	}
	j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	j.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, err
		}
		j.CompletedAt = &t
	}
	return &j, nil
}

const jobColumns = `job_id, status, target_backend, backend_session, app_type, source_info, api_key_ref, generation_params, result, retry_count, created_at, updated_at, completed_at`

func getTx(ctx context.Context, tx *sql.Tx, jobID string) (*Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.JobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "scan job", err)
	}
	return j, nil
}

// Get fetches one job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.JobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "scan job", err)
	}
	return j, nil
}

// ListFilter narrows List's result set.
type ListFilter struct {
	Status  Status
	AppType string
	Limit   int
	Offset  int
	Order   string // "asc" or "desc", by created_at
}

// List returns jobs matching filter, plus the total matching count
// (ignoring limit/offset).
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Job, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.AppType != "" {
		where += " AND app_type = ?"
		args = append(args, f.AppType)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, apierr.Wrap(apierr.StorageError, "count jobs", err)
	}

	order := "ASC"
	if f.Order == "desc" {
		order = "DESC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT %s FROM jobs %s ORDER BY created_at %s, job_id %s LIMIT ? OFFSET ?`, jobColumns, where, order, order)
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, apierr.Wrap(apierr.StorageError, "list jobs", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, 0, apierr.Wrap(apierr.StorageError, "scan job row", err)
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}

// Delete removes a job; only terminal jobs may be deleted.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return apierr.New(apierr.InvalidTransition, fmt.Sprintf("job %s has non-terminal status %s", jobID, j.Status))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
		return apierr.Wrap(apierr.StorageError, "delete job", err)
	}
	return nil
}

// ListOrphanedProcessing returns every job stuck in processing, for
// reconciliation at startup — the store has no notion of which
// Monitor, if any, currently owns a job, so it always returns them all
// and leaves adoption/resubmission policy to the caller.
func (s *Store) ListOrphanedProcessing(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC`, Processing)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "list orphaned processing", err)
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "scan orphaned job", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// QueuePosition returns the 1-based index of jobID within pending jobs
// for its backend, ordered by created_at then job_id.
func (s *Store) QueuePosition(ctx context.Context, jobID string) (int, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	var pos int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs
		WHERE target_backend = ? AND status = ? AND (created_at < ? OR (created_at = ? AND job_id <= ?))`,
		j.TargetBackend, Pending, j.CreatedAt.Format(timestampLayout), j.CreatedAt.Format(timestampLayout), j.JobID).Scan(&pos)
	if err != nil {
		return 0, apierr.Wrap(apierr.StorageError, "queue position", err)
	}
	return pos, nil
}

// PendingCountByBackend powers the per-backend queue-depth gauge.
func (s *Store) PendingCountByBackend(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT target_backend, COUNT(*) FROM jobs WHERE status = ? GROUP BY target_backend`, Pending)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "pending count by backend", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var alias string
		var n int
		if err := rows.Scan(&alias, &n); err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "scan pending count", err)
		}
		out[alias] = n
	}
	return out, rows.Err()
}
