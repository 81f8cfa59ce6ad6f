// Copyright 2025 James Ross
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kelsjon3/stablequeue/internal/backendclient"
	"github.com/kelsjon3/stablequeue/internal/bus"
	"github.com/kelsjon3/stablequeue/internal/config"
	"github.com/kelsjon3/stablequeue/internal/queue"
	"github.com/kelsjon3/stablequeue/internal/registry"
)

// Monitor drives one processing job from submission through a terminal
// state. It holds no per-job state itself; RunJob is called once per
// claimed job and blocks until that job reaches Completed, Failed, or
// Cancelled.
type Monitor struct {
	cfg       config.Monitor
	outputDir string
	queue     *queue.Store
	registry  *registry.Store
	client    *backendclient.Client
	bus       *bus.Bus
	log       *zap.Logger
}

func New(cfg config.Monitor, outputDir string, q *queue.Store, reg *registry.Store, client *backendclient.Client, b *bus.Bus, log *zap.Logger) *Monitor {
	return &Monitor{cfg: cfg, outputDir: outputDir, queue: q, registry: reg, client: client, bus: b, log: log}
}

// RunJob resumes a job in the phase implied by its persisted state:
// Submitting if backend_session is empty, Polling otherwise. cancel is
// closed by the dispatcher when an external cancel request arrives. The
// whole run, across however many phases it takes, is bounded by a
// single wall-clock deadline of MinWallClockDeadline x DeadlineMultiplier,
// never less than MinWallClockDeadline (no per-job generation-time
// estimate is used; see wallClockDeadline); exceeding it forces Failed
// regardless of what the backend keeps reporting.
func (m *Monitor) RunJob(ctx context.Context, job *queue.Job, cancel <-chan struct{}) {
	log := m.log.With(zap.String("job_id", job.JobID), zap.String("backend", job.TargetBackend))

	backend, err := m.registry.Get(ctx, job.TargetBackend)
	if err != nil {
		m.failJob(ctx, job.JobID, "bad_request", fmt.Sprintf("unknown backend %q", job.TargetBackend))
		return
	}

	deadlineDur := m.wallClockDeadline()
	deadline := time.NewTimer(deadlineDur)
	defer deadline.Stop()

	session := job.BackendSession
	if session == "" {
		session, err = m.submitting(ctx, job, backend, cancel, deadline.C)
		if err != nil {
			return // already failed/cancelled/timed-out inside submitting
		}
	}

	if m.polling(ctx, job.JobID, backend, session, cancel, deadline.C) {
		return
	}
	m.collecting(ctx, job.JobID, backend, session, deadline.C)
	log.Debug("run complete", zap.Duration("deadline", deadlineDur))
}

// wallClockDeadline computes the job's total lifetime budget. The data
// model carries no per-job estimated generation time (generation_params
// is opaque, and total_steps is only known after the backend's first
// progress reply), so DeadlineMultiplier is applied to the configured
// minimum itself rather than to an estimate that doesn't exist; the
// minimum still wins if the multiplier is misconfigured below 1.
func (m *Monitor) wallClockDeadline() time.Duration {
	d := time.Duration(float64(m.cfg.MinWallClockDeadline) * m.cfg.DeadlineMultiplier)
	if d < m.cfg.MinWallClockDeadline {
		d = m.cfg.MinWallClockDeadline
	}
	return d
}

// submitting implements the Submitting state: retries transport and
// backend_busy/backend_error responses with exponential backoff up to
// MaxSubmitRetries; bad_request fails immediately without retry.
func (m *Monitor) submitting(ctx context.Context, job *queue.Job, b *registry.Backend, cancel <-chan struct{}, deadlineCh <-chan time.Time) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.SubmitBackoff.Base
	bo.MaxInterval = m.cfg.SubmitBackoff.Max
	bo.RandomizationFactor = m.cfg.SubmitBackoff.RandomizationFactor
	bo.Multiplier = 2.0

	attempts := 0
	for {
		select {
		case <-cancel:
			m.cancelJob(ctx, job.JobID)
			return "", fmt.Errorf("cancelled before submission")
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadlineCh:
			m.timeoutJob(ctx, job.JobID)
			return "", fmt.Errorf("wall-clock deadline exceeded during submission")
		default:
		}

		session, err := m.client.Submit(ctx, *b, job.AppType, job.GenerationParams)
		if err == nil {
			if err := m.queue.RecordSubmission(ctx, job.JobID, session); err != nil {
				m.log.Warn("record submission failed", zap.Error(err))
			}
			m.publishChanged(job.JobID, queue.Processing, job.TargetBackend)
			return session, nil
		}

		var cerr *backendclient.Error
		if as(err, &cerr) && cerr.Kind == backendclient.BadRequest {
			m.failJob(ctx, job.JobID, "bad_request", cerr.Message)
			return "", err
		}

		attempts++
		if attempts > m.cfg.MaxSubmitRetries {
			m.failJob(ctx, job.JobID, "transport", err.Error())
			return "", err
		}

		wait := bo.NextBackOff()
		select {
		case <-time.After(wait):
		case <-cancel:
			m.cancelJob(ctx, job.JobID)
			return "", fmt.Errorf("cancelled during submission retry")
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadlineCh:
			m.timeoutJob(ctx, job.JobID)
			return "", fmt.Errorf("wall-clock deadline exceeded during submission retry")
		}
	}
}

// polling implements the Polling state. Returns true if the job
// reached a terminal state here (failed or cancelled) so the caller
// must not proceed to Collecting.
func (m *Monitor) polling(ctx context.Context, jobID string, b *registry.Backend, session string, cancel <-chan struct{}, deadlineCh <-chan time.Time) bool {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	var lastPreviewHash string

	for {
		select {
		case <-cancel:
			_ = m.client.Cancel(ctx, *b, session)
			m.cancelJob(ctx, jobID)
			return true
		case <-ctx.Done():
			return true
		case <-deadlineCh:
			_ = m.client.Cancel(ctx, *b, session)
			m.timeoutJob(ctx, jobID)
			return true
		case <-ticker.C:
		}

		progress, err := m.client.PollProgress(ctx, *b, session)
		if err != nil {
			var cerr *backendclient.Error
			if as(err, &cerr) && cerr.Kind == backendclient.BadRequest {
				m.failJob(ctx, jobID, "bad_request", cerr.Message)
				return true
			}
			consecutiveFailures++
			if consecutiveFailures >= m.cfg.MaxPollFailures {
				m.failJob(ctx, jobID, "transport", err.Error())
				return true
			}
			continue
		}
		consecutiveFailures = 0

		previewFilename := ""
		if len(progress.PreviewImageBytes) > 0 {
			hash := hashBytes(progress.PreviewImageBytes)
			if hash != lastPreviewHash {
				lastPreviewHash = hash
				name := fmt.Sprintf("%s_preview.png", jobID)
				if err := os.WriteFile(filepath.Join(m.outputDir, name), progress.PreviewImageBytes, 0o644); err == nil {
					previewFilename = name
				}
			} else {
				previewFilename = fmt.Sprintf("%s_preview.png", jobID)
			}
		}

		if err := m.queue.UpdateProgress(ctx, jobID, int(progress.Percent), previewFilename, progress.CurrentStep, progress.TotalStep); err != nil {
			m.log.Warn("update_progress failed", zap.String("job_id", jobID), zap.Error(err))
		}
		m.bus.PublishJobProgress(bus.ProgressFrame{
			JobID: jobID, Percent: progress.Percent, PreviewFilename: previewFilename,
			CurrentStep: progress.CurrentStep, TotalSteps: progress.TotalStep, Timestamp: time.Now(),
		})

		if !progress.Active {
			return false
		}
	}
}

// collecting implements the Collecting state: fetches final artifacts,
// writes images to disk, and records completion. Retries transient
// failures up to MaxCollectRetries.
func (m *Monitor) collecting(ctx context.Context, jobID string, b *registry.Backend, session string, deadlineCh <-chan time.Time) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.CollectBackoff.Base
	bo.MaxInterval = m.cfg.CollectBackoff.Max
	bo.RandomizationFactor = m.cfg.CollectBackoff.RandomizationFactor

	attempts := 0
	for {
		select {
		case <-deadlineCh:
			m.timeoutJob(ctx, jobID)
			return
		default:
		}
		results, err := m.client.FetchResults(ctx, *b, session)
		if err == nil {
			filenames := make([]string, 0, len(results.Images))
			for i, img := range results.Images {
				name := fmt.Sprintf("%s_%03d.png", jobID, i)
				if werr := os.WriteFile(filepath.Join(m.outputDir, name), img, 0o644); werr != nil {
					m.log.Error("write result image failed", zap.String("job_id", jobID), zap.Error(werr))
					continue
				}
				filenames = append(filenames, name)
			}
			if cerr := m.queue.Complete(ctx, jobID, filenames, results.InfoBlob); cerr != nil {
				m.log.Error("complete failed", zap.String("job_id", jobID), zap.Error(cerr))
			}
			m.publishChanged(jobID, queue.Completed, "")
			return
		}

		attempts++
		if attempts > m.cfg.MaxCollectRetries {
			m.failJob(ctx, jobID, "backend_error", "results lost after exhausting retries: "+err.Error())
			return
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		case <-deadlineCh:
			m.timeoutJob(ctx, jobID)
			return
		}
	}
}

func (m *Monitor) failJob(ctx context.Context, jobID, errorKind, message string) {
	if err := m.queue.Fail(ctx, jobID, errorKind, message, true); err != nil {
		m.log.Error("fail transition failed", zap.String("job_id", jobID), zap.Error(err))
	}
	m.publishChanged(jobID, queue.Failed, "")
}

// timeoutJob forces Failed once a job's wall-clock deadline is exceeded,
// regardless of what the backend is still reporting.
func (m *Monitor) timeoutJob(ctx context.Context, jobID string) {
	m.failJob(ctx, jobID, "timeout", "exceeded wall-clock deadline")
}

func (m *Monitor) cancelJob(ctx context.Context, jobID string) {
	if err := m.queue.Cancel(ctx, jobID); err != nil {
		m.log.Warn("cancel transition failed", zap.String("job_id", jobID), zap.Error(err))
	}
	m.publishChanged(jobID, queue.Cancelled, "")
}

func (m *Monitor) publishChanged(jobID string, status queue.Status, backend string) {
	m.bus.PublishJobChanged(bus.JobSnapshot{JobID: jobID, Status: status, TargetBackend: backend, UpdatedAt: time.Now()})
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func as(err error, target **backendclient.Error) bool {
	e, ok := err.(*backendclient.Error)
	if ok {
		*target = e
	}
	return ok
}
