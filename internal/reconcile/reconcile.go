// Copyright 2025 James Ross
package reconcile

import (
	"context"

	"go.uber.org/zap"

	"github.com/kelsjon3/stablequeue/internal/queue"
)

// Spawner starts a Monitor for an adopted job without blocking the
// caller; the dispatcher supplies this so reconciliation and ordinary
// dispatch share the same token bookkeeping.
type Spawner interface {
	AdoptOrphan(ctx context.Context, job *queue.Job)
}

// Run performs the one-time startup sweep described for crash recovery:
// every job left in processing with no owning Monitor is adopted. If it
// carries a backend_session, a fresh Monitor resumes it in Polling;
// otherwise the job is re-submitted from Submitting.
func Run(ctx context.Context, q *queue.Store, spawner Spawner, log *zap.Logger) error {
	orphans, err := q.ListOrphanedProcessing(ctx)
	if err != nil {
		return err
	}
	for _, job := range orphans {
		log.Info("adopting orphaned job", zap.String("job_id", job.JobID), zap.String("backend", job.TargetBackend),
			zap.Bool("has_session", job.BackendSession != ""))
		spawner.AdoptOrphan(ctx, job)
	}
	return nil
}
