// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kelsjon3/stablequeue/internal/config"
	"github.com/kelsjon3/stablequeue/internal/queue"
)

// StartQueueLengthUpdater periodically samples per-backend pending counts
// and updates QueueDepthByBackend.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, q *queue.Store, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts, err := q.PendingCountByBackend(ctx)
				if err != nil {
					log.Debug("queue depth poll error", Err(err))
					continue
				}
				for alias, n := range counts {
					QueueDepthByBackend.WithLabelValues(alias).Set(float64(n))
				}
			}
		}
	}()
}
