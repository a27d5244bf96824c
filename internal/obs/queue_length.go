// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/flyingrobots/dataqueue/internal/backend"
	"go.uber.org/zap"
)

// StartQueueDepthSampler periodically polls the backend's Stats and
// publishes per-status queue depths on the QueueDepth gauge, the
// backend-agnostic generalization of the teacher's StartQueueLengthUpdater
// (which polled Redis LLEN against the teacher's fixed priority lists).
func StartQueueDepthSampler(ctx context.Context, be backend.Backend, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := be.Stats(ctx)
				if err != nil {
					log.Debug("queue depth poll error", Err(err))
					continue
				}
				QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
				QueueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
				QueueDepth.WithLabelValues("waiting").Set(float64(stats.Waiting))
				QueueDepth.WithLabelValues("completed").Set(float64(stats.Completed))
				QueueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
				QueueDepth.WithLabelValues("cancelled").Set(float64(stats.Cancelled))
			}
		}
	}()
}
