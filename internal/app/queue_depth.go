package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftwave/mediagen/internal/adapter/observability"
	"github.com/driftwave/mediagen/internal/domain"
)

// ReportQueueDepth periodically publishes the active-job count as a gauge.
// Blocks until ctx is canceled.
func ReportQueueDepth(ctx context.Context, jobs domain.JobRepository, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := jobs.CountActive(ctx)
			if err != nil {
				slog.Error("queue depth count failed", slog.Any("error", err))
				continue
			}
			observability.SetQueueDepth(n)
		}
	}
}
