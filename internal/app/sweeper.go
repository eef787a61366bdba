package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/driftwave/mediagen/internal/domain"
)

// StalledJobSweeper re-enqueues poll ticks for active jobs whose next_poll_at
// has passed without a tick arriving. A lost tick (Redis restart, crashed
// worker past the visibility window) otherwise strands the job until timeout.
type StalledJobSweeper struct {
	jobs     domain.JobRepository
	sched    domain.Scheduler
	clock    domain.Clock
	grace    time.Duration
	interval time.Duration
}

// NewStalledJobSweeper constructs a sweeper. Grace is how far past
// next_poll_at a job must be before it counts as stalled; it must exceed the
// scheduler's normal delivery latency or the sweeper duplicates live ticks.
func NewStalledJobSweeper(jobs domain.JobRepository, sched domain.Scheduler, grace, interval time.Duration) *StalledJobSweeper {
	if jobs == nil || sched == nil {
		return nil
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StalledJobSweeper{
		jobs:     jobs,
		sched:    sched,
		clock:    domain.UTCClock(),
		grace:    grace,
		interval: interval,
	}
}

// Run blocks, sweeping until ctx is canceled.
func (s *StalledJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stalled job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StalledJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StalledJobSweeper.sweepOnce")
	defer span.End()

	const pageSize = 100
	cutoff := s.clock.Now().Add(-s.grace)
	span.SetAttributes(
		attribute.Int("jobs.page_size", pageSize),
		attribute.Float64("jobs.grace_seconds", s.grace.Seconds()),
	)

	requeued := 0
	ids, err := s.jobs.ScanStalled(ctx, cutoff, pageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("stalled job sweep failed to scan", slog.Any("error", err))
		return
	}
	for _, id := range ids {
		// Immediate tick; the poller re-checks next_poll_at itself, so a
		// duplicate against a live tick is harmless.
		if err := s.sched.Enqueue(ctx, id, 0); err != nil {
			slog.Error("stalled job sweep failed to enqueue",
				slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		requeued++
	}
	if requeued > 0 {
		slog.Warn("stalled jobs requeued", slog.Int("count", requeued))
	}
	span.SetAttributes(attribute.Int("jobs.requeued", requeued))
}
