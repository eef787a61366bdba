package redisq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler advances one job by at most one state transition.
type Handler func(ctx context.Context, jobID string) error

// Consumer pulls ready ticks and hands them to a Handler. Each worker
// prefetches a single tick at a time; ticks are acknowledged only after the
// handler succeeds, so a crash or error leads to redelivery.
type Consumer struct {
	queue        *Queue
	handler      Handler
	concurrency  int
	pollInterval time.Duration
}

// NewConsumer constructs a Consumer with the given worker count.
func NewConsumer(q *Queue, h Handler, concurrency int, pollInterval time.Duration) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Consumer{queue: q, handler: h, concurrency: concurrency, pollInterval: pollInterval}
}

// Run blocks until ctx is canceled. In-flight handlers finish their current
// transition before the consumer returns; unacknowledged ticks go back to the
// queue via the visibility sweep.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.workerLoop(ctx)
		}()
	}

	// Visibility sweep returns ticks whose worker died mid-transition.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.queue.visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := c.queue.RequeueExpired(ctx); err != nil {
					if ctx.Err() == nil {
						slog.Error("visibility sweep failed", slog.Any("error", err))
					}
				} else if n > 0 {
					slog.Warn("requeued expired ticks", slog.Int("count", n))
				}
			}
		}
	}()

	wg.Wait()
}

func (c *Consumer) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		ids, err := c.queue.Claim(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("claim failed", slog.Any("error", err))
			c.sleep(ctx)
			continue
		}
		if len(ids) == 0 {
			c.sleep(ctx)
			continue
		}
		jobID := ids[0]
		if err := c.handler(ctx, jobID); err != nil {
			// Leave the tick in flight; the visibility sweep redelivers it.
			slog.Error("tick handler failed", slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		if err := c.queue.Ack(ctx, jobID); err != nil && ctx.Err() == nil {
			slog.Error("ack failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	t := time.NewTimer(c.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
