// Package redisq implements the durable delayed tick queue on Redis.
//
// A sorted set holds job ids scored by their ready-at time; a Lua script
// atomically claims due members into an in-flight set scored by a visibility
// deadline. Unacknowledged claims are swept back, which gives at-least-once
// delivery across process restarts and crashes. The poller's state machine is
// idempotent, so duplicate ticks are harmless.
package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftwave/mediagen/internal/domain"
)

const (
	keyDelayed  = "mediagen:sched:delayed"
	keyInflight = "mediagen:sched:inflight"
)

// claimScript moves up to ARGV[2] due members from the delayed set into the
// in-flight set with visibility deadline ARGV[3], returning the claimed ids.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('ZADD', KEYS[2], ARGV[3], member)
end
return due
`)

// reapScript returns expired in-flight members to the delayed set as
// immediately due.
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(expired) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('ZADD', KEYS[2], ARGV[1], member)
end
return #expired
`)

// Queue is a delayed-delivery queue of job ids.
type Queue struct {
	rdb        *redis.Client
	visibility time.Duration
	clock      domain.Clock
}

// New constructs a Queue. visibility bounds how long a claimed tick may stay
// unacknowledged before it is redelivered.
func New(rdb *redis.Client, visibility time.Duration, clock domain.Clock) *Queue {
	if clock == nil {
		clock = domain.UTCClock()
	}
	if visibility <= 0 {
		visibility = time.Minute
	}
	return &Queue{rdb: rdb, visibility: visibility, clock: clock}
}

// NewClient parses a redis:// URL into a client.
func NewClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.client: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Enqueue schedules a tick for jobID no earlier than now+delay. Re-enqueueing
// an already scheduled job moves its ready time.
func (q *Queue) Enqueue(ctx domain.Context, jobID string, delay time.Duration) error {
	if jobID == "" {
		return fmt.Errorf("op=redisq.enqueue: %w: empty job id", domain.ErrInvalidArgument)
	}
	if delay < 0 {
		delay = 0
	}
	readyAt := q.clock.Now().Add(delay).UnixMilli()
	if err := q.rdb.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(readyAt), Member: jobID}).Err(); err != nil {
		return fmt.Errorf("op=redisq.enqueue: %w", err)
	}
	return nil
}

// Claim atomically takes up to n due ticks, making them invisible to other
// workers until acknowledged or until the visibility deadline lapses.
func (q *Queue) Claim(ctx context.Context, n int) ([]string, error) {
	now := q.clock.Now()
	deadline := now.Add(q.visibility).UnixMilli()
	res, err := claimScript.Run(ctx, q.rdb, []string{keyDelayed, keyInflight},
		now.UnixMilli(), n, deadline).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("op=redisq.claim: %w", err)
	}
	return res, nil
}

// Ack acknowledges a processed tick so it is not redelivered.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	if err := q.rdb.ZRem(ctx, keyInflight, jobID).Err(); err != nil {
		return fmt.Errorf("op=redisq.ack: %w", err)
	}
	return nil
}

// RequeueExpired sweeps in-flight ticks whose visibility deadline passed back
// into the delayed set. Returns how many were requeued.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	n, err := reapScript.Run(ctx, q.rdb, []string{keyInflight, keyDelayed},
		q.clock.Now().UnixMilli(), 100).Int()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.requeue_expired: %w", err)
	}
	return n, nil
}

// Depth returns the number of ticks waiting for delivery.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, keyDelayed).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.depth: %w", err)
	}
	return n, nil
}
