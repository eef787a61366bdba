package poller

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes jittered exponential poll intervals. All timing decisions
// flow through it so tests can pin the random source.
type Backoff struct {
	MinMS  int
	MaxMS  int
	Jitter float64
	// Rand returns a uniform sample in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultBackoff matches the configured polling defaults.
func DefaultBackoff() Backoff {
	return Backoff{MinMS: 1000, MaxMS: 30000, Jitter: 0.2}
}

// Interval returns min·2^attempt clamped to [min, max] with ±jitter applied,
// floored at 1ms.
func (b Backoff) Interval(attempt int) time.Duration {
	base := float64(b.MinMS) * math.Pow(2, float64(attempt))
	capped := math.Min(base, float64(b.MaxMS))
	capped = math.Max(capped, float64(b.MinMS))
	u := rand.Float64
	if b.Rand != nil {
		u = b.Rand
	}
	jitterRange := capped * b.Jitter
	ms := capped + (u()*2-1)*jitterRange
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// delaySeconds converts an interval to a whole-second scheduler delay by
// ceiling, never below one second.
func delaySeconds(d time.Duration) time.Duration {
	secs := (d + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}
