package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")
)

// Tool types an Option can belong to. The tool type selects the wall-clock
// timeout budget for jobs created from the option.
const (
	ToolTextToImage  = "text_to_image"
	ToolTextToVideo  = "text_to_video"
	ToolImageToVideo = "image_to_video"
	ToolSpeak        = "speak"
)

// Option is a candidate generation spec surfaced to the user by the
// recommender. The core reads options and never mutates them.
type Option struct {
	ID                 string
	MessageID          string
	Rank               int
	ToolType           string
	ModelKey           string
	Parameters         map[string]any
	EnhancedPrompt     string
	RequiresAttachment bool
	StyleID            *string
	CreatedAt          time.Time
}

// JobStatus is the lifecycle state of a GenerationJob.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobTimeout   JobStatus = "TIMEOUT"
	JobCanceled  JobStatus = "CANCELED"
)

// Terminal reports whether s is a terminal status. Terminal jobs never change
// status again; workers drop ticks for them.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimeout, JobCanceled:
		return true
	}
	return false
}

// OutputURLs is the normalized result payload of a succeeded job.
type OutputURLs struct {
	Type   string `json:"type"`
	MinURL string `json:"min_url"`
	RawURL string `json:"raw_url"`
}

// GenerationJob is the durable record of a single generation attempt.
//
// Invariants: at most one job per (user_id, option_id, idempotency_key);
// non-null ProviderJobSetID values are globally unique; TimeoutAt is immutable
// after creation; FinishedAt is non-null iff Status is terminal.
type GenerationJob struct {
	ID               string
	UserID           string
	OptionID         string
	IdempotencyKey   string
	Status           JobStatus
	ProviderJobSetID *string
	Progress         *int
	Attempts         int
	LastErrorCode    *string
	LastErrorMessage *string
	LastPolledAt     *time.Time
	NextPollAt       *time.Time
	TimeoutAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	OutputURLs       *OutputURLs
	TraceID          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// JobUpdate is a partial update applied to a job row. Nil fields are left
// untouched; updated_at is always written by the store.
type JobUpdate struct {
	Status           *JobStatus
	ProviderJobSetID *string
	Progress         *int
	Attempts         *int
	LastErrorCode    *string
	LastErrorMessage *string
	LastPolledAt     *time.Time
	NextPollAt       *time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	OutputURLs       *OutputURLs
}

// Repositories (ports)

type OptionRepository interface {
	Get(ctx Context, id string) (Option, error)
}

type JobRepository interface {
	// InsertIfAbsent inserts j unless a job with the same
	// (user_id, option_id, idempotency_key) already exists. It returns the id
	// of the inserted or pre-existing row and whether an insert happened.
	InsertIfAbsent(ctx Context, j GenerationJob) (id string, inserted bool, err error)
	Get(ctx Context, id string) (GenerationJob, error)
	// GetForUser loads a job only when it belongs to userID.
	GetForUser(ctx Context, id, userID string) (GenerationJob, error)
	// Apply writes a partial update. An update carrying a status change is
	// applied only while the row is still in an active status, so a terminal
	// row is never overwritten; applied reports whether a row changed.
	Apply(ctx Context, id string, u JobUpdate) (applied bool, err error)
	// CountActive counts jobs with status in {PENDING, RUNNING}.
	CountActive(ctx Context) (int64, error)
	// ScanStalled returns ids of active jobs whose next_poll_at is before the
	// given instant. Used by the sweeper to recover lost ticks.
	ScanStalled(ctx Context, before time.Time, limit int) ([]string, error)
}

// Scheduler (port) enqueues a poll tick for a job to be delivered no earlier
// than now+delay. Delivery is at-least-once.
type Scheduler interface {
	Enqueue(ctx Context, jobID string, delay time.Duration) error
}

// EventBus (port) fans job events out to subscribers of a chat channel.
// Publish never blocks on slow subscribers.
type EventBus interface {
	Publish(channel string, ev Event)
	Subscribe(channel string) *Subscription
}

// Clock abstracts wall-clock reads so timeout and backoff decisions are
// testable with a manual clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a func to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// UTCClock returns the production clock.
func UTCClock() Clock { return ClockFunc(func() time.Time { return time.Now().UTC() }) }

// Context is an alias to decouple port signatures from std context imports at
// call sites; adapters and usecases pass context.Context through.
type Context = context.Context
