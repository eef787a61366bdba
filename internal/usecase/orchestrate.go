// Package usecase contains application business logic services.
package usecase

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/driftwave/mediagen/internal/adapter/observability"
	"github.com/driftwave/mediagen/internal/domain"
)

// defaultToolTimeout applies when an option carries a tool type absent from
// the configured mapping.
const defaultToolTimeout = 180 * time.Second

// OrchestratorService creates generation jobs and serves their read view.
type OrchestratorService struct {
	Jobs     domain.JobRepository
	Options  domain.OptionRepository
	Sched    domain.Scheduler
	Clock    domain.Clock
	Timeouts map[string]time.Duration
}

// NewOrchestratorService constructs an OrchestratorService with its dependencies.
func NewOrchestratorService(jobs domain.JobRepository, options domain.OptionRepository, sched domain.Scheduler, clock domain.Clock, timeouts map[string]time.Duration) OrchestratorService {
	if clock == nil {
		clock = domain.UTCClock()
	}
	return OrchestratorService{Jobs: jobs, Options: options, Sched: sched, Clock: clock, Timeouts: timeouts}
}

// CreateJob creates a generation job for an option, idempotent on
// (user_id, option_id, idempotency_key). Replays return the existing job id
// without a new row, tick, or metric.
func (s OrchestratorService) CreateJob(ctx domain.Context, userID, optionID, idemKey string) (string, error) {
	if userID == "" || optionID == "" || idemKey == "" {
		return "", fmt.Errorf("%w: user, option and idempotency key required", domain.ErrInvalidArgument)
	}
	opt, err := s.Options.Get(ctx, optionID)
	if err != nil {
		return "", err
	}

	now := s.Clock.Now()
	nextPoll := now
	job := domain.GenerationJob{
		ID:             uuid.New().String(),
		UserID:         userID,
		OptionID:       optionID,
		IdempotencyKey: idemKey,
		Status:         domain.JobPending,
		Attempts:       0,
		NextPollAt:     &nextPoll,
		TimeoutAt:      now.Add(s.toolTimeout(opt.ToolType)),
		TraceID:        uuid.New().String(),
	}
	id, inserted, err := s.Jobs.InsertIfAbsent(ctx, job)
	if err != nil {
		return "", err
	}
	if !inserted {
		slog.Info("job already exists",
			slog.String("job_id", id),
			slog.String("option_id", optionID),
			slog.String("idempotency_key", idemKey))
		return id, nil
	}

	// Enqueue after commit. A lost tick here is recovered by the stalled-job
	// sweeper (next_poll_at is already due), so the creation still succeeds.
	if err := s.Sched.Enqueue(ctx, id, 0); err != nil {
		slog.Warn("first tick enqueue failed; sweeper will recover",
			slog.String("job_id", id), slog.Any("error", err))
	}
	observability.JobCreated(opt.ToolType, opt.ModelKey)
	slog.Info("job created",
		slog.String("job_id", id),
		slog.String("tool_type", opt.ToolType),
		slog.String("model_key", opt.ModelKey),
		slog.String("trace_id", job.TraceID))
	return id, nil
}

func (s OrchestratorService) toolTimeout(toolType string) time.Duration {
	if d, ok := s.Timeouts[toolType]; ok && d > 0 {
		return d
	}
	return defaultToolTimeout
}

// JobResult is the success payload of the job read view.
type JobResult struct {
	MinURL string `json:"min_url"`
	RawURL string `json:"raw_url"`
	Mime   string `json:"mime"`
}

// JobError is the failure payload of the job read view.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobView is what GET /jobs/{id} returns.
type JobView struct {
	JobID             string     `json:"job_id"`
	Status            string     `json:"status"`
	Result            *JobResult `json:"result,omitempty"`
	Error             *JobError  `json:"error,omitempty"`
	RetryAfterSeconds int        `json:"retry_after_seconds"`
}

// GetJob loads the caller's job and shapes the read view.
func (s OrchestratorService) GetJob(ctx domain.Context, userID, jobID string) (JobView, error) {
	if userID == "" || jobID == "" {
		return JobView{}, fmt.Errorf("%w: user and job id required", domain.ErrInvalidArgument)
	}
	job, err := s.Jobs.GetForUser(ctx, jobID, userID)
	if err != nil {
		return JobView{}, err
	}

	view := JobView{JobID: job.ID, Status: string(job.Status), RetryAfterSeconds: 10}
	if job.NextPollAt != nil {
		delta := job.NextPollAt.Sub(s.Clock.Now()).Seconds()
		view.RetryAfterSeconds = clampInt(int(math.Ceil(delta)), 1, 10)
	}
	if job.Status == domain.JobSucceeded && job.OutputURLs != nil {
		mime := "video/mp4"
		if job.OutputURLs.Type == "image" {
			mime = "image/jpeg"
		}
		view.Result = &JobResult{MinURL: job.OutputURLs.MinURL, RawURL: job.OutputURLs.RawURL, Mime: mime}
	}
	if job.Status == domain.JobFailed || job.Status == domain.JobTimeout {
		code, msg := "UNKNOWN", "Job failed"
		if job.LastErrorCode != nil {
			code = *job.LastErrorCode
		}
		if job.LastErrorMessage != nil {
			msg = *job.LastErrorMessage
		}
		view.Error = &JobError{Code: code, Message: msg}
	}
	return view, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
