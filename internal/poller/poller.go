// Package poller drives the generation-job state machine.
//
// Each scheduler tick advances one job by at most one transition. The machine
// is idempotent under redelivery: every transition is a single conditional
// row update that only fires while the row is still active, so a duplicate or
// racing tick observes either a future next_poll_at or a terminal status and
// becomes a no-op.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/driftwave/mediagen/internal/adapter/observability"
	"github.com/driftwave/mediagen/internal/domain"
)

// Poller owns one tick's worth of work.
type Poller struct {
	Jobs     domain.JobRepository
	Options  domain.OptionRepository
	Provider domain.Provider
	Sched    domain.Scheduler
	Bus      domain.EventBus
	Clock    domain.Clock
	Backoff  Backoff
	// CallTimeout caps a single upstream call; the effective deadline is the
	// smaller of this and the job's remaining timeout budget.
	CallTimeout time.Duration
}

// New constructs a Poller.
func New(jobs domain.JobRepository, options domain.OptionRepository, provider domain.Provider, sched domain.Scheduler, bus domain.EventBus, clock domain.Clock, backoff Backoff, callTimeout time.Duration) *Poller {
	if clock == nil {
		clock = domain.UTCClock()
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Poller{Jobs: jobs, Options: options, Provider: provider, Sched: sched, Bus: bus, Clock: clock, Backoff: backoff, CallTimeout: callTimeout}
}

// Process handles one tick for jobID. A nil return acknowledges the tick; an
// error leaves it unacknowledged for redelivery.
func (p *Poller) Process(ctx context.Context, jobID string) error {
	tracer := otel.Tracer("poller")
	ctx, span := tracer.Start(ctx, "PollGeneration")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", jobID))

	job, err := p.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Error("job not found, dropping tick", slog.String("job_id", jobID))
			return nil
		}
		return err
	}
	lg := slog.With(slog.String("job_id", job.ID), slog.String("trace_id", job.TraceID))

	if job.Status.Terminal() {
		lg.Info("job already terminal", slog.String("status", string(job.Status)))
		return nil
	}

	now := p.Clock.Now()

	// Timeout dominates every other transition.
	if !now.Before(job.TimeoutAt) {
		return p.transitionTimeout(ctx, lg, job, now)
	}

	opt, err := p.Options.Get(ctx, job.OptionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			lg.Error("option not found, failing job", slog.String("option_id", job.OptionID))
			return p.failJob(ctx, lg, job, domain.Option{}, now, domain.CodeOptionNotFound, "associated option not found")
		}
		return err
	}

	if job.ProviderJobSetID == nil {
		return p.startGeneration(ctx, lg, job, opt, now)
	}

	// Not due yet: requeue without touching the row.
	if job.NextPollAt != nil && now.Before(*job.NextPollAt) {
		delay := delaySeconds(job.NextPollAt.Sub(now))
		lg.Debug("not ready to poll", slog.Duration("delay", delay))
		return p.Sched.Enqueue(ctx, job.ID, delay)
	}

	return p.poll(ctx, lg, job, opt, now)
}

func (p *Poller) startGeneration(ctx context.Context, lg *slog.Logger, job domain.GenerationJob, opt domain.Option, now time.Time) error {
	lg.Info("starting provider job", slog.String("model_key", opt.ModelKey))

	callCtx, cancel := p.callContext(ctx, job, now)
	setID, err := p.Provider.StartGeneration(callCtx, opt.ModelKey, startParams(opt), opt.EnhancedPrompt)
	cancel()
	if err != nil {
		return p.handleProviderErr(ctx, lg, job, opt, now, err)
	}

	attempts := job.Attempts + 1
	status := domain.JobRunning
	next := now.Add(p.Backoff.Interval(0))
	applied, err := p.Jobs.Apply(ctx, job.ID, domain.JobUpdate{
		Status:           &status,
		StartedAt:        &now,
		Attempts:         &attempts,
		ProviderJobSetID: &setID,
		NextPollAt:       &next,
	})
	if err != nil {
		return err
	}
	if !applied {
		lg.Info("start transition lost race, dropping tick")
		return nil
	}
	return p.Sched.Enqueue(ctx, job.ID, delaySeconds(next.Sub(now)))
}

func (p *Poller) poll(ctx context.Context, lg *slog.Logger, job domain.GenerationJob, opt domain.Option, now time.Time) error {
	lg.Info("polling provider",
		slog.String("provider_job_set_id", *job.ProviderJobSetID),
		slog.Int("attempt", job.Attempts))

	callCtx, cancel := p.callContext(ctx, job, now)
	jobSet, err := p.Provider.GetJobSet(callCtx, *job.ProviderJobSetID)
	cancel()
	if err != nil {
		return p.handleProviderErr(ctx, lg, job, opt, now, err)
	}

	observability.ProviderPoll(opt.ModelKey, string(jobSet.Status))
	attempts := job.Attempts + 1

	switch jobSet.Status {
	case domain.ProviderCompleted:
		status := domain.JobSucceeded
		progress := 100
		update := domain.JobUpdate{
			Status:       &status,
			FinishedAt:   &now,
			Progress:     &progress,
			Attempts:     &attempts,
			LastPolledAt: &now,
		}
		if len(jobSet.Results) > 0 {
			urls := jobSet.Results[0]
			update.OutputURLs = &urls
		}
		applied, err := p.Jobs.Apply(ctx, job.ID, update)
		if err != nil {
			return err
		}
		if applied {
			lg.Info("job completed")
			observability.JobSucceeded(opt.ToolType, opt.ModelKey)
			p.publish(job, domain.Event{
				Type:   domain.EventJobUpdated,
				JobID:  job.ID,
				Status: domain.JobSucceeded,
				Result: update.OutputURLs,
			})
		}
		return nil

	case domain.ProviderFailed:
		return p.failJob(ctx, lg, job, opt, now, domain.CodeProviderFailed, "provider reported failure")

	default: // queued or processing
		next := now.Add(p.Backoff.Interval(attempts))
		applied, err := p.Jobs.Apply(ctx, job.ID, domain.JobUpdate{
			Attempts:     &attempts,
			LastPolledAt: &now,
			NextPollAt:   &next,
		})
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		delay := delaySeconds(next.Sub(now))
		lg.Debug("job still processing",
			slog.String("provider_status", string(jobSet.Status)),
			slog.Duration("next_poll_in", delay))
		return p.Sched.Enqueue(ctx, job.ID, delay)
	}
}

// handleProviderErr applies the retry policy: retryable errors back off
// without leaving RUNNING, non-retryable errors terminate the job. Anything
// that is not a classified provider error is treated as transient.
func (p *Poller) handleProviderErr(ctx context.Context, lg *slog.Logger, job domain.GenerationJob, opt domain.Option, now time.Time, err error) error {
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		lg.Error("unexpected worker error", slog.Any("error", err))
		observability.ProviderError("internal_error")
		return p.backOff(ctx, lg, job, now, job.Attempts, domain.CodeInternalError, err.Error())
	}

	if pe.Retryable {
		n := job.Attempts
		if pe.Code == domain.CodeRateLimited {
			lg.Warn("rate limited")
			n += 5
		} else {
			lg.Error("provider error", slog.String("code", pe.Code), slog.String("message", pe.Message))
		}
		observability.ProviderError(pe.Code)
		return p.backOff(ctx, lg, job, now, n, pe.Code, pe.Message)
	}

	lg.Error("non-retryable provider error", slog.String("code", pe.Code), slog.String("message", pe.Message))
	observability.ProviderError(pe.Code)
	return p.failJob(ctx, lg, job, opt, now, pe.Code, pe.Message)
}

// backOff records the error and reschedules without a status change.
func (p *Poller) backOff(ctx context.Context, lg *slog.Logger, job domain.GenerationJob, now time.Time, attempt int, code, msg string) error {
	next := now.Add(p.Backoff.Interval(attempt))
	applied, err := p.Jobs.Apply(ctx, job.ID, domain.JobUpdate{
		LastErrorCode:    &code,
		LastErrorMessage: &msg,
		NextPollAt:       &next,
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	return p.Sched.Enqueue(ctx, job.ID, delaySeconds(next.Sub(now)))
}

func (p *Poller) failJob(ctx context.Context, lg *slog.Logger, job domain.GenerationJob, opt domain.Option, now time.Time, code, msg string) error {
	status := domain.JobFailed
	applied, err := p.Jobs.Apply(ctx, job.ID, domain.JobUpdate{
		Status:           &status,
		FinishedAt:       &now,
		LastErrorCode:    &code,
		LastErrorMessage: &msg,
	})
	if err != nil {
		return err
	}
	if applied {
		lg.Warn("job failed", slog.String("code", code))
		observability.JobFailed(opt.ToolType, opt.ModelKey, code)
		p.publish(job, domain.Event{
			Type:   domain.EventJobUpdated,
			JobID:  job.ID,
			Status: domain.JobFailed,
			Error:  &domain.EventError{Code: code, Message: msg},
		})
	}
	return nil
}

func (p *Poller) transitionTimeout(ctx context.Context, lg *slog.Logger, job domain.GenerationJob, now time.Time) error {
	status := domain.JobTimeout
	code := domain.CodeTimeout
	msg := "job exceeded timeout"
	applied, err := p.Jobs.Apply(ctx, job.ID, domain.JobUpdate{
		Status:           &status,
		FinishedAt:       &now,
		LastErrorCode:    &code,
		LastErrorMessage: &msg,
	})
	if err != nil {
		return err
	}
	if applied {
		lg.Warn("job timeout", slog.Time("timeout_at", job.TimeoutAt))
		// Option labels are best effort here; the timeout must stand even if
		// the option lookup fails.
		if opt, err := p.Options.Get(ctx, job.OptionID); err == nil {
			observability.JobTimedOut(opt.ToolType, opt.ModelKey)
		}
		p.publish(job, domain.Event{
			Type:   domain.EventJobUpdated,
			JobID:  job.ID,
			Status: domain.JobTimeout,
			Error:  &domain.EventError{Code: code, Message: msg},
		})
	}
	return nil
}

// publish emits the event after the transition committed; delivery is
// best-effort by contract.
func (p *Poller) publish(job domain.GenerationJob, ev domain.Event) {
	if p.Bus == nil {
		return
	}
	p.Bus.Publish(domain.ChatChannel(job.UserID), ev)
}

func (p *Poller) callContext(ctx context.Context, job domain.GenerationJob, now time.Time) (context.Context, context.CancelFunc) {
	remaining := job.TimeoutAt.Sub(now)
	d := p.CallTimeout
	if remaining < d {
		d = remaining
	}
	if d < time.Second {
		d = time.Second
	}
	return context.WithTimeout(ctx, d)
}

// startParams merges the option's model-specific parameters with its style,
// which the provider expects inline.
func startParams(opt domain.Option) map[string]any {
	params := make(map[string]any, len(opt.Parameters)+1)
	for k, v := range opt.Parameters {
		params[k] = v
	}
	if opt.StyleID != nil && *opt.StyleID != "" {
		if _, ok := params["style_id"]; !ok {
			params["style_id"] = *opt.StyleID
		}
	}
	return params
}
