package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftwave/mediagen/internal/domain"
)

type fakeJobs struct {
	jobs        map[string]domain.GenerationJob
	updates     []domain.JobUpdate
	applyErr    error
	beforeApply func(*fakeJobs)
}

func newFakeJobs(js ...domain.GenerationJob) *fakeJobs {
	m := make(map[string]domain.GenerationJob, len(js))
	for _, j := range js {
		m[j.ID] = j
	}
	return &fakeJobs{jobs: m}
}

func (f *fakeJobs) InsertIfAbsent(_ domain.Context, j domain.GenerationJob) (string, bool, error) {
	f.jobs[j.ID] = j
	return j.ID, true, nil
}

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.GenerationJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return domain.GenerationJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) GetForUser(ctx domain.Context, id, userID string) (domain.GenerationJob, error) {
	j, err := f.Get(ctx, id)
	if err != nil || j.UserID != userID {
		return domain.GenerationJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) Apply(_ domain.Context, id string, u domain.JobUpdate) (bool, error) {
	if f.applyErr != nil {
		return false, f.applyErr
	}
	if f.beforeApply != nil {
		f.beforeApply(f)
	}
	j, ok := f.jobs[id]
	if !ok || j.Status.Terminal() {
		return false, nil
	}
	if u.ProviderJobSetID != nil && j.ProviderJobSetID != nil {
		return false, nil
	}
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.ProviderJobSetID != nil {
		j.ProviderJobSetID = u.ProviderJobSetID
	}
	if u.Progress != nil {
		j.Progress = u.Progress
	}
	if u.Attempts != nil {
		j.Attempts = *u.Attempts
	}
	if u.LastErrorCode != nil {
		j.LastErrorCode = u.LastErrorCode
	}
	if u.LastErrorMessage != nil {
		j.LastErrorMessage = u.LastErrorMessage
	}
	if u.LastPolledAt != nil {
		j.LastPolledAt = u.LastPolledAt
	}
	if u.NextPollAt != nil {
		j.NextPollAt = u.NextPollAt
	}
	if u.StartedAt != nil {
		j.StartedAt = u.StartedAt
	}
	if u.FinishedAt != nil {
		j.FinishedAt = u.FinishedAt
	}
	if u.OutputURLs != nil {
		j.OutputURLs = u.OutputURLs
	}
	f.jobs[id] = j
	f.updates = append(f.updates, u)
	return true, nil
}

func (f *fakeJobs) CountActive(domain.Context) (int64, error) { return 0, nil }

func (f *fakeJobs) ScanStalled(domain.Context, time.Time, int) ([]string, error) {
	return nil, nil
}

type fakeOptions struct {
	opts map[string]domain.Option
}

func (f *fakeOptions) Get(_ domain.Context, id string) (domain.Option, error) {
	o, ok := f.opts[id]
	if !ok {
		return domain.Option{}, domain.ErrNotFound
	}
	return o, nil
}

type enqueued struct {
	jobID string
	delay time.Duration
}

type fakeSched struct {
	calls []enqueued
	err   error
}

func (f *fakeSched) Enqueue(_ domain.Context, jobID string, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, enqueued{jobID: jobID, delay: delay})
	return nil
}

type published struct {
	channel string
	ev      domain.Event
}

type fakeBus struct {
	events []published
}

func (f *fakeBus) Publish(channel string, ev domain.Event) {
	f.events = append(f.events, published{channel: channel, ev: ev})
}

func (f *fakeBus) Subscribe(string) *domain.Subscription { return nil }

type fakeProvider struct {
	startID  string
	startErr error
	jobSet   domain.JobSet
	pollErr  error

	startCalls int
	pollCalls  int
}

func (f *fakeProvider) StartGeneration(domain.Context, string, map[string]any, string) (string, error) {
	f.startCalls++
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.startID, nil
}

func (f *fakeProvider) GetJobSet(domain.Context, string) (domain.JobSet, error) {
	f.pollCalls++
	if f.pollErr != nil {
		return domain.JobSet{}, f.pollErr
	}
	return f.jobSet, nil
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func strptr(s string) *string { return &s }

func testOption() domain.Option {
	return domain.Option{
		ID:             "opt-1",
		ToolType:       domain.ToolTextToImage,
		ModelKey:       "soul",
		Parameters:     map[string]any{"quality": "hd"},
		EnhancedPrompt: "a quiet harbor at dawn",
	}
}

func pendingJob() domain.GenerationJob {
	return domain.GenerationJob{
		ID:        "job-1",
		UserID:    "user-1",
		OptionID:  "opt-1",
		Status:    domain.JobPending,
		TimeoutAt: testNow.Add(3 * time.Minute),
	}
}

func runningJob() domain.GenerationJob {
	j := pendingJob()
	j.Status = domain.JobRunning
	j.ProviderJobSetID = strptr("set-1")
	j.Attempts = 1
	due := testNow.Add(-time.Second)
	j.NextPollAt = &due
	return j
}

func newTestPoller(jobs *fakeJobs, opts *fakeOptions, prov *fakeProvider, sched *fakeSched, bus *fakeBus) *Poller {
	b := Backoff{MinMS: 1000, MaxMS: 30000, Jitter: 0, Rand: func() float64 { return 0.5 }}
	return &Poller{
		Jobs:        jobs,
		Options:     opts,
		Provider:    prov,
		Sched:       sched,
		Bus:         bus,
		Clock:       domain.ClockFunc(func() time.Time { return testNow }),
		Backoff:     b,
		CallTimeout: 30 * time.Second,
	}
}

func TestProcessStartsGeneration(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs(pendingJob())
	opts := &fakeOptions{opts: map[string]domain.Option{"opt-1": testOption()}}
	prov := &fakeProvider{startID: "set-1"}
	sched := &fakeSched{}
	bus := &fakeBus{}
	p := newTestPoller(jobs, opts, prov, sched, bus)

	require.NoError(t, p.Process(context.Background(), "job-1"))

	got := jobs.jobs["job-1"]
	require.Equal(t, domain.JobRunning, got.Status)
	require.Equal(t, "set-1", *got.ProviderJobSetID)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.NextPollAt)
	require.Len(t, sched.calls, 1)
	require.Equal(t, time.Second, sched.calls[0].delay)
	require.Empty(t, bus.events)
}

// Two ticks racing the same PENDING snapshot must commit exactly one
// provider job set id; the loser drops its tick without rescheduling.
func TestProcessStartLosesRaceDropsTick(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs(pendingJob())
	// A concurrent worker commits its start between this tick's read and
	// its conditional update.
	winnerSet := "set-winner"
	jobs.beforeApply = func(f *fakeJobs) {
		f.beforeApply = nil
		j := f.jobs["job-1"]
		j.Status = domain.JobRunning
		j.ProviderJobSetID = &winnerSet
		f.jobs["job-1"] = j
	}
	opts := &fakeOptions{opts: map[string]domain.Option{"opt-1": testOption()}}
	prov := &fakeProvider{startID: "set-loser"}
	sched := &fakeSched{}
	bus := &fakeBus{}
	p := newTestPoller(jobs, opts, prov, sched, bus)

	require.NoError(t, p.Process(context.Background(), "job-1"))

	got := jobs.jobs["job-1"]
	require.Equal(t, "set-winner", *got.ProviderJobSetID)
	require.Equal(t, domain.JobRunning, got.Status)
	require.Empty(t, sched.calls)
	require.Empty(t, bus.events)
}

func TestProcessCompletedPublishesResult(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs(runningJob())
	opts := &fakeOptions{opts: map[string]domain.Option{"opt-1": testOption()}}
	prov := &fakeProvider{jobSet: domain.JobSet{
		Status: domain.ProviderCompleted,
		Results: []domain.OutputURLs{{
			Type:   "image",
			MinURL: "https://cdn.example/min.jpg",
			RawURL: "https://cdn.example/raw.jpg",
		}},
	}}
	sched := &fakeSched{}
	bus := &fakeBus{}
	p := newTestPoller(jobs, opts, prov, sched, bus)

	require.NoError(t, p.Process(context.Background(), "job-1"))

	got := jobs.jobs["job-1"]
	require.Equal(t, domain.JobSucceeded, got.Status)
	require.Equal(t, 100, *got.Progress)
	require.NotNil(t, got.FinishedAt)
	require.Equal(t, "https://cdn.example/min.jpg", got.OutputURLs.MinURL)

	require.Empty(t, sched.calls)
	require.Len(t, bus.events, 1)
	require.Equal(t, domain.ChatChannel("user-1"), bus.events[0].channel)
	require.Equal(t, domain.JobSucceeded, bus.events[0].ev.Status)
	require.NotNil(t, bus.events[0].ev.Result)
}

func TestProcessStillProcessingReschedules(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs(runningJob())
	opts := &fakeOptions{opts: map[string]domain.Option{"opt-1": testOption()}}
	prov := &fakeProvider{jobSet: domain.JobSet{Status: domain.ProviderProcessing}}
	sched := &fakeSched{}
	bus := &fakeBus{}
	p := newTestPoller(jobs, opts, prov, sched, bus)

	require.NoError(t, p.Process(context.Background(), "job-1"))

	got := jobs.jobs["job-1"]
	require.Equal(t, domain.JobRunning, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, testNow, *got.LastPolledAt)
	// min·2^2 with no jitter.
	require.Equal(t, testNow.Add(4*time.Second), *got.NextPollAt)
	require.Len(t, sched.calls, 1)
	require.Equal(t, 4*time.Second, sched.calls[0].delay)
	require.Empty(t, bus.events)
}

func TestProcessNotDueRequeuesWithoutUpdate(t *testing.T) {
	t.Parallel()
	j := runningJob()
	due := testNow.Add(5 * time.Second)
	j.NextPollAt = &due
	jobs := newFakeJobs(j)
	opts := &fakeOptions{opts: map[string]domain.Option{"opt-1": testOption()}}
	prov := &fakeProvider{}
	sched := &fakeSched{}
	p := newTestPoller(jobs, opts, prov, sched, &fakeBus{})

	require.NoError(t, p.Process(context.Background(), "job-1"))

	require.Zero(t, prov.pollCalls)
	require.Empty(t, jobs.updates)
	require.Len(t, sched.calls, 1)
	require.Equal(t, 5*time.Second, sched.calls[0].delay)
}

func TestProcessProviderFailedTerminates(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs(runningJob())
	opts := &fakeOptions{opts: map[string]domain.Option{"opt-1": testOption()}}
	prov := &fakeProvider{jobSet: domain.JobSet{Status: domain.ProviderFailed}}
	sched := &fakeSched{}
	bus := &fakeBus{}
	p := newTestPoller(jobs, opts, prov, sched, bus)

	require.NoError(t, p.Process(context.Background(), "job-1"))

	got := jobs.jobs["job-1"]
	require.Equal(t, domain.JobFailed, got.Status)
	require.Equal(t, domain.CodeProviderFailed, *got.LastErrorCode)
	require.NotNil(t, got.FinishedAt)
	require.Empty(t, sched.calls)
	require.Len(t, bus.events, 1)
	require.Equal(t, domain.JobFailed, bus.events[0].ev.Status)
	require.Equal(t, domain.CodeProviderFailed, bus.events[0].ev.Error.Code)
}

func TestProcessRateLimitBacksOffWithPenalty(t *testing.T) {
	t.Parallel()
	j := runningJob()
	j.Attempts = 2
	jobs := newFakeJobs(j)
	opts := &fakeOptions{opts: map[string]domain.Option{"opt-1": testOption()}}
	prov := &fakeProvider{pollErr: &domain.ProviderError{
		Code: domain.CodeRateLimited, Message: "too many requests", Retryable: true,
	}}
	sched := &fakeSched{}
	bus := &fakeBus{}
	p := newTestPoller(jobs, opts, prov, sched, bus)

	require.NoError(t, p.Process(context.Background(), "job-1"))

	got := jobs.jobs["job-1"]
	require.Equal(t, domain.JobRunning, got.Status)
	require.Equal(t, domain.CodeRateLimited, *got.LastErrorCode)
	// Attempts are not advanced by a failed poll; the penalty only widens the
	// next interval: min·2^(2+5) clamped to max.
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, testNow.Add(30*time.Second), *got.NextPollAt)
	require.Len(t, sched.calls, 1)
	require.Equal(t, 30*time.Second, sched.calls[0].delay)
	require.Empty(t, bus.events)
}

func TestProcessNonRetryableErrorFailsJob(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs(pendingJob())
	opts := &fakeOptions{opts: map[string]domain.Option{"opt-1": testOption()}}
	prov := &fakeProvider{startErr: &domain.ProviderError{
		Code: domain.CodeInvalidParams, Message: "bad params", Retryable: false,
	}}
	sched := &fakeSched{}
	bus := &fakeBus{}
	p := newTestPoller(jobs, opts, prov, sched, bus)

	require.NoError(t, p.Process(context.Background(), "job-1"))

	got := jobs.jobs["job-1"]
	require.Equal(t, domain.JobFailed, got.Status)
	require.Equal(t, domain.CodeInvalidParams, *got.LastErrorCode)
	require.Equal(t, "bad params", *got.LastErrorMessage)
	require.Empty(t, sched.calls)
	require.Len(t, bus.events, 1)
}

func TestProcessUnclassifiedErrorBacksOff(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs(runningJob())
	opts := &fakeOptions{opts: map[string]domain.Option{"opt-1": testOption()}}
	prov := &fakeProvider{pollErr: errors.New("boom")}
	sched := &fakeSched{}
	p := newTestPoller(jobs, opts, prov, sched, &fakeBus{})

	require.NoError(t, p.Process(context.Background(), "job-1"))

	got := jobs.jobs["job-1"]
	require.Equal(t, domain.JobRunning, got.Status)
	require.Equal(t, domain.CodeInternalError, *got.LastErrorCode)
	require.Len(t, sched.calls, 1)
}

func TestProcessTimeoutDominates(t *testing.T) {
	t.Parallel()
	j := runningJob()
	j.TimeoutAt = testNow.Add(-time.Second)
	jobs := newFakeJobs(j)
	opts := &fakeOptions{opts: map[string]domain.Option{"opt-1": testOption()}}
	prov := &fakeProvider{jobSet: domain.JobSet{Status: domain.ProviderCompleted}}
	sched := &fakeSched{}
	bus := &fakeBus{}
	p := newTestPoller(jobs, opts, prov, sched, bus)

	require.NoError(t, p.Process(context.Background(), "job-1"))

	got := jobs.jobs["job-1"]
	require.Equal(t, domain.JobTimeout, got.Status)
	require.Equal(t, domain.CodeTimeout, *got.LastErrorCode)
	require.Zero(t, prov.pollCalls)
	require.Len(t, bus.events, 1)
	require.Equal(t, domain.JobTimeout, bus.events[0].ev.Status)
}

func TestProcessTerminalJobDropsTick(t *testing.T) {
	t.Parallel()
	j := pendingJob()
	j.Status = domain.JobSucceeded
	jobs := newFakeJobs(j)
	prov := &fakeProvider{}
	sched := &fakeSched{}
	p := newTestPoller(jobs, &fakeOptions{}, prov, sched, &fakeBus{})

	require.NoError(t, p.Process(context.Background(), "job-1"))
	require.Zero(t, prov.startCalls)
	require.Zero(t, prov.pollCalls)
	require.Empty(t, jobs.updates)
	require.Empty(t, sched.calls)
}

func TestProcessUnknownJobDropsTick(t *testing.T) {
	t.Parallel()
	p := newTestPoller(newFakeJobs(), &fakeOptions{}, &fakeProvider{}, &fakeSched{}, &fakeBus{})
	require.NoError(t, p.Process(context.Background(), "missing"))
}

func TestProcessMissingOptionFailsJob(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs(pendingJob())
	opts := &fakeOptions{opts: map[string]domain.Option{}}
	bus := &fakeBus{}
	p := newTestPoller(jobs, opts, &fakeProvider{}, &fakeSched{}, bus)

	require.NoError(t, p.Process(context.Background(), "job-1"))

	got := jobs.jobs["job-1"]
	require.Equal(t, domain.JobFailed, got.Status)
	require.Equal(t, domain.CodeOptionNotFound, *got.LastErrorCode)
	require.Len(t, bus.events, 1)
}

func TestProcessEnqueueFailureLeavesTickUnacked(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs(runningJob())
	opts := &fakeOptions{opts: map[string]domain.Option{"opt-1": testOption()}}
	prov := &fakeProvider{jobSet: domain.JobSet{Status: domain.ProviderQueued}}
	sched := &fakeSched{err: errors.New("redis down")}
	p := newTestPoller(jobs, opts, prov, sched, &fakeBus{})

	require.Error(t, p.Process(context.Background(), "job-1"))
}
