package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftwave/mediagen/internal/domain"
)

type stubJobs struct {
	existing map[string]string // user|option|key -> job id
	inserted []domain.GenerationJob
	byID     map[string]domain.GenerationJob
}

func newStubJobs() *stubJobs {
	return &stubJobs{existing: map[string]string{}, byID: map[string]domain.GenerationJob{}}
}

func idemKeyOf(j domain.GenerationJob) string {
	return j.UserID + "|" + j.OptionID + "|" + j.IdempotencyKey
}

func (s *stubJobs) InsertIfAbsent(_ domain.Context, j domain.GenerationJob) (string, bool, error) {
	if id, ok := s.existing[idemKeyOf(j)]; ok {
		return id, false, nil
	}
	s.existing[idemKeyOf(j)] = j.ID
	s.inserted = append(s.inserted, j)
	s.byID[j.ID] = j
	return j.ID, true, nil
}

func (s *stubJobs) Get(_ domain.Context, id string) (domain.GenerationJob, error) {
	j, ok := s.byID[id]
	if !ok {
		return domain.GenerationJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *stubJobs) GetForUser(ctx domain.Context, id, userID string) (domain.GenerationJob, error) {
	j, err := s.Get(ctx, id)
	if err != nil || j.UserID != userID {
		return domain.GenerationJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *stubJobs) Apply(domain.Context, string, domain.JobUpdate) (bool, error) { return false, nil }
func (s *stubJobs) CountActive(domain.Context) (int64, error)                   { return 0, nil }
func (s *stubJobs) ScanStalled(domain.Context, time.Time, int) ([]string, error) {
	return nil, nil
}

type stubOptions struct{ opts map[string]domain.Option }

func (s *stubOptions) Get(_ domain.Context, id string) (domain.Option, error) {
	o, ok := s.opts[id]
	if !ok {
		return domain.Option{}, domain.ErrNotFound
	}
	return o, nil
}

type stubSched struct {
	jobIDs []string
	delays []time.Duration
	err    error
}

func (s *stubSched) Enqueue(_ domain.Context, jobID string, delay time.Duration) error {
	if s.err != nil {
		return s.err
	}
	s.jobIDs = append(s.jobIDs, jobID)
	s.delays = append(s.delays, delay)
	return nil
}

var frozen = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func frozenClock() domain.Clock { return domain.ClockFunc(func() time.Time { return frozen }) }

func imageOption() domain.Option {
	return domain.Option{ID: "opt-1", ToolType: domain.ToolTextToImage, ModelKey: "soul"}
}

func TestCreateJobInsertsAndEnqueues(t *testing.T) {
	t.Parallel()
	jobs := newStubJobs()
	sched := &stubSched{}
	svc := NewOrchestratorService(jobs, &stubOptions{opts: map[string]domain.Option{"opt-1": imageOption()}}, sched, frozenClock(),
		map[string]time.Duration{domain.ToolTextToImage: 3 * time.Minute})

	id, err := svc.CreateJob(context.Background(), "user-1", "opt-1", "key-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, jobs.inserted, 1)
	j := jobs.inserted[0]
	require.Equal(t, domain.JobPending, j.Status)
	require.Equal(t, frozen, *j.NextPollAt)
	require.Equal(t, frozen.Add(3*time.Minute), j.TimeoutAt)
	require.NotEmpty(t, j.TraceID)

	require.Equal(t, []string{id}, sched.jobIDs)
	require.Equal(t, []time.Duration{0}, sched.delays)
}

func TestCreateJobIdempotentReplay(t *testing.T) {
	t.Parallel()
	jobs := newStubJobs()
	sched := &stubSched{}
	svc := NewOrchestratorService(jobs, &stubOptions{opts: map[string]domain.Option{"opt-1": imageOption()}}, sched, frozenClock(), nil)

	first, err := svc.CreateJob(context.Background(), "user-1", "opt-1", "key-1")
	require.NoError(t, err)
	second, err := svc.CreateJob(context.Background(), "user-1", "opt-1", "key-1")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, jobs.inserted, 1)
	// Replay enqueues no second tick.
	require.Len(t, sched.jobIDs, 1)
}

func TestCreateJobDistinctKeysMakeDistinctJobs(t *testing.T) {
	t.Parallel()
	jobs := newStubJobs()
	svc := NewOrchestratorService(jobs, &stubOptions{opts: map[string]domain.Option{"opt-1": imageOption()}}, &stubSched{}, frozenClock(), nil)

	a, err := svc.CreateJob(context.Background(), "user-1", "opt-1", "key-a")
	require.NoError(t, err)
	b, err := svc.CreateJob(context.Background(), "user-1", "opt-1", "key-b")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	svc := NewOrchestratorService(newStubJobs(), &stubOptions{}, &stubSched{}, frozenClock(), nil)
	_, err := svc.CreateJob(context.Background(), "", "opt-1", "key")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = svc.CreateJob(context.Background(), "user-1", "opt-1", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCreateJobUnknownOption(t *testing.T) {
	t.Parallel()
	svc := NewOrchestratorService(newStubJobs(), &stubOptions{opts: map[string]domain.Option{}}, &stubSched{}, frozenClock(), nil)
	_, err := svc.CreateJob(context.Background(), "user-1", "missing", "key")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateJobSurvivesEnqueueFailure(t *testing.T) {
	t.Parallel()
	jobs := newStubJobs()
	sched := &stubSched{err: context.DeadlineExceeded}
	svc := NewOrchestratorService(jobs, &stubOptions{opts: map[string]domain.Option{"opt-1": imageOption()}}, sched, frozenClock(), nil)

	id, err := svc.CreateJob(context.Background(), "user-1", "opt-1", "key-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, jobs.inserted, 1)
}

func seedJob(jobs *stubJobs, j domain.GenerationJob) {
	jobs.byID[j.ID] = j
}

func TestGetJobRetryAfterClamped(t *testing.T) {
	t.Parallel()
	jobs := newStubJobs()
	svc := NewOrchestratorService(jobs, &stubOptions{}, &stubSched{}, frozenClock(), nil)

	for _, tc := range []struct {
		name  string
		delta time.Duration
		want  int
	}{
		{"past due", -5 * time.Second, 1},
		{"sub second", 300 * time.Millisecond, 1},
		{"mid range", 4 * time.Second, 4},
		{"fractional rounds up", 4500 * time.Millisecond, 5},
		{"capped", 90 * time.Second, 10},
	} {
		t.Run(tc.name, func(t *testing.T) {
			next := frozen.Add(tc.delta)
			seedJob(jobs, domain.GenerationJob{
				ID: "job-" + tc.name, UserID: "user-1", Status: domain.JobRunning, NextPollAt: &next,
			})
			view, err := svc.GetJob(context.Background(), "user-1", "job-"+tc.name)
			require.NoError(t, err)
			require.Equal(t, tc.want, view.RetryAfterSeconds)
		})
	}
}

func TestGetJobNilNextPollDefaultsToTen(t *testing.T) {
	t.Parallel()
	jobs := newStubJobs()
	seedJob(jobs, domain.GenerationJob{ID: "job-1", UserID: "user-1", Status: domain.JobPending})
	svc := NewOrchestratorService(jobs, &stubOptions{}, &stubSched{}, frozenClock(), nil)

	view, err := svc.GetJob(context.Background(), "user-1", "job-1")
	require.NoError(t, err)
	require.Equal(t, 10, view.RetryAfterSeconds)
}

func TestGetJobSucceededShapesResult(t *testing.T) {
	t.Parallel()
	jobs := newStubJobs()
	seedJob(jobs, domain.GenerationJob{
		ID: "job-img", UserID: "user-1", Status: domain.JobSucceeded,
		OutputURLs: &domain.OutputURLs{Type: "image", MinURL: "https://cdn/min.jpg", RawURL: "https://cdn/raw.jpg"},
	})
	seedJob(jobs, domain.GenerationJob{
		ID: "job-vid", UserID: "user-1", Status: domain.JobSucceeded,
		OutputURLs: &domain.OutputURLs{Type: "video", MinURL: "https://cdn/min.mp4", RawURL: "https://cdn/raw.mp4"},
	})
	svc := NewOrchestratorService(jobs, &stubOptions{}, &stubSched{}, frozenClock(), nil)

	img, err := svc.GetJob(context.Background(), "user-1", "job-img")
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", img.Result.Mime)
	require.Equal(t, "https://cdn/min.jpg", img.Result.MinURL)
	require.Nil(t, img.Error)

	vid, err := svc.GetJob(context.Background(), "user-1", "job-vid")
	require.NoError(t, err)
	require.Equal(t, "video/mp4", vid.Result.Mime)
}

func TestGetJobFailedShapesError(t *testing.T) {
	t.Parallel()
	jobs := newStubJobs()
	code, msg := domain.CodeProviderFailed, "provider reported failure"
	seedJob(jobs, domain.GenerationJob{
		ID: "job-1", UserID: "user-1", Status: domain.JobFailed,
		LastErrorCode: &code, LastErrorMessage: &msg,
	})
	seedJob(jobs, domain.GenerationJob{ID: "job-2", UserID: "user-1", Status: domain.JobTimeout})
	svc := NewOrchestratorService(jobs, &stubOptions{}, &stubSched{}, frozenClock(), nil)

	failed, err := svc.GetJob(context.Background(), "user-1", "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.CodeProviderFailed, failed.Error.Code)
	require.Nil(t, failed.Result)

	timedOut, err := svc.GetJob(context.Background(), "user-1", "job-2")
	require.NoError(t, err)
	require.Equal(t, "UNKNOWN", timedOut.Error.Code)
	require.Equal(t, "Job failed", timedOut.Error.Message)
}

func TestGetJobScopedToOwner(t *testing.T) {
	t.Parallel()
	jobs := newStubJobs()
	seedJob(jobs, domain.GenerationJob{ID: "job-1", UserID: "user-1", Status: domain.JobPending})
	svc := NewOrchestratorService(jobs, &stubOptions{}, &stubSched{}, frozenClock(), nil)

	_, err := svc.GetJob(context.Background(), "user-2", "job-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
