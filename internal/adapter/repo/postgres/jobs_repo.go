package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/driftwave/mediagen/internal/domain"
)

// PgxPool is the subset of pgxpool.Pool the repositories rely on.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// JobRepo persists and loads generation jobs from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, user_id, option_id, idempotency_key, status, provider_job_set_id,
	progress, attempts, last_error_code, last_error_message, last_polled_at,
	next_poll_at, timeout_at, started_at, finished_at, output_urls, trace_id,
	created_at, updated_at`

// InsertIfAbsent inserts a new job unless one already exists for the same
// (user_id, option_id, idempotency_key). The unique index makes this safe
// under concurrent creators: ON CONFLICT DO NOTHING followed by a re-read.
func (r *JobRepo) InsertIfAbsent(ctx domain.Context, j domain.GenerationJob) (string, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.InsertIfAbsent")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO generation_jobs
		(id, user_id, option_id, idempotency_key, status, attempts, next_poll_at, timeout_at, trace_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (user_id, option_id, idempotency_key) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, id, j.UserID, j.OptionID, j.IdempotencyKey,
		j.Status, j.Attempts, j.NextPollAt, j.TimeoutAt, j.TraceID, now, now)
	if err != nil {
		return "", false, fmt.Errorf("op=job.insert_if_absent: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return id, true, nil
	}
	// Lost the race (or an earlier call already created the row); return the
	// existing id.
	var existing string
	row := r.Pool.QueryRow(ctx,
		`SELECT id FROM generation_jobs WHERE user_id=$1 AND option_id=$2 AND idempotency_key=$3`,
		j.UserID, j.OptionID, j.IdempotencyKey)
	if err := row.Scan(&existing); err != nil {
		return "", false, fmt.Errorf("op=job.insert_if_absent: reread: %w", err)
	}
	return existing, false, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.GenerationJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id=$1`, id)
	return scanJob(row, "job.get")
}

// GetForUser loads a job by id scoped to its owner.
func (r *JobRepo) GetForUser(ctx domain.Context, id, userID string) (domain.GenerationJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetForUser")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id=$1 AND user_id=$2`, id, userID)
	return scanJob(row, "job.get_for_user")
}

// Apply writes a partial update to a job row. An update that changes status is
// guarded on the row still being active, so a terminal row can never be
// rewritten by a racing or redelivered tick. Returns whether a row changed.
func (r *JobRepo) Apply(ctx domain.Context, id string, u domain.JobUpdate) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Apply")
	defer span.End()

	sets := []string{"updated_at=now()"}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.ProviderJobSetID != nil {
		add("provider_job_set_id", *u.ProviderJobSetID)
	}
	if u.Progress != nil {
		add("progress", *u.Progress)
	}
	if u.Attempts != nil {
		add("attempts", *u.Attempts)
	}
	if u.LastErrorCode != nil {
		add("last_error_code", *u.LastErrorCode)
	}
	if u.LastErrorMessage != nil {
		add("last_error_message", *u.LastErrorMessage)
	}
	if u.LastPolledAt != nil {
		add("last_polled_at", *u.LastPolledAt)
	}
	if u.NextPollAt != nil {
		add("next_poll_at", *u.NextPollAt)
	}
	if u.StartedAt != nil {
		add("started_at", *u.StartedAt)
	}
	if u.FinishedAt != nil {
		add("finished_at", *u.FinishedAt)
	}
	if u.OutputURLs != nil {
		b, err := json.Marshal(u.OutputURLs)
		if err != nil {
			return false, fmt.Errorf("op=job.apply: marshal output_urls: %w", err)
		}
		add("output_urls", b)
	}
	if len(sets) == 1 {
		return false, fmt.Errorf("op=job.apply: %w: empty update", domain.ErrInvalidArgument)
	}

	q := "UPDATE generation_jobs SET "
	for i, s := range sets {
		if i > 0 {
			q += ", "
		}
		q += s
	}
	q += " WHERE id=$1"
	// Transitions only fire from active rows; once terminal, the row is
	// immutable for workers.
	q += " AND status IN ('PENDING','RUNNING')"
	// The start transition must win exactly once: a second tick racing the
	// same PENDING row would otherwise overwrite the committed job set id
	// and orphan the winner's upstream job.
	if u.ProviderJobSetID != nil {
		q += " AND provider_job_set_id IS NULL"
	}

	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("op=job.apply: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountActive counts jobs that still need polling.
func (r *JobRepo) CountActive(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountActive")
	defer span.End()
	var n int64
	row := r.Pool.QueryRow(ctx, `SELECT count(*) FROM generation_jobs WHERE status IN ('PENDING','RUNNING')`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_active: %w", err)
	}
	return n, nil
}

// ScanStalled returns active jobs whose next poll is overdue. The partial
// index on next_poll_at keeps this cheap.
func (r *JobRepo) ScanStalled(ctx domain.Context, before time.Time, limit int) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ScanStalled")
	defer span.End()
	rows, err := r.Pool.Query(ctx,
		`SELECT id FROM generation_jobs
		 WHERE status IN ('PENDING','RUNNING') AND next_poll_at IS NOT NULL AND next_poll_at < $1
		 ORDER BY next_poll_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.scan_stalled: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.scan_stalled: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.scan_stalled: %w", err)
	}
	return ids, nil
}

func scanJob(row pgx.Row, op string) (domain.GenerationJob, error) {
	var j domain.GenerationJob
	var outputRaw []byte
	var traceID *string
	err := row.Scan(&j.ID, &j.UserID, &j.OptionID, &j.IdempotencyKey, &j.Status,
		&j.ProviderJobSetID, &j.Progress, &j.Attempts, &j.LastErrorCode,
		&j.LastErrorMessage, &j.LastPolledAt, &j.NextPollAt, &j.TimeoutAt,
		&j.StartedAt, &j.FinishedAt, &outputRaw, &traceID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.GenerationJob{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.GenerationJob{}, fmt.Errorf("op=%s: %w", op, err)
	}
	if traceID != nil {
		j.TraceID = *traceID
	}
	if len(outputRaw) > 0 {
		var urls domain.OutputURLs
		if err := json.Unmarshal(outputRaw, &urls); err != nil {
			return domain.GenerationJob{}, fmt.Errorf("op=%s: unmarshal output_urls: %w", op, err)
		}
		j.OutputURLs = &urls
	}
	return j, nil
}
