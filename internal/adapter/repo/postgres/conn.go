// Package postgres implements the job and option repositories on PostgreSQL.
package postgres

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool from the provided DSN and returns it.
// The pool is configured with sane defaults for this application.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// WaitReady pings the pool until it answers or the backoff budget is spent.
// Used at process start so server and worker tolerate the database coming up
// after them.
func WaitReady(ctx context.Context, pool *pgxpool.Pool, maxElapsed time.Duration) error {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}, backoff.WithContext(expo, ctx))
}
