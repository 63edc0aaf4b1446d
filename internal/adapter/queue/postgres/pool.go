// Package postgres implements the job queue store on top of PostgreSQL,
// using SELECT ... FOR UPDATE SKIP LOCKED for non-blocking concurrent job
// claiming.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool from the provided DSN.
//
// When pgBouncer is true the pool is configured for a transaction-pooling
// PgBouncer in front of it: pgx's prepared statement cache is disabled and
// the simple query protocol is forced, since PgBouncer in transaction mode
// cannot route a prepare on one connection to the same backend as its
// later execute. minConns/maxConns of 0 fall back to pgxpool's own
// defaults.
func NewPool(ctx context.Context, dsn string, pgBouncer bool, minConns, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	cfg.ConnConfig.Tracer = otelpgx.NewTracer(
		otelpgx.WithTrimSQLInSpanName(),
	)

	if pgBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
		cfg.ConnConfig.StatementCacheCapacity = 0
		cfg.ConnConfig.DescriptionCacheCapacity = 0
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := otelpgx.RecordStats(pool); err != nil {
		slog.Warn("failed to record pgx stats", slog.Any("error", err))
	}

	return pool, nil
}

// ConnectWithRetry builds the pool exactly as NewPool does, then pings it
// with an exponential backoff retry loop so a control-plane process started
// before Postgres is reachable (common during rollout) comes up once the
// database does, instead of exiting immediately. maxAttempts <= 0 retries
// forever.
func ConnectWithRetry(ctx context.Context, dsn string, pgBouncer bool, minConns, maxConns int32, maxAttempts int, baseDelay, maxDelay time.Duration) (*pgxpool.Pool, error) {
	pool, err := NewPool(ctx, dsn, pgBouncer, minConns, maxConns)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseDelay
	bo.MaxInterval = maxDelay
	bo.MaxElapsedTime = 0 // bounded by maxAttempts below, not wall-clock

	var retryable backoff.BackOff = bo
	if maxAttempts > 0 {
		retryable = backoff.WithMaxRetries(bo, uint64(maxAttempts-1))
	}

	attempt := 0
	pingErr := backoff.Retry(func() error {
		attempt++
		err := pool.Ping(ctx)
		if err != nil {
			slog.Warn("database ping failed, retrying", slog.Int("attempt", attempt), slog.Any("error", err))
		}
		return err
	}, backoff.WithContext(retryable, ctx))
	if pingErr != nil {
		pool.Close()
		return nil, fmt.Errorf("op=queue.connect_with_retry: %w", pingErr)
	}

	return pool, nil
}
