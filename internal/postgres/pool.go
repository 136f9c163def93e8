package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PoolOption customizes NewPool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	vector       bool
	maxConns     int32
	logThreshold time.Duration
}

// WithVector creates the pgvector extension on connect and registers its
// types on every connection.
func WithVector() PoolOption {
	return func(o *poolOptions) { o.vector = true }
}

// WithMaxConns caps the pool size.
func WithMaxConns(n int32) PoolOption {
	return func(o *poolOptions) { o.maxConns = n }
}

// WithLogThreshold skips log lines for successful queries faster than d.
// Failed queries are always logged.
func WithLogThreshold(d time.Duration) PoolOption {
	return func(o *poolOptions) { o.logThreshold = d }
}

// NewPool opens a traced connection pool and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	var o poolOptions
	for _, fn := range opts {
		fn(&o)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer(), o.logThreshold)
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}
	if o.vector {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
				return fmt.Errorf("create vector extension: %w", err)
			}
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
