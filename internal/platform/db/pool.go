package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PasswordSource supplies the database password at connect time.
type PasswordSource interface {
	Resolve(ctx context.Context) (string, error)
}

type PoolOptions struct {
	MaxConns int32
	MinConns int32
	// Password, when set, is consulted for every new physical connection so
	// rotated credentials take effect without a restart. An empty result
	// keeps the password from the URL.
	Password PasswordSource
}

func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.Password != nil {
		cfg.BeforeConnect = passwordHook(opts.Password)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func passwordHook(src PasswordSource) func(context.Context, *pgx.ConnConfig) error {
	return func(ctx context.Context, cc *pgx.ConnConfig) error {
		pw, err := src.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("resolve database password: %w", err)
		}
		if pw != "" {
			cc.Password = pw
		}
		return nil
	}
}
