// Package db provides shared Postgres database utilities: connection
// management with per-component pool caps and a migration runner.
package db

import (
	"context"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PoolConfig bounds one component's connection pool. The per-component sums
// must stay below the provider's connection ceiling.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	ConnTimeout time.Duration
}

// DefaultPool is the pool shape used by most components.
var DefaultPool = PoolConfig{
	MaxOpen:     8,
	MaxIdle:     2,
	MaxLifetime: 30 * time.Minute,
	ConnTimeout: 5 * time.Second,
}

// Open connects to Postgres at the given URL and applies the pool config.
func Open(ctx context.Context, databaseURL string, pool PoolConfig) (*sqlx.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("database URL is empty")
	}

	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pool.ConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return db, nil
}
