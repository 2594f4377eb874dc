// Package store is the pgx-backed persistence layer for call records and
// their lazily created agent/driver references. Table names come from
// configuration resolved once at startup; nothing here discovers schema at
// query time.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetvoice/dispatchd/internal/config"
)

type Store struct {
	pool   *pgxpool.Pool
	tables config.Tables
}

func New(ctx context.Context, databaseURL string, tables config.Tables) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, tables: tables}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}
