package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// EnsureAgent returns the first agent row's id, inserting the default agent
// when the table is empty.
func (s *Store) EnsureAgent(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT id FROM %s ORDER BY id ASC LIMIT 1`, s.tables.Agents),
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !isNoRows(err) {
		return 0, fmt.Errorf("select agent: %w", err)
	}

	err = s.pool.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s (name) VALUES ('Custom LLM agent') RETURNING id`, s.tables.Agents),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert agent: %w", err)
	}
	return id, nil
}

// EnsureDriver returns an existing driver's id or creates one. Match
// priority: phone number when provided, then name, then insert. Inserts
// always carry a non-empty name to satisfy the NOT NULL constraint.
func (s *Store) EnsureDriver(ctx context.Context, name, phone string) (int64, error) {
	name = strings.TrimSpace(name)
	phone = strings.TrimSpace(phone)

	if phone != "" {
		if id, ok, err := s.driverIDBy(ctx, "phone_number", phone); err != nil {
			return 0, err
		} else if ok {
			return id, nil
		}
	}
	if name != "" {
		if id, ok, err := s.driverIDBy(ctx, "name", name); err != nil {
			return 0, err
		} else if ok {
			return id, nil
		}
	}

	if name == "" {
		name = "Unknown"
	}
	var id int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s (name, phone_number) VALUES ($1, NULLIF($2, '')) RETURNING id`, s.tables.Drivers),
		name, phone,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert driver: %w", err)
	}
	return id, nil
}

func (s *Store) driverIDBy(ctx context.Context, col, val string) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT id FROM %s WHERE %s = $1 LIMIT 1`, s.tables.Drivers, col),
		val,
	).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("select driver by %s: %w", col, err)
	}
	return id, true, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
