package store

import (
	"context"
	"fmt"
)

// EnsureSchema creates the call-record tables when they do not exist yet.
// Table names are substituted from the configured set.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				name TEXT NOT NULL DEFAULT 'Custom LLM agent',
				language TEXT NOT NULL DEFAULT 'English',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, s.tables.Agents),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				name TEXT NOT NULL,
				phone_number TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, s.tables.Drivers),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				provider_call_id TEXT UNIQUE NOT NULL,
				vendor_call_id TEXT,
				load_number TEXT,
				agent_id BIGINT,
				driver_id BIGINT,
				scenario TEXT NOT NULL DEFAULT 'Dispatch',
				status TEXT NOT NULL DEFAULT 'initiated',
				call_outcome TEXT,
				transcript TEXT,
				structured_payload JSONB NOT NULL DEFAULT '{}'::jsonb,
				extra JSONB NOT NULL DEFAULT '{}'::jsonb,
				call_start_time TIMESTAMPTZ,
				call_end_time TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, s.tables.CallLog),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_vendor ON %s (vendor_call_id)`,
			s.tables.CallLog, s.tables.CallLog),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status_created ON %s (status, created_at DESC)`,
			s.tables.CallLog, s.tables.CallLog),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
