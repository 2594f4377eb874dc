package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fleetvoice/dispatchd/internal/reconcile"
)

// CreateCall inserts the seed row, reporting created=false when a row for
// the correlation id already exists.
func (s *Store) CreateCall(ctx context.Context, seed reconcile.CallSeed) (bool, error) {
	payload, err := json.Marshal(seed.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (provider_call_id, vendor_call_id, load_number, scenario, status, agent_id, driver_id,
			structured_payload, transcript, call_outcome, call_end_time, call_start_time)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, NULLIF($6, 0), NULLIF($7, 0),
			$8, NULLIF($9, ''), NULLIF($10, ''), $11, now())
		ON CONFLICT (provider_call_id) DO NOTHING`, s.tables.CallLog),
		seed.ProviderCallID, seed.VendorCallID, seed.LoadNumber, string(seed.Scenario), seed.Status,
		seed.AgentID, seed.DriverID, payload, seed.Transcript, seed.CallOutcome, seed.CallEndTime,
	)
	if err != nil {
		return false, fmt.Errorf("insert call: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PatchByProvider applies a partial update keyed by the internal
// correlation id. Reports false when no row matched.
func (s *Store) PatchByProvider(ctx context.Context, providerCallID string, patch reconcile.CallPatch) (bool, error) {
	return s.patch(ctx, "provider_call_id", providerCallID, patch)
}

// PatchByVendor applies a partial update keyed by the vendor-assigned id.
func (s *Store) PatchByVendor(ctx context.Context, vendorCallID string, patch reconcile.CallPatch) (bool, error) {
	return s.patch(ctx, "vendor_call_id", vendorCallID, patch)
}

func (s *Store) patch(ctx context.Context, keyCol, keyVal string, patch reconcile.CallPatch) (bool, error) {
	sets := []string{}
	args := []any{}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.VendorCallID != "" {
		add("vendor_call_id", patch.VendorCallID)
	}
	if patch.LoadNumber != "" {
		add("load_number", patch.LoadNumber)
	}
	if patch.Status != "" {
		add("status", patch.Status)
	}
	if patch.Scenario != "" {
		add("scenario", string(patch.Scenario))
	}
	if patch.Transcript != "" {
		add("transcript", patch.Transcript)
	}
	if patch.Payload != nil {
		payload, err := json.Marshal(patch.Payload)
		if err != nil {
			return false, fmt.Errorf("marshal payload: %w", err)
		}
		add("structured_payload", payload)
	}
	if patch.CallOutcome != "" {
		add("call_outcome", patch.CallOutcome)
	}
	if patch.CallEndTime != nil {
		add("call_end_time", *patch.CallEndTime)
	}
	if patch.AgentID != 0 {
		add("agent_id", patch.AgentID)
	}
	if patch.DriverID != 0 {
		add("driver_id", patch.DriverID)
	}
	if patch.Extra != nil {
		extra, err := json.Marshal(patch.Extra)
		if err != nil {
			return false, fmt.Errorf("marshal extra: %w", err)
		}
		add("extra", extra)
	}
	if len(sets) == 0 {
		return false, nil
	}

	args = append(args, keyVal)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		s.tables.CallLog, strings.Join(sets, ", "), keyCol, len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("patch call by %s: %w", keyCol, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecentInitiated finds the newest still-initiated row from the same source
// prefix inside the correlation window.
func (s *Store) RecentInitiated(ctx context.Context, prefix string, since time.Time) (string, bool, error) {
	var providerCallID string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT provider_call_id FROM %s
		WHERE status = 'initiated' AND provider_call_id LIKE $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1`, s.tables.CallLog),
		prefix+"%", since,
	).Scan(&providerCallID)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("recent initiated lookup: %w", err)
	}
	return providerCallID, true, nil
}

// GetExtra fetches the analytics blob for a call. Reports ok=false when the
// correlation id is unknown.
func (s *Store) GetExtra(ctx context.Context, providerCallID string) (map[string]any, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT extra FROM %s WHERE provider_call_id = $1`, s.tables.CallLog),
		providerCallID,
	).Scan(&raw)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get extra: %w", err)
	}
	extra := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &extra); err != nil {
			return nil, false, fmt.Errorf("decode extra: %w", err)
		}
	}
	return extra, true, nil
}

// Metrics is the aggregate view served by the operator API.
type Metrics struct {
	TotalCalls  int `json:"total_calls"`
	Arrivals    int `json:"arrivals"`
	Delays      int `json:"delays"`
	Emergencies int `json:"emergencies"`
}

// CallMetrics aggregates outcomes across all persisted calls.
func (s *Store) CallMetrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT
			count(*),
			count(*) FILTER (WHERE structured_payload->>'driver_status' = 'Arrived'),
			count(*) FILTER (WHERE structured_payload->>'driver_status' = 'Delayed'),
			count(*) FILTER (WHERE structured_payload->>'call_outcome' = 'Emergency Escalation')
		FROM %s`, s.tables.CallLog),
	).Scan(&m.TotalCalls, &m.Arrivals, &m.Delays, &m.Emergencies)
	if err != nil {
		return Metrics{}, fmt.Errorf("call metrics: %w", err)
	}
	return m, nil
}
