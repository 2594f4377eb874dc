// Package reconcile owns the durable call record: it correlates events about
// "the same call" arriving from independent sources (live-turn persistence,
// vendor webhooks, bot analytics pings, operator finalize calls), in any
// order and with duplicates, onto one row.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fleetvoice/dispatchd/internal/policy"
	"github.com/fleetvoice/dispatchd/internal/summary"
)

// ErrNotFound is returned when no row matched any known correlation id and
// nothing could be created in its place.
var ErrNotFound = errors.New("reconcile: no call record matched")

// Bus subjects published on call lifecycle transitions.
const (
	SubjectFinalized = "dispatch.call.finalized"
	SubjectEmergency = "dispatch.call.emergency"
)

// correlationWindow bounds the "most recent initiated row" fallback.
const correlationWindow = 30 * time.Minute

// CallSeed is the initial row written when a call is initiated. The
// create-on-miss fallbacks reuse it for already-ended calls, so it carries
// the full terminal set: transcript, vendor id, outcome, and end time.
type CallSeed struct {
	ProviderCallID string
	VendorCallID   string
	LoadNumber     string
	Scenario       policy.Scenario
	Status         string
	AgentID        int64
	DriverID       int64
	Payload        summary.Payload
	Transcript     string
	CallOutcome    string
	CallEndTime    *time.Time
}

// CallPatch is a partial update; nil/zero fields are left untouched by the
// store. Extra replaces the whole blob — merge it before patching.
type CallPatch struct {
	VendorCallID string
	LoadNumber   string
	Status       string
	Scenario     policy.Scenario
	Transcript   string
	Payload      summary.Payload
	CallOutcome  string
	CallEndTime  *time.Time
	AgentID      int64
	DriverID     int64
	Extra        map[string]any
}

// Store is the durable side of reconciliation. Patch operations report
// whether any row matched; they do not error on a miss.
type Store interface {
	CreateCall(ctx context.Context, seed CallSeed) (created bool, err error)
	PatchByProvider(ctx context.Context, providerCallID string, patch CallPatch) (bool, error)
	PatchByVendor(ctx context.Context, vendorCallID string, patch CallPatch) (bool, error)
	RecentInitiated(ctx context.Context, prefix string, since time.Time) (providerCallID string, ok bool, err error)
	GetExtra(ctx context.Context, providerCallID string) (extra map[string]any, ok bool, err error)
	EnsureAgent(ctx context.Context) (int64, error)
	EnsureDriver(ctx context.Context, name, phone string) (int64, error)
}

// Publisher is the optional event bus; a nil Publisher disables publishing.
type Publisher interface {
	Publish(subject string, data any) error
}

// ResolutionOutcome tags how a finalize correlated to a row.
type ResolutionOutcome int

const (
	ResolutionFailed ResolutionOutcome = iota
	ResolutionMatched
	ResolutionCreatedNew
)

func (o ResolutionOutcome) String() string {
	switch o {
	case ResolutionMatched:
		return "matched"
	case ResolutionCreatedNew:
		return "created_new"
	}
	return "failed"
}

// Resolution is the tagged result of the finalize correlation chain.
type Resolution struct {
	Outcome        ResolutionOutcome
	ProviderCallID string
}

// Service implements the reconciliation protocol on top of a Store.
type Service struct {
	store  Store
	bus    Publisher
	logger *slog.Logger
	now    func() time.Time

	// Analytics merges are read-modify-write; merges for the same provider
	// call id are serialized through a keyed lock so concurrent deliveries
	// cannot drop each other's updates. Entries are refcounted and removed
	// once the last holder releases, so the map does not grow with call
	// volume.
	mu    sync.Mutex
	locks map[string]*callLock
}

type callLock struct {
	sync.Mutex
	refs int
}

func New(store Store, bus Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		bus:    bus,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*callLock),
	}
}

// SeedRequest creates the initial record for a call.
type SeedRequest struct {
	ProviderCallID string
	LoadNumber     string
	DriverName     string
	DriverPhone    string
	Scenario       policy.Scenario
}

// Seed creates the call row with status "initiated" unless one already
// exists for the correlation id, in which case it reports already=true.
// Agent and driver references are resolved lazily, creating rows as needed.
func (s *Service) Seed(ctx context.Context, req SeedRequest) (already bool, err error) {
	agentID, err := s.store.EnsureAgent(ctx)
	if err != nil {
		return false, err
	}
	driverID, err := s.store.EnsureDriver(ctx, req.DriverName, req.DriverPhone)
	if err != nil {
		return false, err
	}

	scenario := req.Scenario
	if scenario == "" {
		scenario = policy.ScenarioDispatch
	}

	created, err := s.store.CreateCall(ctx, CallSeed{
		ProviderCallID: req.ProviderCallID,
		LoadNumber:     req.LoadNumber,
		Scenario:       scenario,
		Status:         "initiated",
		AgentID:        agentID,
		DriverID:       driverID,
		Payload:        summary.Payload{},
	})
	if err != nil {
		return false, err
	}
	if !created {
		s.logger.Info("seed was a duplicate", "provider_call_id", req.ProviderCallID)
	}
	return !created, nil
}

// AttachVendorID records the vendor-assigned call id on an existing row.
func (s *Service) AttachVendorID(ctx context.Context, providerCallID, vendorCallID string) error {
	ok, err := s.store.PatchByProvider(ctx, providerCallID, CallPatch{VendorCallID: vendorCallID})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Started applies a vendor call_started patch, keyed by the internal id
// first and the vendor id second.
func (s *Service) Started(ctx context.Context, providerCallID, vendorCallID, loadNumber string) (bool, error) {
	patch := CallPatch{
		VendorCallID: vendorCallID,
		LoadNumber:   loadNumber,
		Status:       "started",
	}
	return s.patchByAnyID(ctx, providerCallID, vendorCallID, patch)
}

// EndedRequest carries the terminal webhook payload.
type EndedRequest struct {
	ProviderCallID string
	VendorCallID   string
	LoadNumber     string
	Transcript     string
	DriverName     string
	DriverPhone    string
}

// Ended finalizes a call from a vendor webhook: summarize, patch by either
// id, and create the row outright when nothing matched so the outcome is
// never dropped.
func (s *Service) Ended(ctx context.Context, req EndedRequest) error {
	payload := summary.Summarize(req.Transcript)
	scenario := policy.ScenarioDispatch
	if summary.IsEmergency(payload) {
		scenario = policy.ScenarioEmergency
	}

	agentID, err := s.store.EnsureAgent(ctx)
	if err != nil {
		s.logger.Warn("agent resolution failed, continuing", "error", err)
	}
	driverID, err := s.store.EnsureDriver(ctx, req.DriverName, req.DriverPhone)
	if err != nil {
		s.logger.Warn("driver resolution failed, continuing", "error", err)
	}

	endTime := s.now().UTC()
	patch := CallPatch{
		VendorCallID: req.VendorCallID,
		LoadNumber:   req.LoadNumber,
		Status:       "ended",
		Scenario:     scenario,
		Transcript:   req.Transcript,
		Payload:      payload,
		CallEndTime:  &endTime,
		AgentID:      agentID,
		DriverID:     driverID,
	}

	updated, err := s.patchByAnyID(ctx, req.ProviderCallID, req.VendorCallID, patch)
	if err != nil {
		return err
	}
	if !updated {
		if _, err := s.store.CreateCall(ctx, CallSeed{
			ProviderCallID: req.ProviderCallID,
			VendorCallID:   req.VendorCallID,
			LoadNumber:     req.LoadNumber,
			Scenario:       scenario,
			Status:         "ended",
			AgentID:        agentID,
			DriverID:       driverID,
			Payload:        payload,
			Transcript:     req.Transcript,
			CallEndTime:    &endTime,
		}); err != nil {
			return err
		}
		s.logger.Info("webhook created missing call row", "provider_call_id", req.ProviderCallID)
	}

	s.publishOutcome(req.ProviderCallID, payload)
	return nil
}

// FinalizeRequest is the operator/bot finalize payload.
type FinalizeRequest struct {
	ProviderCallID string
	Transcript     string
	Extra          map[string]any
}

// Finalize summarizes the transcript, merges extra, sets status=ended, and
// resolves the target row through a three-step chain: direct patch by
// provider id, most recent initiated row with the same source prefix inside
// the correlation window, then create-as-last-resort (only when an explicit
// id was supplied). The returned Resolution tags which step succeeded.
func (s *Service) Finalize(ctx context.Context, req FinalizeRequest) (Resolution, error) {
	pid := strings.TrimSpace(req.ProviderCallID)
	payload := summary.Summarize(req.Transcript)
	scenario := policy.ScenarioDispatch
	if summary.IsEmergency(payload) {
		scenario = policy.ScenarioEmergency
	}
	outcome, _ := payload["call_outcome"].(string)

	endTime := s.now().UTC()
	patch := CallPatch{
		Status:      "ended",
		Scenario:    scenario,
		Transcript:  req.Transcript,
		Payload:     payload,
		CallOutcome: outcome,
		CallEndTime: &endTime,
	}

	// Step 1: direct patch by the supplied id.
	if pid != "" {
		ok, err := s.patchWithExtra(ctx, pid, patch, req.Extra)
		if err != nil {
			return Resolution{}, err
		}
		if ok {
			s.publishOutcome(pid, payload)
			return Resolution{Outcome: ResolutionMatched, ProviderCallID: pid}, nil
		}
	}

	// Step 2: best-effort correlation against the most recent initiated row
	// from the same source.
	since := s.now().Add(-correlationWindow)
	recent, found, err := s.store.RecentInitiated(ctx, sourcePrefix(pid), since)
	if err != nil {
		s.logger.Warn("recent-initiated lookup failed", "error", err)
	} else if found {
		ok, err := s.patchWithExtra(ctx, recent, patch, req.Extra)
		if err != nil {
			return Resolution{}, err
		}
		if ok {
			s.logger.Info("finalize correlated via recent initiated row",
				"provider_call_id", recent, "requested_id", pid)
			s.publishOutcome(recent, payload)
			return Resolution{Outcome: ResolutionMatched, ProviderCallID: recent}, nil
		}
	}

	// Step 3: create a row so the outcome is not silently dropped. The seed
	// carries the full terminal set; only the extra blob needs a follow-up
	// merge.
	if pid != "" {
		if _, err := s.store.CreateCall(ctx, CallSeed{
			ProviderCallID: pid,
			Scenario:       scenario,
			Status:         "ended",
			Payload:        payload,
			Transcript:     req.Transcript,
			CallOutcome:    outcome,
			CallEndTime:    &endTime,
		}); err != nil {
			return Resolution{}, err
		}
		if req.Extra != nil {
			if _, err := s.patchWithExtra(ctx, pid, CallPatch{}, req.Extra); err != nil {
				s.logger.Warn("extra merge on created row failed", "error", err)
			}
		}
		s.publishOutcome(pid, payload)
		return Resolution{Outcome: ResolutionCreatedNew, ProviderCallID: pid}, nil
	}

	return Resolution{Outcome: ResolutionFailed}, ErrNotFound
}

// MergeEvent folds one analytics delivery into the row's extra blob.
// Reports false when the provider call id is unknown. A failed merge never
// blocks the live conversation — callers treat it as a degraded signal.
func (s *Service) MergeEvent(ctx context.Context, providerCallID, eventType string, data map[string]any) (bool, error) {
	unlock := s.lockCall(providerCallID)
	defer unlock()

	extra, ok, err := s.store.GetExtra(ctx, providerCallID)
	if err != nil || !ok {
		return false, err
	}
	merged := ApplyEvent(extra, eventType, data, s.now())
	return s.store.PatchByProvider(ctx, providerCallID, CallPatch{Extra: merged})
}

func (s *Service) patchWithExtra(ctx context.Context, providerCallID string, patch CallPatch, delta map[string]any) (bool, error) {
	if len(delta) == 0 {
		return s.store.PatchByProvider(ctx, providerCallID, patch)
	}

	unlock := s.lockCall(providerCallID)
	defer unlock()

	current, ok, err := s.store.GetExtra(ctx, providerCallID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	patch.Extra = MergeExtra(current, delta)
	return s.store.PatchByProvider(ctx, providerCallID, patch)
}

func (s *Service) patchByAnyID(ctx context.Context, providerCallID, vendorCallID string, patch CallPatch) (bool, error) {
	if providerCallID != "" {
		ok, err := s.store.PatchByProvider(ctx, providerCallID, patch)
		if err != nil {
			s.logger.Warn("patch by provider id failed", "provider_call_id", providerCallID, "error", err)
		} else if ok {
			return true, nil
		}
	}
	if vendorCallID != "" {
		ok, err := s.store.PatchByVendor(ctx, vendorCallID, patch)
		if err != nil {
			s.logger.Warn("patch by vendor id failed", "vendor_call_id", vendorCallID, "error", err)
			return false, err
		}
		return ok, nil
	}
	return false, nil
}

func (s *Service) lockCall(providerCallID string) func() {
	s.mu.Lock()
	l, ok := s.locks[providerCallID]
	if !ok {
		l = &callLock{}
		s.locks[providerCallID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, providerCallID)
		}
		s.mu.Unlock()
	}
}

func (s *Service) publishOutcome(providerCallID string, payload summary.Payload) {
	if s.bus == nil {
		return
	}
	msg := map[string]any{
		"provider_call_id": providerCallID,
		"call_outcome":     payload["call_outcome"],
		"at":               s.now().UTC().Format(time.RFC3339),
	}
	if err := s.bus.Publish(SubjectFinalized, msg); err != nil {
		s.logger.Warn("publish finalized failed", "error", err)
	}
	if summary.IsEmergency(payload) {
		if err := s.bus.Publish(SubjectEmergency, msg); err != nil {
			s.logger.Warn("publish emergency failed", "error", err)
		}
	}
}

// sourcePrefix extracts the vendor prefix from ids like "pipecat_ab12";
// empty ids fall back to matching any source.
func sourcePrefix(providerCallID string) string {
	if i := strings.IndexByte(providerCallID, '_'); i > 0 {
		return providerCallID[:i+1]
	}
	return ""
}
