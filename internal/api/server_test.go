package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fleetvoice/dispatchd/internal/policy"
	"github.com/fleetvoice/dispatchd/internal/reconcile"
	"github.com/fleetvoice/dispatchd/internal/store"
	"github.com/fleetvoice/dispatchd/internal/vendor"
)

type fakeReconciler struct {
	seeds      []reconcile.SeedRequest
	started    []string
	ended      []reconcile.EndedRequest
	finalizes  []reconcile.FinalizeRequest
	events     []string
	resolution reconcile.Resolution
	finalErr   error
	knownCalls map[string]bool
}

func (f *fakeReconciler) Seed(_ context.Context, req reconcile.SeedRequest) (bool, error) {
	f.seeds = append(f.seeds, req)
	return false, nil
}

func (f *fakeReconciler) Started(_ context.Context, providerCallID, vendorCallID, _ string) (bool, error) {
	f.started = append(f.started, providerCallID+"/"+vendorCallID)
	return true, nil
}

func (f *fakeReconciler) Ended(_ context.Context, req reconcile.EndedRequest) error {
	f.ended = append(f.ended, req)
	return nil
}

func (f *fakeReconciler) Finalize(_ context.Context, req reconcile.FinalizeRequest) (reconcile.Resolution, error) {
	f.finalizes = append(f.finalizes, req)
	return f.resolution, f.finalErr
}

func (f *fakeReconciler) MergeEvent(_ context.Context, providerCallID, eventType string, _ map[string]any) (bool, error) {
	f.events = append(f.events, providerCallID+"/"+eventType)
	return f.knownCalls[providerCallID], nil
}

type fakeMetrics struct{ m store.Metrics }

func (f fakeMetrics) CallMetrics(context.Context) (store.Metrics, error) { return f.m, nil }

type fakeVendor struct {
	starts []vendor.StartRequest
}

func (f *fakeVendor) Start(_ context.Context, req vendor.StartRequest) (vendor.Session, error) {
	f.starts = append(f.starts, req)
	return vendor.Session{ConnectURL: "https://join.example/x", ProviderCallID: "fake_1"}, nil
}

func newTestServer(rec *fakeReconciler, secret string) (*Server, *fakeVendor) {
	fv := &fakeVendor{}
	s := NewServer(Options{
		Port:          0,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Reconciler:    rec,
		Metrics:       fakeMetrics{m: store.Metrics{TotalCalls: 7, Arrivals: 3}},
		Vendors:       map[string]vendor.Vendor{"fake": fv},
		DefaultVendor: "fake",
		WebhookSecret: secret,
	})
	return s, fv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(&fakeReconciler{}, "")
	rr := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(&fakeReconciler{}, "")
	rr := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var m store.Metrics
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.TotalCalls != 7 || m.Arrivals != 3 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestVoiceStart_UsesVendorOverride(t *testing.T) {
	rec := &fakeReconciler{}
	s, fv := newTestServer(rec, "")

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/voice/start?vendor=fake", vendor.StartRequest{
		DriverName: "Sam", LoadNumber: "L-77",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(fv.starts) != 1 || fv.starts[0].LoadNumber != "L-77" {
		t.Errorf("vendor not invoked as expected: %+v", fv.starts)
	}

	rr = doJSON(t, s.Handler(), http.MethodPost, "/api/v1/voice/start?vendor=nope", vendor.StartRequest{
		DriverName: "Sam", LoadNumber: "L-77",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown vendor should be 400, got %d", rr.Code)
	}
}

func TestVoiceStart_RequiresDriverAndLoad(t *testing.T) {
	s, _ := newTestServer(&fakeReconciler{}, "")
	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/voice/start", vendor.StartRequest{DriverName: "Sam"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	s, _ := newTestServer(&fakeReconciler{}, "topsecret")

	body := []byte(`{"event":"call_started","call":{"call_id":"c1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/vendor/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, "deadbeef")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWebhook_AcceptsSignedStarted(t *testing.T) {
	rec := &fakeReconciler{}
	s, _ := newTestServer(rec, "topsecret")

	body := []byte(`{"event":"call_started","call":{"call_id":"c1","metadata":{"provider_call_id":"retell_abc","load_number":"L-9"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/vendor/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, sign("topsecret", body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(rec.started) != 1 || rec.started[0] != "retell_abc/c1" {
		t.Errorf("started not recorded: %v", rec.started)
	}
}

func TestWebhook_NoSecretBypassesVerification(t *testing.T) {
	rec := &fakeReconciler{}
	s, _ := newTestServer(rec, "")

	body := []byte(`{"event":"call_started","call":{"call_id":"c2"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/vendor/webhook", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 without secret, got %d", rr.Code)
	}
}

func TestWebhook_AcksUnparseableBody(t *testing.T) {
	s, _ := newTestServer(&fakeReconciler{}, "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/vendor/webhook", strings.NewReader("not json at all"))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("malformed webhook must still be acked, got %d", rr.Code)
	}
}

func TestWebhook_EchoesChallenge(t *testing.T) {
	s, _ := newTestServer(&fakeReconciler{}, "")

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/vendor/webhook", map[string]string{"challenge": "xyzzy"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["challenge"] != "xyzzy" {
		t.Errorf("challenge not echoed: %v", resp)
	}
}

func TestWebhook_EndedFlattensTranscriptTurns(t *testing.T) {
	rec := &fakeReconciler{}
	s, _ := newTestServer(rec, "")

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/vendor/webhook", map[string]any{
		"event": "call_ended",
		"call": map[string]any{
			"call_id": "c3",
			"transcript": []map[string]string{
				{"role": "agent", "content": "How's the load?"},
				{"role": "user", "content": "Arrived at the receiver."},
			},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(rec.ended) != 1 {
		t.Fatalf("expected one ended call, got %d", len(rec.ended))
	}
	want := "Agent: How's the load?\nUser: Arrived at the receiver."
	if rec.ended[0].Transcript != want {
		t.Errorf("transcript %q, want %q", rec.ended[0].Transcript, want)
	}
}

func TestWebhook_EndedFallsBackToMetadataDriver(t *testing.T) {
	rec := &fakeReconciler{}
	s, _ := newTestServer(rec, "")

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/vendor/webhook", map[string]any{
		"event": "call_ended",
		"call": map[string]any{
			"call_id": "c4",
			"metadata": map[string]string{
				"provider_call_id": "retell_m",
				"driver_name":      "Sam",
				"driver_phone":     "+15550001111",
			},
			"transcript": "arrived and docked",
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(rec.ended) != 1 {
		t.Fatalf("expected one ended call, got %d", len(rec.ended))
	}
	if rec.ended[0].DriverName != "Sam" || rec.ended[0].DriverPhone != "+15550001111" {
		t.Errorf("driver identity must fall back to metadata, got %+v", rec.ended[0])
	}
}

func TestFinalize_NotFoundWhenNothingCorrelates(t *testing.T) {
	rec := &fakeReconciler{finalErr: reconcile.ErrNotFound}
	s, _ := newTestServer(rec, "")

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/calls/finalize", finalizeCallRequest{
		Transcript: "Driver: hello",
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestFinalize_ReportsResolution(t *testing.T) {
	rec := &fakeReconciler{resolution: reconcile.Resolution{
		Outcome: reconcile.ResolutionMatched, ProviderCallID: "pipecat_1",
	}}
	s, _ := newTestServer(rec, "")

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/calls/finalize", finalizeCallRequest{
		ProviderCallID: "pipecat_1",
		Transcript:     "User: arrived and unloading in door 4",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["resolution"] != "matched" || resp["provider_call_id"] != "pipecat_1" {
		t.Errorf("unexpected resolution %v", resp)
	}
}

func TestCallEvent_UnknownIDIs404(t *testing.T) {
	rec := &fakeReconciler{knownCalls: map[string]bool{"pipecat_known": true}}
	s, _ := newTestServer(rec, "")

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/calls/event", callEventRequest{
		ProviderCallID: "pipecat_unknown", EventType: "keyword_detected",
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = doJSON(t, s.Handler(), http.MethodPost, "/api/v1/calls/event", callEventRequest{
		ProviderCallID: "pipecat_known", EventType: "keyword_detected",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for known id, got %d", rr.Code)
	}
}

func TestSeedCall_RequiresProviderCallID(t *testing.T) {
	s, _ := newTestServer(&fakeReconciler{}, "")
	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/calls/seed", seedCallRequest{LoadNumber: "L-1"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestTurnReply_EmergencyPreemptsEverything(t *testing.T) {
	s, _ := newTestServer(&fakeReconciler{}, "")

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/llm/reply", turnReplyRequest{
		LatestUser: "I just had an accident on the shoulder",
		State:      policy.State{Opened: true},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp turnReplyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EndCall {
		t.Error("emergency must keep the call open for the human bridge")
	}
	if resp.State.Scenario != policy.ScenarioEmergency {
		t.Errorf("scenario %q, want Emergency", resp.State.Scenario)
	}
	if resp.State.EmergencyType != "Accident" {
		t.Errorf("emergency type %q, want Accident", resp.State.EmergencyType)
	}
}

func TestTurnReply_StateRoundTripsBetweenTurns(t *testing.T) {
	s, _ := newTestServer(&fakeReconciler{}, "")

	// Turn 1: greeting.
	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/llm/reply", turnReplyRequest{
		LatestUser: "Hello?",
		State:      policy.State{DriverName: "Sam", LoadNumber: "L-5"},
	})
	var first turnReplyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !first.State.Opened {
		t.Fatal("first turn should open the call")
	}
	if !strings.Contains(first.Text, "L-5") {
		t.Errorf("greeting should mention the load, got %q", first.Text)
	}

	// Turn 2: feed the returned state back in.
	rr = doJSON(t, s.Handler(), http.MethodPost, "/api/v1/llm/reply", turnReplyRequest{
		LatestUser: "I'm delayed, stuck in traffic on I-10 near Phoenix",
		State:      first.State,
	})
	var second turnReplyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.State.DriverStatus != "Delayed" {
		t.Errorf("status %q, want Delayed", second.State.DriverStatus)
	}
	if second.State.CurrentLocation == "" {
		t.Error("location slot should be filled from the utterance")
	}
	if second.EndCall {
		t.Error("mid-conversation turn must not end the call")
	}
}

func TestTurnReply_FallsBackToTranscript(t *testing.T) {
	s, _ := newTestServer(&fakeReconciler{}, "")

	rr := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/llm/reply", turnReplyRequest{
		Transcript: []Utterance{
			{Role: "agent", Content: "Any update?"},
			{Role: "user", Content: "Engine trouble, we broke down"},
		},
		State: policy.State{Opened: true},
	})
	var resp turnReplyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State.EmergencyType != "Breakdown" {
		t.Errorf("emergency type %q, want Breakdown", resp.State.EmergencyType)
	}
}
