package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/fleetvoice/dispatchd/internal/policy"
	"github.com/fleetvoice/dispatchd/internal/reconcile"
	"github.com/fleetvoice/dispatchd/internal/vendor"
)

// voiceStart places a call through the configured vendor. ?vendor= overrides
// the default so web and phone flows can coexist in one deployment.
func (s *Server) voiceStart(w http.ResponseWriter, r *http.Request) {
	var req vendor.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.DriverName) == "" || strings.TrimSpace(req.LoadNumber) == "" {
		writeError(w, http.StatusBadRequest, "driver_name and load_number are required")
		return
	}

	name := s.defaultVendor
	if v := r.URL.Query().Get("vendor"); v != "" {
		name = strings.ToLower(v)
	}
	v, ok := s.vendors[name]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown vendor: "+name)
		return
	}

	sess, err := v.Start(r.Context(), req)
	if err != nil {
		s.logger.Error("call start failed", "vendor", name, "error", err)
		writeError(w, http.StatusBadGateway, "call start failed")
		return
	}
	writeBody(w, http.StatusOK, sess)
}

type seedCallRequest struct {
	ProviderCallID string `json:"provider_call_id"`
	LoadNumber     string `json:"load_number"`
	DriverName     string `json:"driver_name"`
	DriverPhone    string `json:"driver_phone"`
	Scenario       string `json:"scenario"`
}

func (s *Server) seedCall(w http.ResponseWriter, r *http.Request) {
	var req seedCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.ProviderCallID) == "" {
		writeError(w, http.StatusBadRequest, "provider_call_id is required")
		return
	}

	scenario := policy.ScenarioDispatch
	if strings.EqualFold(req.Scenario, string(policy.ScenarioEmergency)) {
		scenario = policy.ScenarioEmergency
	}

	already, err := s.rec.Seed(r.Context(), reconcile.SeedRequest{
		ProviderCallID: req.ProviderCallID,
		LoadNumber:     req.LoadNumber,
		DriverName:     req.DriverName,
		DriverPhone:    req.DriverPhone,
		Scenario:       scenario,
	})
	if err != nil {
		s.logger.Error("seed failed", "provider_call_id", req.ProviderCallID, "error", err)
		writeError(w, http.StatusInternalServerError, "seed failed")
		return
	}
	writeBody(w, http.StatusOK, map[string]any{
		"provider_call_id": req.ProviderCallID,
		"already_existed":  already,
	})
}

type finalizeCallRequest struct {
	ProviderCallID string         `json:"provider_call_id"`
	Transcript     string         `json:"transcript"`
	Extra          map[string]any `json:"extra"`
}

func (s *Server) finalizeCall(w http.ResponseWriter, r *http.Request) {
	var req finalizeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	res, err := s.rec.Finalize(r.Context(), reconcile.FinalizeRequest{
		ProviderCallID: req.ProviderCallID,
		Transcript:     req.Transcript,
		Extra:          req.Extra,
	})
	if err != nil {
		if errors.Is(err, reconcile.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no call record matched")
			return
		}
		s.logger.Error("finalize failed", "provider_call_id", req.ProviderCallID, "error", err)
		writeError(w, http.StatusInternalServerError, "finalize failed")
		return
	}
	writeBody(w, http.StatusOK, map[string]string{
		"resolution":       res.Outcome.String(),
		"provider_call_id": res.ProviderCallID,
	})
}

type callEventRequest struct {
	ProviderCallID string         `json:"provider_call_id"`
	EventType      string         `json:"event_type"`
	Data           map[string]any `json:"data"`
}

// callEvent ingests one analytics delivery from a bot. Merges are best
// effort from the bot's point of view; an unknown id is the caller's bug.
func (s *Server) callEvent(w http.ResponseWriter, r *http.Request) {
	var req callEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.ProviderCallID == "" || req.EventType == "" {
		writeError(w, http.StatusBadRequest, "provider_call_id and event_type are required")
		return
	}

	ok, err := s.rec.MergeEvent(r.Context(), req.ProviderCallID, req.EventType, req.Data)
	if err != nil {
		s.logger.Error("event merge failed", "provider_call_id", req.ProviderCallID, "error", err)
		writeError(w, http.StatusInternalServerError, "event merge failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider_call_id")
		return
	}
	writeBody(w, http.StatusOK, map[string]string{"status": "merged"})
}
