package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/fleetvoice/dispatchd/internal/reconcile"
)

const signatureHeader = "X-Retell-Signature"

// webhookEnvelope covers the vendor's lifecycle events. The transcript
// arrives either as a flat string or as a role/content array depending on
// the vendor's settings, so it is decoded lazily.
type webhookEnvelope struct {
	Event     string          `json:"event"`
	Challenge string          `json:"challenge,omitempty"`
	Call      webhookCallData `json:"call"`
}

type webhookCallData struct {
	CallID     string          `json:"call_id"`
	Transcript json.RawMessage `json:"transcript"`
	Metadata   struct {
		ProviderCallID string `json:"provider_call_id"`
		LoadNumber     string `json:"load_number"`
		DriverName     string `json:"driver_name"`
		DriverPhone    string `json:"driver_phone"`
	} `json:"metadata"`
	DynamicVars struct {
		DriverName  string `json:"driver_name"`
		DriverPhone string `json:"driver_phone"`
		LoadNumber  string `json:"load_number"`
	} `json:"retell_llm_dynamic_variables"`
}

// vendorWebhook ingests call lifecycle events. Always acks with 200 once the
// signature clears: the vendor retries on anything else, and a malformed
// body will not get better on redelivery.
func (s *Server) vendorWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !s.verifySignature(body, r.Header.Get(signatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.logger.Warn("webhook body not parseable, acking anyway", "error", err)
		writeBody(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	// Endpoint verification handshake.
	if env.Challenge != "" {
		writeBody(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	}

	// Driver identity and load number arrive in the dynamic variables or the
	// metadata depending on how the call was placed; either source works.
	call := env.Call
	loadNumber := call.Metadata.LoadNumber
	if loadNumber == "" {
		loadNumber = call.DynamicVars.LoadNumber
	}
	driverName := call.DynamicVars.DriverName
	if driverName == "" {
		driverName = call.Metadata.DriverName
	}
	driverPhone := call.DynamicVars.DriverPhone
	if driverPhone == "" {
		driverPhone = call.Metadata.DriverPhone
	}

	switch env.Event {
	case "call_started":
		matched, err := s.rec.Started(r.Context(), call.Metadata.ProviderCallID, call.CallID, loadNumber)
		if err != nil {
			s.logger.Error("call_started patch failed", "vendor_call_id", call.CallID, "error", err)
		} else if !matched {
			s.logger.Warn("call_started matched no row", "vendor_call_id", call.CallID)
		}

	case "call_ended", "call_analyzed":
		err := s.rec.Ended(r.Context(), reconcile.EndedRequest{
			ProviderCallID: call.Metadata.ProviderCallID,
			VendorCallID:   call.CallID,
			LoadNumber:     loadNumber,
			Transcript:     flattenTranscript(call.Transcript),
			DriverName:     driverName,
			DriverPhone:    driverPhone,
		})
		if err != nil {
			s.logger.Error("webhook finalize failed", "vendor_call_id", call.CallID, "error", err)
		}

	default:
		s.logger.Info("ignoring webhook event", "event", env.Event)
	}

	writeBody(w, http.StatusOK, map[string]string{"status": "ok"})
}

// verifySignature checks the HMAC-SHA256 hex digest of the raw body. An
// unset secret disables verification for local development.
func (s *Server) verifySignature(body []byte, provided string) bool {
	if s.webhookSecret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimSpace(provided)))
}

// flattenTranscript accepts both transcript shapes the vendor sends: a
// single string, or an array of {role, content} utterances which is joined
// into "Role: content" lines.
func flattenTranscript(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var flat string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat
	}

	var turns []Utterance
	if err := json.Unmarshal(raw, &turns); err != nil {
		return ""
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		role := t.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		lines = append(lines, role+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}
