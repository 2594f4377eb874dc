package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/fleetvoice/dispatchd/internal/policy"
)

// Utterance is one transcript entry in the vendor's turn protocol.
type Utterance struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// turnRequest is what the vendor sends per turn over the live socket.
type turnRequest struct {
	InteractionType string      `json:"interaction_type"`
	ResponseID      json.Number `json:"response_id"`
	Transcript      []Utterance `json:"transcript"`
}

// turnResponse must echo the response id of the request it answers.
type turnResponse struct {
	ResponseType    string      `json:"response_type"`
	ResponseID      json.Number `json:"response_id"`
	Content         string      `json:"content"`
	ContentComplete bool        `json:"content_complete"`
	EndCall         bool        `json:"end_call"`
}

type socketConfig struct {
	ResponseType string         `json:"response_type"`
	Config       map[string]any `json:"config"`
}

// latestUser returns the newest user utterance from the transcript.
func latestUser(transcript []Utterance) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == "user" {
			return strings.TrimSpace(transcript[i].Content)
		}
	}
	return ""
}

// liveTurns drives one call over the vendor's custom-LLM websocket
// protocol: a config frame, a begin response with id 0, then one response
// per incoming turn. The conversation state lives on this goroutine's stack
// for the lifetime of the socket — nothing else may touch it.
func (s *Server) liveTurns(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "call_id", callID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "turn loop exited")

	ctx := r.Context()
	state := policy.State{}

	if err := writeJSON(ctx, conn, socketConfig{
		ResponseType: "config",
		Config: map[string]any{
			"call_details":               true,
			"auto_reconnect":             false,
			"transcript_with_tool_calls": false,
		},
	}); err != nil {
		return
	}

	// The protocol requires the first frame to be a begin response.
	if err := writeJSON(ctx, conn, turnResponse{
		ResponseType:    "response",
		ResponseID:      "0",
		Content:         "Hi, this is Dispatch. Could you give me a quick status update for your load?",
		ContentComplete: true,
	}); err != nil {
		return
	}
	state.Opened = true

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Vendor closed the socket; the webhook will finalize the record.
			return
		}

		var req turnRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue // ignore non-JSON frames
		}
		switch strings.ToLower(req.InteractionType) {
		case "update_only", "call_details", "ping_pong":
			continue
		}

		var reply string
		var end bool
		reply, end, state = policy.Advance(latestUser(req.Transcript), state)

		if err := writeJSON(ctx, conn, turnResponse{
			ResponseType:    "response",
			ResponseID:      req.ResponseID,
			Content:         reply,
			ContentComplete: true,
			EndCall:         end,
		}); err != nil {
			return
		}

		if end {
			s.logger.Info("call ended by policy", "call_id", callID, "outcome", state.CallOutcome)
			conn.Close(websocket.StatusNormalClosure, "call ended")
			return
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// turnReplyRequest is the HTTP fallback for exercising the policy without a
// socket; the caller carries the state between turns.
type turnReplyRequest struct {
	LatestUser string       `json:"latest_user"`
	Transcript []Utterance  `json:"transcript"`
	State      policy.State `json:"state"`
}

type turnReplyResponse struct {
	Text    string       `json:"text"`
	EndCall bool         `json:"end_call"`
	State   policy.State `json:"state"`
}

func (s *Server) turnReply(w http.ResponseWriter, r *http.Request) {
	var req turnReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	latest := strings.TrimSpace(req.LatestUser)
	if latest == "" {
		latest = latestUser(req.Transcript)
	}

	text, end, state := policy.Advance(latest, req.State)
	writeBody(w, http.StatusOK, turnReplyResponse{Text: text, EndCall: end, State: state})
}
