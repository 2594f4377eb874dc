// Package policy implements the per-call dialogue controller for the
// dispatch check-in conversation. Advance consumes one driver utterance plus
// the current state and produces the agent's reply, the continue/end
// decision, and the updated state. It never fails: input is already-validated
// text and in-memory state, so the worst case is the default fallback reply.
package policy

import (
	"fmt"

	"github.com/fleetvoice/dispatchd/internal/extract"
)

// Scenario tags whether the call is a routine dispatch check-in or an
// escalated emergency.
type Scenario string

const (
	ScenarioDispatch  Scenario = "Dispatch"
	ScenarioEmergency Scenario = "Emergency"
)

// Call outcomes set by the confirmation wrap.
const (
	OutcomeArrival   = "Arrival Confirmation"
	OutcomeInTransit = "In-Transit Update"
)

const (
	maxNoisyTurns = 2
	maxShortTurns = 3
	maxETAAsks    = 2
	etaUnknown    = "Unknown"
)

// State is the ephemeral conversation state for one live call. It is owned
// exclusively by the connection driving that call; Advance takes and returns
// it by value so callers cannot share mutation paths.
//
// Slot strings use "" for unset. Each slot is written at most once per call:
// re-extraction never overwrites a filled slot.
type State struct {
	DriverName string `json:"driver_name,omitempty"`
	LoadNumber string `json:"load_number,omitempty"`

	Scenario      Scenario       `json:"scenario,omitempty"`
	EmergencyType string         `json:"emergency_type,omitempty"`
	DriverStatus  extract.Status `json:"driver_status,omitempty"`

	CurrentLocation string `json:"current_location,omitempty"`
	ETA             string `json:"eta,omitempty"`
	DelayReason     string `json:"delay_reason,omitempty"`
	UnloadingStatus string `json:"unloading_status,omitempty"`

	// PodAck records that the POD reminder was delivered. The same flag
	// doubles as "acknowledged" because the driver's answer to the reminder
	// is not inspected; see DESIGN.md.
	PodAck bool `json:"pod_ack,omitempty"`

	NoisyCount  int `json:"noisy_count,omitempty"`
	ShortCount  int `json:"short_count,omitempty"`
	ETAAskCount int `json:"eta_ask_count,omitempty"`

	Opened      bool   `json:"opened,omitempty"`
	CallOutcome string `json:"call_outcome,omitempty"`
}

// Terminal reports whether the call has reached its final state. Once set,
// no further slot mutation happens for this call.
func (s State) Terminal() bool {
	return s.CallOutcome != ""
}

// Advance runs one turn of the policy. Gates are checked in priority order;
// the first matching gate short-circuits the rest.
func Advance(utterance string, st State) (reply string, end bool, out State) {
	if st.Terminal() {
		return "", true, st
	}

	// Emergency gate. Preempts everything, including slot filling. The call
	// is kept open so the transport can bridge a human dispatcher.
	if emerg := extract.Emergency(utterance); emerg != "" {
		st.Scenario = ScenarioEmergency
		st.EmergencyType = emerg
		return "I'm sorry to hear that. Are you safe? Any injuries? Please share your exact location and whether the load is secure. I'm connecting you to a dispatcher now.",
			false, st
	}

	// Noise gate.
	if extract.Noisy(utterance) {
		st.NoisyCount++
		if st.NoisyCount >= maxNoisyTurns {
			return "Still too much noise. I'll escalate to a dispatcher now.", true, st
		}
		return "I'm getting a lot of noise. Could you repeat that clearly once more?", false, st
	}

	// Uncooperative gate.
	if extract.Uncooperative(utterance) {
		st.ShortCount++
		if st.ShortCount >= maxShortTurns {
			return "I'll let you go and follow up later. Drive safe.", true, st
		}
		return "Could you share your current location and ETA for this load?", false, st
	}

	// Opening: greet once before any slot extraction.
	if !st.Opened {
		st.Opened = true
		return fmt.Sprintf("Hi %s, this is Dispatch checking on load %s. Could you give me a quick status update?",
			orDefault(st.DriverName, "there"), orDefault(st.LoadNumber, "your load")), false, st
	}

	// Slot extraction for this utterance.
	status := extract.ClassifyStatus(utterance)
	if status != st.DriverStatus {
		st.DriverStatus = status
	}
	if st.CurrentLocation == "" {
		st.CurrentLocation = extract.Location(utterance)
	}
	if st.ETA == "" {
		st.ETA = extract.ETA(utterance)
	}

	switch status {
	case extract.StatusDriving, extract.StatusDelayed:
		if status == extract.StatusDelayed && st.DelayReason == "" {
			st.DelayReason = extract.DelayReason(utterance)
		}

		// Ask only for missing pieces, one at a time.
		if st.CurrentLocation == "" {
			return "Thanks. What's your current location? Highway and nearest city.", false, st
		}
		if st.ETA == "" {
			st.ETAAskCount++
			if st.ETAAskCount >= maxETAAsks {
				// Driver won't give an ETA; record Unknown and wrap.
				st.ETA = etaUnknown
				return confirmWrap(st)
			}
			return "Got it. What's your ETA to destination?", false, st
		}
		if status == extract.StatusDelayed && st.DelayReason == "" {
			return "Understood. What's causing the delay — traffic, weather, or something else?", false, st
		}
		return confirmWrap(st)

	case extract.StatusArrived, extract.StatusUnloading:
		if st.UnloadingStatus == "" {
			st.UnloadingStatus = extract.Unloading(utterance)
		}
		if st.UnloadingStatus == "" {
			return "Thanks for the arrival update. What's the unloading status — door number, waiting for lumper, or detention?", false, st
		}
		if !st.PodAck {
			st.PodAck = true
			return "Please remember to capture the POD after unload. Acknowledged?", false, st
		}
		return confirmWrap(st)
	}

	// Unreachable while ClassifyStatus stays total, kept as the documented
	// open-ended fallback.
	return "Thanks. Anything else I should record?", false, st
}

// confirmWrap composes the terminal summary utterance, sets the call
// outcome, and ends the call.
func confirmWrap(st State) (string, bool, State) {
	status := st.DriverStatus
	if status == "" {
		status = extract.StatusDriving
	}

	if status == extract.StatusArrived || status == extract.StatusUnloading {
		st.CallOutcome = OutcomeArrival
	} else {
		st.CallOutcome = OutcomeInTransit
	}

	msg := fmt.Sprintf(
		"Thanks. Logging your status: %s. Location: %s. ETA: %s. Delay reason: %s. Unloading: %s. I'll update dispatch now.",
		status,
		orDefault(st.CurrentLocation, "N/A"),
		orDefault(st.ETA, "N/A"),
		orDefault(st.DelayReason, "None"),
		orDefault(st.UnloadingStatus, "N/A"),
	)
	return msg, true, st
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
