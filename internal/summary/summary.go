// Package summary is the batch counterpart of the live policy: it applies
// the same keyword families to a whole call transcript at once and produces
// the structured payload that gets persisted on the call record.
//
// Summarize is a pure function of the transcript text. It is deterministic
// and never fails; a missing signal maps to a documented default, never to
// an error.
package summary

import (
	"strings"

	"github.com/fleetvoice/dispatchd/internal/extract"
	"github.com/fleetvoice/dispatchd/internal/policy"
)

// Payload is the structured result persisted as the call's
// structured_payload JSON column.
type Payload map[string]any

const OutcomeEmergency = "Emergency Escalation"

// Summarize classifies the whole transcript. An emergency keyword anywhere
// in the transcript routes to the escalation payload; otherwise the normal
// check-in fields are extracted with their fallback defaults.
func Summarize(transcript string) Payload {
	if emerg := extract.Emergency(transcript); emerg != "" {
		return emergencyPayload(transcript, emerg)
	}

	status := extract.ClassifyStatus(transcript)
	outcome := policy.OutcomeInTransit
	if status == extract.StatusArrived || status == extract.StatusUnloading {
		outcome = policy.OutcomeArrival
	}

	unloading := extract.Unloading(transcript)
	if unloading == "" {
		if status == extract.StatusArrived || status == extract.StatusUnloading {
			unloading = "Unknown"
		} else {
			unloading = "N/A"
		}
	}

	return Payload{
		"call_outcome":              outcome,
		"driver_status":             string(status),
		"current_location":          orDefault(extract.Location(transcript), "Unknown"),
		"eta":                       orDefault(extract.ETA(transcript), "Unknown"),
		"delay_reason":              orDefault(extract.DelayReason(transcript), "None"),
		"unloading_status":          unloading,
		"pod_reminder_acknowledged": podAcknowledged(transcript),
	}
}

func emergencyPayload(transcript, emergencyType string) Payload {
	t := strings.ToLower(transcript)

	safety := "Unknown"
	if strings.Contains(t, "safe") {
		safety = "Driver confirmed everyone is safe"
	}

	injury := "Unknown"
	switch {
	case strings.Contains(t, "no injur") || strings.Contains(t, "nobody hurt"):
		injury = "No injuries reported"
	case strings.Contains(t, "injur") || strings.Contains(t, "hurt"):
		injury = "Injuries reported"
	}

	return Payload{
		"call_outcome":       OutcomeEmergency,
		"emergency_type":     emergencyType,
		"safety_status":      safety,
		"injury_status":      injury,
		"emergency_location": orDefault(extract.Location(transcript), "Unknown"),
		"load_secure":        strings.Contains(t, "secure") || strings.Contains(t, "strapped"),
		"escalation_status":  "Connected to Human Dispatcher",
	}
}

// IsEmergency reports whether a summarized payload describes an escalation.
func IsEmergency(p Payload) bool {
	outcome, _ := p["call_outcome"].(string)
	return outcome == OutcomeEmergency
}

// podAcknowledged looks for the driver committing to deliver the POD.
func podAcknowledged(transcript string) bool {
	t := strings.ToLower(transcript)
	if !strings.Contains(t, "pod") {
		return false
	}
	for _, k := range []string{"email", "send", "text", "will", "share", "upload"} {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
