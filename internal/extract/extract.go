// Package extract holds the utterance-level slot extractors and the turn
// classifier. Every function here is a pure function of one utterance of
// text: no conversation history, no side effects. Matching is literal
// keyword/pattern matching, first hit wins.
package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Status is the driver-status classification of one utterance.
type Status string

const (
	StatusDriving   Status = "Driving"
	StatusDelayed   Status = "Delayed"
	StatusArrived   Status = "Arrived"
	StatusUnloading Status = "Unloading"
)

// Emergency categories returned by Emergency.
const (
	EmergencyAccident  = "Accident"
	EmergencyBreakdown = "Breakdown"
	EmergencyMedical   = "Medical"
)

var (
	accidentWords  = []string{"accident", "crash", "collision"}
	breakdownWords = []string{"blowout", "breakdown", "flat", "engine"}
	medicalWords   = []string{"medical", "injur", "bleeding", "faint"}

	arrivedWords   = []string{"arrived", "checked in", "docked", "at dock", "in door"}
	unloadingWords = []string{"unloading", "lumper", "detention", "in door"}
	delayedWords   = []string{"delay", "late", "behind", "traffic", "weather", "stuck"}

	uncoopSet = map[string]struct{}{
		"yes": {}, "no": {}, "ok": {}, "k": {}, "fine": {}, "later": {},
	}
)

var (
	// Highway designators are checked before city tokens so "I-80 near Omaha"
	// yields the road, not the city.
	highwayRe = regexp.MustCompile(`(?i)\b(?:I-\d{1,3}|US-\d{1,3}|HWY\s*\d+|HIGHWAY\s*\d+)\b`)
	cityRe    = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s[A-Z][a-z]+)*(?:,\s*[A-Z]{2})?\b`)

	clockRe    = regexp.MustCompile(`(?i)\b(?:at\s*)?\d{1,2}:\d{2}\s*(?:am|pm)?\b`)
	durationRe = regexp.MustCompile(`(?i)\b(?:in\s*)?\d+\s*(?:min|mins|minutes|hr|hrs|hours)\b`)

	reasonRe = regexp.MustCompile(`(?i)\b(traffic|weather|accident|construction|breakdown|tire|blowout|police|road\s*closure|detour)\b`)

	unloadRe = regexp.MustCompile(`(?i)\b(?:door\s*\d+|in\s*door|waiting\s*for\s*lumper|lumper|detention|unloading|checked\s*in)\b`)
	inDoorRe = regexp.MustCompile(`(?i)^\s*in\s*door`)
)

func containsAny(t string, words []string) bool {
	for _, w := range words {
		if strings.Contains(t, w) {
			return true
		}
	}
	return false
}

// Emergency returns the emergency category triggered by the utterance, or ""
// if none. Families are checked Accident, Breakdown, Medical in that order.
func Emergency(text string) string {
	t := strings.ToLower(text)
	switch {
	case containsAny(t, accidentWords):
		return EmergencyAccident
	case containsAny(t, breakdownWords):
		return EmergencyBreakdown
	case containsAny(t, medicalWords):
		return EmergencyMedical
	}
	return ""
}

// Noisy reports whether the utterance looks like garbled or clipped audio.
func Noisy(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) < 3 || strings.Contains(text, "??")
}

// Uncooperative reports whether the utterance is a bare one-word brush-off.
func Uncooperative(text string) bool {
	_, ok := uncoopSet[strings.ToLower(strings.TrimSpace(text))]
	return ok
}

// ClassifyStatus is total: it always returns one of the four statuses,
// defaulting to Driving. "in door" appears in both the Arrived and Unloading
// families; Arrived is checked first and wins for that phrase.
func ClassifyStatus(text string) Status {
	t := strings.ToLower(text)
	switch {
	case containsAny(t, arrivedWords):
		return StatusArrived
	case containsAny(t, unloadingWords):
		return StatusUnloading
	case containsAny(t, delayedWords):
		return StatusDelayed
	}
	return StatusDriving
}

// Location pulls a highway designator or a Title-Case city token (optionally
// with a two-letter state) out of the utterance. Returns "" when nothing
// location-shaped is present.
func Location(text string) string {
	if m := highwayRe.FindString(text); m != "" {
		return m
	}
	return cityRe.FindString(text)
}

// ETA matches a clock time ("4:30 pm") or a relative duration ("45 mins").
func ETA(text string) string {
	if m := clockRe.FindString(text); m != "" {
		return m
	}
	return durationRe.FindString(text)
}

// DelayReason matches one of the known delay causes, title-cased
// ("road closure" becomes "Road Closure").
func DelayReason(text string) string {
	m := reasonRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return TitleCase(m[1])
}

// Unloading matches dock/unloading detail phrases. All "in door" variants
// normalize to the literal string "In Door".
func Unloading(text string) string {
	m := unloadRe.FindString(text)
	if m == "" {
		return ""
	}
	if inDoorRe.MatchString(m) {
		return "In Door"
	}
	return TitleCase(strings.TrimSpace(m))
}

// TitleCase upper-cases the first letter of each space-separated word.
func TitleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
