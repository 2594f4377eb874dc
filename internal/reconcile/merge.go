package reconcile

import (
	"time"
)

// Caps for the unbounded parts of the extra blob. Both rings keep the
// newest entries once the cap is hit.
const (
	sentimentCap = 300
	eventLogCap  = 200
)

// Analytics event types understood by ApplyEvent. Anything else lands in the
// generic event log.
const (
	EventInterruption = "interruption"
	EventKeyword      = "keyword"
	EventSentiment    = "sentiment"
	EventTokens       = "tokens_estimated"
)

// MergeExtra merges delta into current without losing accumulated values:
// numbers add, nested maps merge per key (numbers adding), slices append
// with the sentiment/event caps applied, and anything else is
// last-writer-wins. Neither input is mutated.
func MergeExtra(current, delta map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(delta))
	for k, v := range current {
		out[k] = v
	}
	for k, dv := range delta {
		cv, ok := out[k]
		if !ok {
			out[k] = capped(k, cloneValue(dv))
			continue
		}
		out[k] = mergeValue(k, cv, dv)
	}
	return out
}

func mergeValue(key string, cv, dv any) any {
	if cn, ok := asNumber(cv); ok {
		if dn, ok := asNumber(dv); ok {
			return cn + dn
		}
	}
	if cm, ok := cv.(map[string]any); ok {
		if dm, ok := dv.(map[string]any); ok {
			merged := make(map[string]any, len(cm)+len(dm))
			for k, v := range cm {
				merged[k] = v
			}
			for k, v := range dm {
				if existing, ok := merged[k]; ok {
					merged[k] = mergeValue(k, existing, v)
				} else {
					merged[k] = cloneValue(v)
				}
			}
			return merged
		}
	}
	if cs, ok := cv.([]any); ok {
		if ds, ok := dv.([]any); ok {
			return capped(key, append(append([]any{}, cs...), ds...))
		}
	}
	return cloneValue(dv)
}

// ApplyEvent folds one analytics delivery into the extra blob. Counters
// increment, keyword tallies increment per key, sentiment samples append to
// a ring capped at sentimentCap, token estimates accumulate, and unknown
// event types append to a capped generic event log.
func ApplyEvent(extra map[string]any, eventType string, data map[string]any, at time.Time) map[string]any {
	delta := map[string]any{}
	switch eventType {
	case EventInterruption:
		delta["interruptions"] = countOrOne(data, "count")
	case EventKeyword:
		hits, ok := data["hits"].(map[string]any)
		if !ok {
			if word, _ := data["keyword"].(string); word != "" {
				hits = map[string]any{word: countOrOne(data, "count")}
			}
		}
		if hits != nil {
			delta["keyword_hits"] = hits
		}
	case EventSentiment:
		delta["sentiment_samples"] = []any{cloneValue(data)}
	case EventTokens:
		delta["tokens_estimated"] = countOrOne(data, "tokens")
	default:
		delta["events"] = []any{map[string]any{
			"type": eventType,
			"data": cloneValue(data),
			"at":   at.UTC().Format(time.RFC3339),
		}}
	}
	return MergeExtra(extra, delta)
}

func capped(key string, v any) any {
	s, ok := v.([]any)
	if !ok {
		return v
	}
	var limit int
	switch key {
	case "sentiment_samples":
		limit = sentimentCap
	case "events":
		limit = eventLogCap
	default:
		return s
	}
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func countOrOne(data map[string]any, key string) float64 {
	if n, ok := asNumber(data[key]); ok && n != 0 {
		return n
	}
	return 1
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	}
	return v
}
