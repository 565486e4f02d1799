// SPDX-License-Identifier: MIT

package state

// Merge deep-merges incoming into current and returns the result.
//
// Mappings merge per key, recursively. Anything that is not a mapping
// (scalars, sequences, null) replaces wholesale; sequences are never
// concatenated, and an explicit null under a key clears that key. The
// inputs are not mutated.
func Merge(current, incoming any) any {
	if incoming == nil {
		return current
	}
	if current == nil {
		return incoming
	}

	curMap, curOK := current.(map[string]any)
	incMap, incOK := incoming.(map[string]any)
	if !curOK || !incOK {
		return incoming
	}

	out := make(map[string]any, len(curMap)+len(incMap))
	for k, v := range curMap {
		out[k] = v
	}
	for k, v := range incMap {
		if v == nil {
			// Explicit null clears the field; only key absence keeps
			// the old value.
			out[k] = nil
			continue
		}
		if existing, ok := out[k]; ok {
			out[k] = Merge(existing, v)
		} else {
			out[k] = v
		}
	}
	return out
}

// The fan timer is the one piece of device state the merge must not lose:
// thermostats routinely emit partial updates that omit the fan_timer_*
// fields, and a plain merge would then read as a cancelled timer.
var fanTimerFields = []string{
	"fan_timer_timeout",
	"fan_control_state",
	"fan_timer_duration",
	"fan_current_speed",
	"fan_mode",
}

// hasActiveFanTimer reports whether existing carries a fan timer that is
// still running at nowSec (epoch seconds).
func hasActiveFanTimer(existing map[string]any, nowSec int64) bool {
	timeout, ok := asNumber(existing["fan_timer_timeout"])
	if !ok || timeout == 0 {
		return false
	}
	return int64(timeout) > nowSec
}

// isExplicitFanOff reports whether incoming deliberately turns the fan off:
// fan_timer_timeout set to literal 0, or fan_control_state set to false.
func isExplicitFanOff(incoming map[string]any) bool {
	if v, ok := incoming["fan_timer_timeout"]; ok {
		if n, numeric := asNumber(v); numeric && n == 0 {
			return true
		}
	}
	if v, ok := incoming["fan_control_state"]; ok {
		if b, isBool := v.(bool); isBool && !b {
			return true
		}
	}
	return false
}

// preserveFanTimer copies the fan timer fields from existing over merged.
// Only fields present in existing are copied; everything else stands.
func preserveFanTimer(existing, merged map[string]any) {
	for _, field := range fanTimerFields {
		if v, ok := existing[field]; ok {
			merged[field] = v
		}
	}
}

// applyFanTimerGuard finalises a merge result: when existing has an active
// fan timer and incoming is not an explicit fan-off, the previous fan timer
// fields win over whatever the merge produced.
func applyFanTimerGuard(existing, merged, incoming map[string]any, nowSec int64) {
	if existing == nil || merged == nil {
		return
	}
	if !hasActiveFanTimer(existing, nowSec) {
		return
	}
	if isExplicitFanOff(incoming) {
		return
	}
	preserveFanTimer(existing, merged)
}

// asNumber normalises the numeric types a JSON tree may carry.
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
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
