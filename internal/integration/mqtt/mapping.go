// SPDX-License-Identifier: MIT

package mqtt

// Mapping between the thermostat's internal object fields and the derived
// climate vocabulary exposed on the ha/* topics. The schemas live here, in
// the bridge, on purpose: the core store stays schema-less.

const (
	modeOff      = "off"
	modeHeat     = "heat"
	modeCool     = "cool"
	modeHeatCool = "heat_cool"
)

// Safety bounds applied when the device does not report its own.
const (
	defaultSafetyMinC = 9.0
	defaultSafetyMaxC = 32.0
)

// modeFromInternal maps target_temperature_type to the derived mode.
func modeFromInternal(ttt string) string {
	switch ttt {
	case "heat":
		return modeHeat
	case "cool":
		return modeCool
	case "range":
		return modeHeatCool
	case "off":
		return modeOff
	default:
		return modeOff
	}
}

// internalFromMode maps a derived mode command to target_temperature_type.
func internalFromMode(mode string) (string, bool) {
	switch mode {
	case modeHeat, modeCool, modeOff:
		return mode, true
	case modeHeatCool:
		return "range", true
	default:
		return "", false
	}
}

// actionFrom derives the current HVAC action.
func actionFrom(shared map[string]any) string {
	if ttt, _ := shared["target_temperature_type"].(string); ttt == "off" {
		return "off"
	}
	if b, _ := shared["hvac_heater_state"].(bool); b {
		return "heating"
	}
	if b, _ := shared["hvac_ac_state"].(bool); b {
		return "cooling"
	}
	if b, _ := shared["hvac_fan_state"].(bool); b {
		return "fan"
	}
	return "idle"
}

// fanModeFrom reports "on" while a fan timer is running, "auto" otherwise.
func fanModeFrom(device map[string]any, nowSec int64) string {
	if on, _ := device["fan_control_state"].(bool); !on {
		return "auto"
	}
	timeout, ok := toNumber(device["fan_timer_timeout"])
	if !ok || int64(timeout) <= nowSec {
		return "auto"
	}
	return "on"
}

// ecoActive reports whether the device is in an eco mode.
func ecoActive(device map[string]any) bool {
	eco, ok := device["eco"].(map[string]any)
	if !ok {
		return false
	}
	mode, _ := eco["mode"].(string)
	return mode == "manual-eco" || mode == "auto-eco"
}

// awayActive reports whether the device considers itself away, manually or
// via auto-away.
func awayActive(device map[string]any) bool {
	if away, _ := device["away"].(bool); away {
		return true
	}
	if autoAway, ok := toNumber(device["auto_away"]); ok && autoAway >= 1 {
		return true
	}
	return false
}

// presetFrom derives the preset: eco wins, then away, then home.
func presetFrom(device map[string]any) string {
	if ecoActive(device) {
		return "eco"
	}
	if awayActive(device) {
		return "away"
	}
	return "home"
}

// derivedState builds the full ha/* topic value set from the device and
// shared objects. Temperatures pass through in Celsius.
func derivedState(device, shared map[string]any, nowSec int64) map[string]any {
	mode := modeFromInternal(stringOr(shared["target_temperature_type"], "off"))

	out := map[string]any{
		"mode":        mode,
		"action":      actionFrom(shared),
		"fan_mode":    fanModeFrom(device, nowSec),
		"preset":      presetFrom(device),
		"occupancy":   !awayActive(device),
		"fan_running": boolOr(shared["hvac_fan_state"], false),
		"eco":         ecoActive(device),
	}

	if v, ok := toNumber(shared["current_temperature"]); ok {
		out["current_temperature"] = v
	}
	if v, ok := toNumber(device["current_humidity"]); ok {
		out["current_humidity"] = v
	}
	if mode == modeHeatCool {
		if v, ok := toNumber(shared["target_temperature_low"]); ok {
			out["target_temperature_low"] = v
		}
		if v, ok := toNumber(shared["target_temperature_high"]); ok {
			out["target_temperature_high"] = v
		}
	} else {
		if v, ok := toNumber(shared["target_temperature"]); ok {
			out["target_temperature"] = v
		}
	}
	if v, ok := toNumber(device["outside_temperature"]); ok {
		out["outdoor_temperature"] = v
	}
	return out
}

// safetyRange returns the allowed setpoint range for the device.
func safetyRange(device map[string]any) (min, max float64) {
	min, max = defaultSafetyMinC, defaultSafetyMaxC
	if v, ok := toNumber(device["lower_safety_temp"]); ok {
		min = v
	}
	if v, ok := toNumber(device["upper_safety_temp"]); ok {
		max = v
	}
	return min, max
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func boolOr(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}
