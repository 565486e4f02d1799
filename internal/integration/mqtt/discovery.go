// SPDX-License-Identifier: MIT

package mqtt

import "fmt"

// Home Assistant discovery documents. Retained config messages under the
// discovery prefix let the hub auto-configure one climate entity plus
// auxiliary sensors per thermostat. An empty retained payload on the same
// topic is the tombstone that removes the entity again.

func (b *Bridge) discoveryTopics(serial string) []string {
	uid := "hearth_" + serial
	return []string{
		fmt.Sprintf("%s/climate/%s/config", b.cfg.DiscoveryPrefix, uid),
		fmt.Sprintf("%s/sensor/%s_temperature/config", b.cfg.DiscoveryPrefix, uid),
		fmt.Sprintf("%s/sensor/%s_humidity/config", b.cfg.DiscoveryPrefix, uid),
		fmt.Sprintf("%s/binary_sensor/%s_occupancy/config", b.cfg.DiscoveryPrefix, uid),
	}
}

// discoveryPayloads returns topic → config document for serial. The
// climate schema follows the device's current capability: in heat_cool
// mode the entity uses the low/high setpoint pair instead of the single
// target temperature.
func (b *Bridge) discoveryPayloads(serial, mode string) map[string]map[string]any {
	uid := "hearth_" + serial
	base := b.cfg.TopicPrefix + "/" + serial
	device := map[string]any{
		"identifiers":  []string{uid},
		"name":         "Thermostat " + serial,
		"manufacturer": "Nest",
		"model":        "Learning Thermostat",
	}

	climate := map[string]any{
		"name":                      "Thermostat " + serial,
		"unique_id":                 uid,
		"device":                    device,
		"availability_topic":        base + "/availability",
		"mode_state_topic":          base + "/ha/mode",
		"mode_command_topic":        base + "/ha/mode/set",
		"modes":                     []string{"off", "heat", "cool", "heat_cool"},
		"action_topic":              base + "/ha/action",
		"current_temperature_topic": base + "/ha/current_temperature",
		"current_humidity_topic":    base + "/ha/current_humidity",
		"fan_mode_state_topic":      base + "/ha/fan_mode",
		"fan_mode_command_topic":    base + "/ha/fan_mode/set",
		"fan_modes":                 []string{"auto", "on"},
		"preset_mode_state_topic":   base + "/ha/preset",
		"preset_mode_command_topic": base + "/ha/preset/set",
		"preset_modes":              []string{"home", "away", "eco"},
		"min_temp":                  defaultSafetyMinC,
		"max_temp":                  defaultSafetyMaxC,
		"temp_step":                 0.5,
		"temperature_unit":          "C",
	}
	if mode == modeHeatCool {
		climate["temperature_low_state_topic"] = base + "/ha/target_temperature_low"
		climate["temperature_low_command_topic"] = base + "/ha/target_temperature_low/set"
		climate["temperature_high_state_topic"] = base + "/ha/target_temperature_high"
		climate["temperature_high_command_topic"] = base + "/ha/target_temperature_high/set"
	} else {
		climate["temperature_state_topic"] = base + "/ha/target_temperature"
		climate["temperature_command_topic"] = base + "/ha/target_temperature/set"
	}

	temperature := map[string]any{
		"name":                "Temperature " + serial,
		"unique_id":           uid + "_temperature",
		"device":              device,
		"availability_topic":  base + "/availability",
		"state_topic":         base + "/ha/current_temperature",
		"device_class":        "temperature",
		"unit_of_measurement": "°C",
		"state_class":         "measurement",
	}
	humidity := map[string]any{
		"name":                "Humidity " + serial,
		"unique_id":           uid + "_humidity",
		"device":              device,
		"availability_topic":  base + "/availability",
		"state_topic":         base + "/ha/current_humidity",
		"device_class":        "humidity",
		"unit_of_measurement": "%",
		"state_class":         "measurement",
	}
	occupancy := map[string]any{
		"name":               "Occupancy " + serial,
		"unique_id":          uid + "_occupancy",
		"device":             device,
		"availability_topic": base + "/availability",
		"state_topic":        base + "/ha/occupancy",
		"device_class":       "occupancy",
		"payload_on":         "true",
		"payload_off":        "false",
	}

	topics := b.discoveryTopics(serial)
	return map[string]map[string]any{
		topics[0]: climate,
		topics[1]: temperature,
		topics[2]: humidity,
		topics[3]: occupancy,
	}
}
