// SPDX-License-Identifier: MIT

// Package mqtt is the reference outbound integration: it mirrors device
// state to an MQTT broker, publishes Home Assistant discovery documents,
// and ingests commands back into the device state service.
package mqtt

import (
	"errors"
	"fmt"
)

// Config is the per-user bridge configuration, decoded from the
// integration row's JSON config.
type Config struct {
	BrokerURL              string
	Username               string
	Password               string
	ClientID               string
	TopicPrefix            string
	DiscoveryPrefix        string
	PublishRaw             bool
	HomeAssistantDiscovery bool
}

// ParseConfig decodes the integration config map, applying defaults.
// defaultBroker is the server-wide fallback when the row names none.
func ParseConfig(userID string, raw map[string]any, defaultBroker string) (Config, error) {
	cfg := Config{
		BrokerURL:              defaultBroker,
		ClientID:               "hearth-" + userID,
		TopicPrefix:            "nest",
		DiscoveryPrefix:        "homeassistant",
		PublishRaw:             true,
		HomeAssistantDiscovery: true,
	}

	if v, ok := raw["brokerUrl"].(string); ok && v != "" {
		cfg.BrokerURL = v
	}
	if v, ok := raw["username"].(string); ok {
		cfg.Username = v
	}
	if v, ok := raw["password"].(string); ok {
		cfg.Password = v
	}
	if v, ok := raw["clientId"].(string); ok && v != "" {
		cfg.ClientID = v
	}
	if v, ok := raw["topicPrefix"].(string); ok && v != "" {
		cfg.TopicPrefix = v
	}
	if v, ok := raw["discoveryPrefix"].(string); ok && v != "" {
		cfg.DiscoveryPrefix = v
	}
	if v, ok := raw["publishRaw"].(bool); ok {
		cfg.PublishRaw = v
	}
	if v, ok := raw["homeAssistantDiscovery"].(bool); ok {
		cfg.HomeAssistantDiscovery = v
	}

	if cfg.BrokerURL == "" {
		return Config{}, errors.New("mqtt: no broker url configured")
	}
	for _, prefix := range []string{cfg.TopicPrefix, cfg.DiscoveryPrefix} {
		if containsWildcard(prefix) {
			return Config{}, fmt.Errorf("mqtt: prefix %q must not contain wildcards", prefix)
		}
	}
	return cfg, nil
}

func containsWildcard(s string) bool {
	for _, r := range s {
		if r == '+' || r == '#' {
			return true
		}
	}
	return false
}
