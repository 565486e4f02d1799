// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/openhearth/hearth/internal/log"
)

// ParseString reads a string from the environment or returns the default.
func ParseString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// ParseBool reads a boolean; unparseable values keep the default.
func ParseBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		warnInvalid(key, value)
		return defaultValue
	}
	return parsed
}

// ParseInt reads an integer; unparseable values keep the default.
func ParseInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		warnInvalid(key, value)
		return defaultValue
	}
	return parsed
}

// ParseDuration reads a Go duration string; unparseable values keep the
// default.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		warnInvalid(key, value)
		return defaultValue
	}
	return parsed
}

func warnInvalid(key, value string) {
	logger := log.WithComponent("config")
	logger.Warn().
		Str("key", key).
		Str("value", value).
		Msg("invalid environment value, using default")
}
