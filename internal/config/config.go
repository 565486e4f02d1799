// SPDX-License-Identifier: MIT

// Package config loads server configuration: defaults, then the optional
// YAML file, then HEARTH_* environment overrides. Validation is atomic; a
// config that fails validation is never applied.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr   string `yaml:"listenAddr"`
	TransportURL string `yaml:"transportUrl"`
	DatabasePath string `yaml:"databasePath"`
	LogLevel     string `yaml:"logLevel"`

	RateLimitEnabled bool `yaml:"rateLimitEnabled"`
	RateLimitPerMin  int  `yaml:"rateLimitPerMin"`

	LongPollTimeout     time.Duration `yaml:"longPollTimeout"`
	AvailabilityTimeout time.Duration `yaml:"availabilityTimeout"`
	SweepInterval       time.Duration `yaml:"sweepInterval"`

	MQTTDefaultBroker     string        `yaml:"mqttDefaultBroker"`
	MQTTReconcileInterval time.Duration `yaml:"mqttReconcileInterval"`

	IntegrationReloadInterval time.Duration `yaml:"integrationReloadInterval"`
	WeatherTTL                time.Duration `yaml:"weatherTtl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		TransportURL: "http://localhost:8080",
		DatabasePath: "hearth.db",
		LogLevel:     "info",

		RateLimitEnabled: false,
		RateLimitPerMin:  600,

		LongPollTimeout:     60 * time.Second,
		AvailabilityTimeout: 300 * time.Second,
		SweepInterval:       30 * time.Second,

		MQTTReconcileInterval: 10 * time.Second,

		IntegrationReloadInterval: 30 * time.Second,
		WeatherTTL:                30 * time.Minute,
	}
}

// Load builds the effective config: defaults, the YAML file at path (when
// non-empty), then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = ParseString("HEARTH_LISTEN_ADDR", cfg.ListenAddr)
	cfg.TransportURL = ParseString("HEARTH_TRANSPORT_URL", cfg.TransportURL)
	cfg.DatabasePath = ParseString("HEARTH_DB_PATH", cfg.DatabasePath)
	cfg.LogLevel = ParseString("HEARTH_LOG_LEVEL", cfg.LogLevel)

	cfg.RateLimitEnabled = ParseBool("HEARTH_RATE_LIMIT_ENABLED", cfg.RateLimitEnabled)
	cfg.RateLimitPerMin = ParseInt("HEARTH_RATE_LIMIT_PER_MIN", cfg.RateLimitPerMin)

	cfg.LongPollTimeout = ParseDuration("HEARTH_LONG_POLL_TIMEOUT", cfg.LongPollTimeout)
	cfg.AvailabilityTimeout = ParseDuration("HEARTH_AVAILABILITY_TIMEOUT", cfg.AvailabilityTimeout)
	cfg.SweepInterval = ParseDuration("HEARTH_SWEEP_INTERVAL", cfg.SweepInterval)

	cfg.MQTTDefaultBroker = ParseString("HEARTH_MQTT_BROKER", cfg.MQTTDefaultBroker)
	cfg.MQTTReconcileInterval = ParseDuration("HEARTH_MQTT_RECONCILE_INTERVAL", cfg.MQTTReconcileInterval)

	cfg.IntegrationReloadInterval = ParseDuration("HEARTH_INTEGRATION_RELOAD_INTERVAL", cfg.IntegrationReloadInterval)
	cfg.WeatherTTL = ParseDuration("HEARTH_WEATHER_TTL", cfg.WeatherTTL)
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("config: listenAddr must not be empty")
	}
	if cfg.DatabasePath == "" {
		return fmt.Errorf("config: databasePath must not be empty")
	}
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("config: database directory %s does not exist", dir)
		}
	}
	if cfg.LongPollTimeout <= 0 {
		return fmt.Errorf("config: longPollTimeout must be positive")
	}
	if cfg.AvailabilityTimeout <= 0 || cfg.SweepInterval <= 0 {
		return fmt.Errorf("config: availability timings must be positive")
	}
	if cfg.SweepInterval >= cfg.AvailabilityTimeout {
		return fmt.Errorf("config: sweepInterval must be below availabilityTimeout")
	}
	if cfg.RateLimitEnabled && cfg.RateLimitPerMin <= 0 {
		return fmt.Errorf("config: rateLimitPerMin must be positive when rate limiting is enabled")
	}
	return nil
}
