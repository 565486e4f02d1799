// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 60*time.Second, cfg.LongPollTimeout)
	assert.Equal(t, 300*time.Second, cfg.AvailabilityTimeout)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 30*time.Minute, cfg.WeatherTTL)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hearth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listenAddr: ":9090"
databasePath: `+filepath.Join(dir, "db.sqlite")+`
longPollTimeout: 30s
mqttDefaultBroker: tcp://broker:1883
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.LongPollTimeout)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTTDefaultBroker)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hearth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listenAddr: \":9090\"\n"), 0o600))

	t.Setenv("HEARTH_LISTEN_ADDR", ":7070")
	t.Setenv("HEARTH_SWEEP_INTERVAL", "15s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
}

func TestEnvInvalidValueKeepsDefault(t *testing.T) {
	t.Setenv("HEARTH_RATE_LIMIT_PER_MIN", "lots")
	t.Setenv("HEARTH_SWEEP_INTERVAL", "soonish")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 600, cfg.RateLimitPerMin)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := Default()

	cfg := base
	cfg.ListenAddr = ""
	assert.Error(t, Validate(cfg))

	cfg = base
	cfg.DatabasePath = "/does/not/exist/hearth.db"
	assert.Error(t, Validate(cfg))

	cfg = base
	cfg.SweepInterval = cfg.AvailabilityTimeout
	assert.Error(t, Validate(cfg))

	cfg = base
	cfg.RateLimitEnabled = true
	cfg.RateLimitPerMin = 0
	assert.Error(t, Validate(cfg))
}

func TestHolderReloadKeepsOldConfigOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hearth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listenAddr: \":9090\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	holder := NewHolder(cfg, path)
	assert.Equal(t, ":9090", holder.Get().ListenAddr)

	// Break the file; reload must fail and keep the old config.
	require.NoError(t, os.WriteFile(path, []byte("listenAddr: \"\"\n"), 0o600))
	assert.Error(t, holder.Reload(context.Background()))
	assert.Equal(t, ":9090", holder.Get().ListenAddr)

	// Fix it; reload succeeds and listeners hear about it.
	ch := make(chan Config, 1)
	holder.RegisterListener(ch)
	require.NoError(t, os.WriteFile(path, []byte("listenAddr: \":7070\"\n"), 0o600))
	require.NoError(t, holder.Reload(context.Background()))
	assert.Equal(t, ":7070", holder.Get().ListenAddr)

	select {
	case got := <-ch:
		assert.Equal(t, ":7070", got.ListenAddr)
	default:
		t.Fatal("listener not notified")
	}
}
