// SPDX-License-Identifier: MIT

package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhearth/hearth/internal/devicestate"
	"github.com/openhearth/hearth/internal/ownership"
	"github.com/openhearth/hearth/internal/state"
)

type stubInstance struct {
	mu           sync.Mutex
	initialized  bool
	shutdown     bool
	initErr      error
	changes      []devicestate.Change
	connected    []string
	disconnected []string
}

func (s *stubInstance) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return s.initErr
	}
	s.initialized = true
	return nil
}

func (s *stubInstance) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	return nil
}

func (s *stubInstance) OnDeviceStateChange(ctx context.Context, change devicestate.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, change)
	return nil
}

func (s *stubInstance) OnDeviceConnected(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, serial)
}

func (s *stubInstance) OnDeviceDisconnected(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, serial)
}

func newManagerFixture(t *testing.T) (*Manager, *ownership.Store, map[string]*stubInstance) {
	t.Helper()

	store, err := state.NewStore(filepath.Join(t.TempDir(), "hearth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	own := ownership.NewStore(store.DB)
	mgr := NewManager(own)

	instances := make(map[string]*stubInstance)
	var mu sync.Mutex
	mgr.RegisterFactory("stub", func(userID string, config map[string]any) (Instance, error) {
		inst := &stubInstance{}
		if v, ok := config["initError"].(bool); ok && v {
			inst.initErr = errors.New("broker unreachable")
		}
		mu.Lock()
		instances[userID] = inst
		mu.Unlock()
		return inst, nil
	})
	return mgr, own, instances
}

func TestReloadStartsAndStops(t *testing.T) {
	mgr, own, instances := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, own.PutIntegration(ctx, ownership.IntegrationConfig{UserID: "u1", Type: "stub", Enabled: true, Config: map[string]any{"a": float64(1)}}))
	require.NoError(t, mgr.Reload(ctx))
	require.Contains(t, instances, "u1")
	assert.True(t, instances["u1"].initialized)

	// Unchanged config: reload must not restart the instance.
	first := instances["u1"]
	require.NoError(t, mgr.Reload(ctx))
	assert.Same(t, first, instances["u1"])
	assert.False(t, first.shutdown)

	// Changed config: old instance stops, a new one starts.
	require.NoError(t, own.PutIntegration(ctx, ownership.IntegrationConfig{UserID: "u1", Type: "stub", Enabled: true, Config: map[string]any{"a": float64(2)}}))
	require.NoError(t, mgr.Reload(ctx))
	assert.True(t, first.shutdown)
	assert.NotSame(t, first, instances["u1"])

	// Disabled row: instance stops.
	second := instances["u1"]
	require.NoError(t, own.DisableIntegration(ctx, "u1", "stub"))
	require.NoError(t, mgr.Reload(ctx))
	assert.True(t, second.shutdown)
}

func TestReloadDisablesFailingIntegration(t *testing.T) {
	mgr, own, instances := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, own.PutIntegration(ctx, ownership.IntegrationConfig{UserID: "u1", Type: "stub", Enabled: true, Config: map[string]any{"initError": true}}))
	require.NoError(t, own.PutIntegration(ctx, ownership.IntegrationConfig{UserID: "u2", Type: "stub", Enabled: true, Config: map[string]any{}}))
	require.NoError(t, mgr.Reload(ctx))

	assert.False(t, instances["u1"].initialized)
	assert.True(t, instances["u2"].initialized, "other users unaffected by u1's failure")

	// The failing row is disabled, so the next reload skips it.
	configs, err := own.ListEnabledIntegrations(ctx)
	require.NoError(t, err)
	for _, ic := range configs {
		assert.NotEqual(t, "u1", ic.UserID)
	}
}

func TestReloadSkipsUnknownType(t *testing.T) {
	mgr, own, instances := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, own.PutIntegration(ctx, ownership.IntegrationConfig{UserID: "u1", Type: "webhooks", Enabled: true, Config: map[string]any{}}))
	require.NoError(t, mgr.Reload(ctx))
	assert.Empty(t, instances)
}

func TestSinkFiltersByDeviceSet(t *testing.T) {
	mgr, own, instances := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, own.AddOwner(ctx, "u1", "A"))
	require.NoError(t, own.PutIntegration(ctx, ownership.IntegrationConfig{UserID: "u1", Type: "stub", Enabled: true, Config: map[string]any{}}))
	require.NoError(t, own.PutIntegration(ctx, ownership.IntegrationConfig{UserID: "u2", Type: "stub", Enabled: true, Config: map[string]any{}}))
	require.NoError(t, mgr.Reload(ctx))

	sink := mgr.Sink()
	require.NoError(t, sink.OnDeviceStateChange(ctx, devicestate.Change{
		Serial:    "A",
		ObjectKey: "shared.A",
		Value:     map[string]any{"current_temperature": 20.0},
	}))

	assert.Len(t, instances["u1"].changes, 1)
	assert.Empty(t, instances["u2"].changes, "u2 does not own serial A")
}

func TestOnAvailabilityChangeFansOut(t *testing.T) {
	mgr, own, instances := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, own.AddOwner(ctx, "u1", "A"))
	require.NoError(t, own.PutIntegration(ctx, ownership.IntegrationConfig{UserID: "u1", Type: "stub", Enabled: true, Config: map[string]any{}}))
	require.NoError(t, mgr.Reload(ctx))

	mgr.OnAvailabilityChange("A", false)
	mgr.OnAvailabilityChange("A", true)

	assert.Equal(t, []string{"A"}, instances["u1"].disconnected)
	assert.Equal(t, []string{"A"}, instances["u1"].connected)
}

func TestShutdownStopsAll(t *testing.T) {
	mgr, own, instances := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, own.PutIntegration(ctx, ownership.IntegrationConfig{UserID: "u1", Type: "stub", Enabled: true, Config: map[string]any{}}))
	require.NoError(t, own.PutIntegration(ctx, ownership.IntegrationConfig{UserID: "u2", Type: "stub", Enabled: true, Config: map[string]any{}}))
	require.NoError(t, mgr.Reload(ctx))

	mgr.Shutdown(ctx)
	assert.True(t, instances["u1"].shutdown)
	assert.True(t, instances["u2"].shutdown)
}
