// SPDX-License-Identifier: MIT

// Package integration manages per-user outbound integrations. Each enabled
// integration row becomes one running instance; start and stop for a user
// are serialised so no two instances for the same user overlap.
package integration

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/openhearth/hearth/internal/devicestate"
	"github.com/openhearth/hearth/internal/log"
	"github.com/openhearth/hearth/internal/ownership"
)

// Instance is one running integration scoped to a user.
type Instance interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	OnDeviceStateChange(ctx context.Context, change devicestate.Change) error
	OnDeviceConnected(serial string)
	OnDeviceDisconnected(serial string)
}

// Factory builds an instance from its config row.
type Factory func(userID string, config map[string]any) (Instance, error)

type running struct {
	instance   Instance
	configJSON string
}

// Manager owns the userID/type → instance map.
type Manager struct {
	store     *ownership.Store
	factories map[string]Factory

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
	instances map[string]*running // key: userID + "/" + type
}

func NewManager(store *ownership.Store) *Manager {
	return &Manager{
		store:     store,
		factories: make(map[string]Factory),
		userLocks: make(map[string]*sync.Mutex),
		instances: make(map[string]*running),
	}
}

// RegisterFactory wires a factory for an integration type ("mqtt").
func (m *Manager) RegisterFactory(typ string, f Factory) {
	m.mu.Lock()
	m.factories[typ] = f
	m.mu.Unlock()
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.userLocks[userID] = l
	}
	return l
}

// Reload diffs the integrations table against the running set: new or
// reconfigured rows restart, rows that vanished stop. A failed start is
// logged and the row disabled until reconfigured; other users are
// unaffected.
func (m *Manager) Reload(ctx context.Context) error {
	configs, err := m.store.ListEnabledIntegrations(ctx)
	if err != nil {
		return err
	}

	logger := log.WithComponent("integration")

	desired := make(map[string]ownership.IntegrationConfig, len(configs))
	for _, ic := range configs {
		m.mu.Lock()
		_, known := m.factories[ic.Type]
		m.mu.Unlock()
		if !known {
			logger.Warn().
				Str("user_id", ic.UserID).
				Str("type", ic.Type).
				Msg("no factory for integration type")
			continue
		}
		desired[ic.UserID+"/"+ic.Type] = ic
	}

	// Stop instances whose row vanished or changed.
	m.mu.Lock()
	var toStop []string
	for key, run := range m.instances {
		ic, want := desired[key]
		if want && configString(ic.Config) == run.configJSON {
			delete(desired, key) // unchanged, leave it running
			continue
		}
		toStop = append(toStop, key)
	}
	m.mu.Unlock()

	for _, key := range toStop {
		m.stop(ctx, key)
	}

	// Start what remains in desired (new or reconfigured rows).
	for key, ic := range desired {
		m.start(ctx, key, ic)
	}
	return nil
}

func (m *Manager) start(ctx context.Context, key string, ic ownership.IntegrationConfig) {
	lock := m.userLock(ic.UserID)
	lock.Lock()
	defer lock.Unlock()

	logger := log.WithComponent("integration")

	m.mu.Lock()
	factory := m.factories[ic.Type]
	m.mu.Unlock()

	instance, err := factory(ic.UserID, ic.Config)
	if err != nil {
		logger.Error().Str("user_id", ic.UserID).Str("type", ic.Type).Err(err).
			Msg("integration config rejected, disabling")
		_ = m.store.DisableIntegration(ctx, ic.UserID, ic.Type)
		return
	}
	if err := instance.Initialize(ctx); err != nil {
		logger.Error().Str("user_id", ic.UserID).Str("type", ic.Type).Err(err).
			Msg("integration startup failed, disabling")
		_ = m.store.DisableIntegration(ctx, ic.UserID, ic.Type)
		return
	}

	m.mu.Lock()
	m.instances[key] = &running{instance: instance, configJSON: configString(ic.Config)}
	m.mu.Unlock()

	logger.Info().Str("user_id", ic.UserID).Str("type", ic.Type).Msg("integration started")
}

func (m *Manager) stop(ctx context.Context, key string) {
	m.mu.Lock()
	run, ok := m.instances[key]
	if ok {
		delete(m.instances, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	userID := key
	if i := strings.IndexByte(key, '/'); i >= 0 {
		userID = key[:i]
	}
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := run.instance.Shutdown(ctx); err != nil {
		logger := log.WithComponent("integration")
		logger.Warn().Str("key", key).Err(err).
			Msg("integration shutdown failed")
	}
}

// Shutdown stops every running instance.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.instances))
	for key := range m.instances {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.stop(ctx, key)
	}
}

// Sink returns the devicestate sink fanning changes out to every instance
// whose user owns or is shared the changed serial.
func (m *Manager) Sink() devicestate.Sink {
	return devicestate.SinkFunc(func(ctx context.Context, change devicestate.Change) error {
		for key, run := range m.snapshot() {
			userID := key
			if i := strings.IndexByte(key, '/'); i >= 0 {
				userID = key[:i]
			}
			set, err := m.store.DeviceSet(ctx, userID)
			if err != nil {
				return err
			}
			if _, ok := set[change.Serial]; !ok {
				continue
			}
			if err := run.instance.OnDeviceStateChange(ctx, change); err != nil {
				logger := log.WithComponent("integration")
				logger.Warn().
					Str("key", key).
					Str("serial", change.Serial).
					Err(err).
					Msg("integration change delivery failed")
			}
		}
		return nil
	})
}

// OnAvailabilityChange fans watchdog transitions to matching instances.
func (m *Manager) OnAvailabilityChange(serial string, online bool) {
	ctx := context.Background()
	for key, run := range m.snapshot() {
		userID := key
		if i := strings.IndexByte(key, '/'); i >= 0 {
			userID = key[:i]
		}
		set, err := m.store.DeviceSet(ctx, userID)
		if err != nil {
			continue
		}
		if _, ok := set[serial]; !ok {
			continue
		}
		if online {
			run.instance.OnDeviceConnected(serial)
		} else {
			run.instance.OnDeviceDisconnected(serial)
		}
	}
}

func (m *Manager) snapshot() map[string]*running {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*running, len(m.instances))
	for k, v := range m.instances {
		out[k] = v
	}
	return out
}

func configString(config map[string]any) string {
	b, err := json.Marshal(config)
	if err != nil {
		return ""
	}
	return string(b)
}
