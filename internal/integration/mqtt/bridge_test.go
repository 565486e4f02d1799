// SPDX-License-Identifier: MIT

package mqtt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhearth/hearth/internal/availability"
	"github.com/openhearth/hearth/internal/devicestate"
	"github.com/openhearth/hearth/internal/ownership"
	"github.com/openhearth/hearth/internal/state"
	"github.com/openhearth/hearth/internal/subscribe"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type publishRecord struct {
	topic    string
	payload  string
	retained bool
}

// fakeClient records publishes and subscriptions in memory. Connect fires
// the configured OnConnect handler synchronously so the bridge's
// subscription setup runs during Initialize.
type fakeClient struct {
	mu        sync.Mutex
	opts      *paho.ClientOptions
	connected bool
	published []publishRecord
	handlers  map[string]paho.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]paho.MessageHandler)}
}

func (c *fakeClient) IsConnected() bool      { return c.connected }
func (c *fakeClient) IsConnectionOpen() bool { return c.connected }

func (c *fakeClient) Connect() paho.Token {
	c.connected = true
	if c.opts != nil && c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) { c.connected = false }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var body string
	switch v := payload.(type) {
	case []byte:
		body = string(v)
	case string:
		body = v
	}
	c.published = append(c.published, publishRecord{topic: topic, payload: body, retained: retained})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token { return &fakeToken{} }

func (c *fakeClient) AddRoute(topic string, callback paho.MessageHandler) {}

func (c *fakeClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

// inject delivers an inbound message through the command subscription.
func (c *fakeClient) inject(topic, payload string) {
	c.mu.Lock()
	var handler paho.MessageHandler
	for _, h := range c.handlers {
		handler = h
	}
	c.mu.Unlock()
	if handler != nil {
		handler(c, &fakeMessage{topic: topic, payload: []byte(payload)})
	}
}

func (c *fakeClient) find(topic string) (publishRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i], true
		}
	}
	return publishRecord{}, false
}

type bridgeFixture struct {
	bridge  *Bridge
	client  *fakeClient
	service *devicestate.Service
	store   *state.Store
	now     time.Time
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	store, err := state.NewStore(filepath.Join(t.TempDir(), "hearth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	own := ownership.NewStore(store.DB)
	ctx := context.Background()
	require.NoError(t, own.AddOwner(ctx, "u1", "C"))

	watchdog := availability.New(availability.DefaultTimeout, availability.DefaultCheckInterval)
	svc := devicestate.NewService(store, watchdog, subscribe.NewManager())

	fc := newFakeClient()
	now := time.Unix(1_700_000_000, 0)
	cfg, err := ParseConfig("u1", map[string]any{"brokerUrl": "tcp://broker:1883"}, "")
	require.NoError(t, err)

	bridge := NewBridge("u1", cfg, Deps{
		Service:   svc,
		Ownership: own,
		NewClient: func(opts *paho.ClientOptions) paho.Client {
			fc.opts = opts
			return fc
		},
		Now: func() time.Time { return now },
	})
	require.NoError(t, bridge.Initialize(ctx))
	t.Cleanup(func() { _ = bridge.Shutdown(context.Background()) })

	// Mirror the production wiring: committed changes reach the bridge.
	svc.RegisterSink(devicestate.SinkFunc(bridge.OnDeviceStateChange))

	return &bridgeFixture{bridge: bridge, client: fc, service: svc, store: store, now: now}
}

func TestInitializePublishesPresence(t *testing.T) {
	f := newBridgeFixture(t)

	rec, ok := f.client.find("nest/status")
	require.True(t, ok)
	assert.Equal(t, "online", rec.payload)
	assert.True(t, rec.retained)

	rec, ok = f.client.find("nest/C/availability")
	require.True(t, ok)
	assert.Equal(t, "online", rec.payload)

	rec, ok = f.client.find("homeassistant/climate/hearth_C/config")
	require.True(t, ok)
	assert.True(t, rec.retained)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.payload), &doc))
	assert.Equal(t, "nest/C/ha/mode/set", doc["mode_command_topic"])
	assert.Equal(t, "nest/C/availability", doc["availability_topic"])
}

func TestModeCommandRoundTrip(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	f.client.inject("nest/C/ha/mode/set", "heat")

	obj, err := f.service.Get(ctx, "C", "shared.C")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, "heat", obj.Value["target_temperature_type"])

	// The write fans back out through the sink as a derived state publish.
	rec, ok := f.client.find("nest/C/ha/mode")
	require.True(t, ok)
	assert.Equal(t, "heat", rec.payload)
}

func TestModeChangeRepublishesDiscovery(t *testing.T) {
	f := newBridgeFixture(t)

	f.client.inject("nest/C/ha/mode/set", "heat")
	before, _ := f.client.find("homeassistant/climate/hearth_C/config")

	f.client.inject("nest/C/ha/mode/set", "heat_cool")
	after, ok := f.client.find("homeassistant/climate/hearth_C/config")
	require.True(t, ok)
	assert.NotEqual(t, before.payload, after.payload)
	assert.Contains(t, after.payload, "temperature_low_command_topic")
}

func TestCommandIgnoredForUnknownSerial(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	f.client.inject("nest/ZZ/ha/mode/set", "heat")

	obj, err := f.service.Get(ctx, "ZZ", "shared.ZZ")
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestTemperatureCommandSafetyRange(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	f.client.inject("nest/C/ha/target_temperature/set", "50")
	obj, err := f.service.Get(ctx, "C", "shared.C")
	require.NoError(t, err)
	if obj != nil {
		assert.NotContains(t, obj.Value, "target_temperature")
	}

	f.client.inject("nest/C/ha/target_temperature/set", "21.5")
	obj, err = f.service.Get(ctx, "C", "shared.C")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, 21.5, obj.Value["target_temperature"])
}

func TestFanModeCommand(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	f.client.inject("nest/C/ha/fan_mode/set", "on")
	obj, err := f.service.Get(ctx, "C", "device.C")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, true, obj.Value["fan_control_state"])
	assert.Equal(t, float64(f.now.Unix()+3600), obj.Value["fan_timer_timeout"])

	f.client.inject("nest/C/ha/fan_mode/set", "auto")
	obj, err = f.service.Get(ctx, "C", "device.C")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, false, obj.Value["fan_control_state"])
	assert.Equal(t, float64(0), obj.Value["fan_timer_timeout"])
}

func TestPresetCommands(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	f.client.inject("nest/C/ha/preset/set", "away")
	obj, err := f.service.Get(ctx, "C", "device.C")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, true, obj.Value["away"])
	assert.Equal(t, float64(2), obj.Value["auto_away"])

	f.client.inject("nest/C/ha/preset/set", "eco")
	obj, err = f.service.Get(ctx, "C", "device.C")
	require.NoError(t, err)
	eco, ok := obj.Value["eco"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "manual-eco", eco["mode"])

	rec, ok := f.client.find("nest/C/ha/preset")
	require.True(t, ok)
	assert.Equal(t, "eco", rec.payload)

	f.client.inject("nest/C/ha/preset/set", "home")
	obj, err = f.service.Get(ctx, "C", "device.C")
	require.NoError(t, err)
	assert.Equal(t, false, obj.Value["away"])
}

func TestRawCommandSingleField(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	f.client.inject("nest/C/device/target_humidity/set", "45")
	obj, err := f.service.Get(ctx, "C", "device.C")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, float64(45), obj.Value["target_humidity"])

	// Non-JSON payloads pass through as strings.
	f.client.inject("nest/C/device/temperature_scale/set", "C")
	obj, err = f.service.Get(ctx, "C", "device.C")
	require.NoError(t, err)
	assert.Equal(t, "C", obj.Value["temperature_scale"])
}

func TestRawMirrorOnChange(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	_, err := f.service.Upsert(ctx, "C", "shared.C", 1, f.now.UnixMilli(), map[string]any{
		"current_temperature": 19.5,
	})
	require.NoError(t, err)

	rec, ok := f.client.find("nest/C/shared/current_temperature")
	require.True(t, ok)
	assert.Equal(t, "19.5", rec.payload)
	assert.True(t, rec.retained)

	rec, ok = f.client.find("nest/C/shared")
	require.True(t, ok)
	assert.True(t, strings.Contains(rec.payload, "current_temperature"))
}

func TestReconcileRemovesVanishedDevice(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	_, err := f.store.DB.ExecContext(ctx,
		"DELETE FROM deviceOwners WHERE user_id = ? AND serial = ?", "u1", "C")
	require.NoError(t, err)

	require.NoError(t, f.bridge.ReconcileDevices(ctx))
	assert.False(t, f.bridge.HasDevice("C"))

	rec, ok := f.client.find("homeassistant/climate/hearth_C/config")
	require.True(t, ok)
	assert.Empty(t, rec.payload, "tombstone should clear the discovery doc")

	rec, ok = f.client.find("nest/C/availability")
	require.True(t, ok)
	assert.Equal(t, "offline", rec.payload)
}

func TestCommandAfterShutdownWritesNothing(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bridge.Shutdown(ctx))

	// A message still in flight when the bridge stops must not reach the
	// store: its context is already cancelled.
	f.client.inject("nest/C/ha/mode/set", "heat")

	obj, err := f.service.Get(ctx, "C", "shared.C")
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestAvailabilityCallbacks(t *testing.T) {
	f := newBridgeFixture(t)

	f.bridge.OnDeviceDisconnected("C")
	rec, ok := f.client.find("nest/C/availability")
	require.True(t, ok)
	assert.Equal(t, "offline", rec.payload)

	f.bridge.OnDeviceConnected("C")
	rec, ok = f.client.find("nest/C/availability")
	require.True(t, ok)
	assert.Equal(t, "online", rec.payload)
}
