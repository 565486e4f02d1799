// SPDX-License-Identifier: MIT

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/openhearth/hearth/internal/devicestate"
	"github.com/openhearth/hearth/internal/integration"
	"github.com/openhearth/hearth/internal/log"
	"github.com/openhearth/hearth/internal/metrics"
	"github.com/openhearth/hearth/internal/ownership"
	"github.com/openhearth/hearth/internal/state"
)

const (
	connectTimeout    = 10 * time.Second
	reconnectInterval = 5 * time.Second
	publishTimeout    = 5 * time.Second
	// ReconcileInterval is the device-set refresh cadence.
	ReconcileInterval = 10 * time.Second
)

// Deps are the collaborators a bridge needs. NewClient and Now are
// overridable in tests.
type Deps struct {
	Service   *devicestate.Service
	Ownership *ownership.Store

	DefaultBroker     string
	ReconcileInterval time.Duration
	NewClient         func(*paho.ClientOptions) paho.Client
	Now               func() time.Time
}

// Bridge is one user's MQTT integration instance.
type Bridge struct {
	userID string
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	client paho.Client

	mu       sync.Mutex
	devices  map[string]struct{}
	lastMode map[string]string

	loopCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFactory returns the integration.Factory for type "mqtt".
func NewFactory(deps Deps) integration.Factory {
	return func(userID string, config map[string]any) (integration.Instance, error) {
		cfg, err := ParseConfig(userID, config, deps.DefaultBroker)
		if err != nil {
			return nil, err
		}
		return NewBridge(userID, cfg, deps), nil
	}
}

// NewBridge builds a bridge without connecting; Initialize connects.
func NewBridge(userID string, cfg Config, deps Deps) *Bridge {
	if deps.NewClient == nil {
		deps.NewClient = paho.NewClient
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ReconcileInterval <= 0 {
		deps.ReconcileInterval = ReconcileInterval
	}
	return &Bridge{
		userID:   userID,
		cfg:      cfg,
		deps:     deps,
		logger:   log.WithComponent("mqtt").With().Str("user_id", userID).Logger(),
		devices:  make(map[string]struct{}),
		lastMode: make(map[string]string),
	}
}

// Initialize connects to the broker, subscribes the command topics, runs
// the initial device-set reconciliation and starts the periodic one.
func (b *Bridge) Initialize(ctx context.Context) error {
	// The loop context exists before the client: command handlers can
	// fire from the connect callback and must already have it.
	loopCtx, cancel := context.WithCancel(context.Background())
	b.loopCtx = loopCtx
	b.cancel = cancel
	b.done = make(chan struct{})

	opts := paho.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectRetryInterval(reconnectInterval).
		SetWill(b.cfg.TopicPrefix+"/status", "offline", 0, true).
		SetOnConnectHandler(func(c paho.Client) {
			b.onConnect()
		})
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	b.client = b.deps.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		cancel()
		close(b.done)
		return fmt.Errorf("mqtt: connect to %s timed out", b.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		cancel()
		close(b.done)
		return fmt.Errorf("mqtt: connect to %s: %w", b.cfg.BrokerURL, err)
	}

	if err := b.ReconcileDevices(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("initial device reconciliation failed")
	}

	go b.run(loopCtx)

	b.logger.Info().Str("broker", b.cfg.BrokerURL).Msg("mqtt bridge connected")
	return nil
}

// onConnect fires on every (re)connect: announce liveness and renew the
// command subscription.
func (b *Bridge) onConnect() {
	b.publish(b.cfg.TopicPrefix+"/status", "online", true)
	filter := b.cfg.TopicPrefix + "/+/+/+/set"
	if token := b.client.Subscribe(filter, 0, b.handleCommand); token.WaitTimeout(publishTimeout) {
		if err := token.Error(); err != nil {
			b.logger.Error().Str("filter", filter).Err(err).Msg("command subscribe failed")
		}
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.deps.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.ReconcileDevices(ctx); err != nil {
				b.logger.Warn().Err(err).Msg("device reconciliation failed")
			}
		}
	}
}

// Shutdown announces offline and disconnects.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
		select {
		case <-b.done:
		case <-ctx.Done():
		}
	}
	if b.client != nil {
		b.publish(b.cfg.TopicPrefix+"/status", "offline", true)
		b.client.Disconnect(250)
	}
	return nil
}

// ReconcileDevices diffs the user's owned+shared serials against the set
// the bridge already knows. New devices get discovery, full state and an
// online mark; vanished devices get discovery tombstones and offline.
func (b *Bridge) ReconcileDevices(ctx context.Context) error {
	set, err := b.deps.Ownership.DeviceSet(ctx, b.userID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	var added, removed []string
	for serial := range set {
		if _, ok := b.devices[serial]; !ok {
			added = append(added, serial)
		}
	}
	for serial := range b.devices {
		if _, ok := set[serial]; !ok {
			removed = append(removed, serial)
		}
	}
	for _, serial := range added {
		b.devices[serial] = struct{}{}
	}
	for _, serial := range removed {
		delete(b.devices, serial)
		delete(b.lastMode, serial)
	}
	b.mu.Unlock()

	for _, serial := range added {
		b.logger.Info().Str("serial", serial).Msg("device added to bridge")
		if b.cfg.HomeAssistantDiscovery {
			b.publishDiscovery(ctx, serial)
		}
		b.publishFullState(ctx, serial)
		b.publishAvailability(serial, true)
	}
	for _, serial := range removed {
		b.logger.Info().Str("serial", serial).Msg("device removed from bridge")
		for _, topic := range b.discoveryTopics(serial) {
			b.publish(topic, "", true)
		}
		b.publishAvailability(serial, false)
	}
	return nil
}

// HasDevice reports whether serial is in the bridge's reconciled set.
func (b *Bridge) HasDevice(serial string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.devices[serial]
	return ok
}

// OnDeviceStateChange mirrors one committed mutation to the broker.
func (b *Bridge) OnDeviceStateChange(ctx context.Context, change devicestate.Change) error {
	typ := state.KeyType(change.ObjectKey)

	if b.cfg.PublishRaw {
		b.publishRaw(change.Serial, typ, change.Value)
	}

	if typ == "device" || typ == "shared" {
		b.publishDerived(ctx, change.Serial)
	}
	return nil
}

// OnDeviceConnected publishes the online availability mark.
func (b *Bridge) OnDeviceConnected(serial string) {
	b.publishAvailability(serial, true)
}

// OnDeviceDisconnected publishes the offline availability mark.
func (b *Bridge) OnDeviceDisconnected(serial string) {
	b.publishAvailability(serial, false)
}

// publishRaw mirrors the full object and each top-level field, retained.
func (b *Bridge) publishRaw(serial, typ string, value map[string]any) {
	base := fmt.Sprintf("%s/%s/%s", b.cfg.TopicPrefix, serial, typ)
	b.publish(base, value, true)
	for field, v := range value {
		b.publish(base+"/"+field, v, true)
	}
	metrics.MQTTPublishesTotal.WithLabelValues("raw").Inc()
}

// publishDerived recomputes and publishes the ha/* topic set for serial,
// re-publishing discovery when the mode changed (the entity schema
// differs between single-setpoint and range modes).
func (b *Bridge) publishDerived(ctx context.Context, serial string) {
	device, shared := b.loadObjects(ctx, serial)
	nowSec := b.deps.Now().Unix()
	derived := derivedState(device, shared, nowSec)

	mode, _ := derived["mode"].(string)
	b.mu.Lock()
	modeChanged := b.lastMode[serial] != "" && b.lastMode[serial] != mode
	b.lastMode[serial] = mode
	b.mu.Unlock()

	if modeChanged && b.cfg.HomeAssistantDiscovery {
		b.publishDiscovery(ctx, serial)
	}

	base := fmt.Sprintf("%s/%s/ha", b.cfg.TopicPrefix, serial)
	for field, v := range derived {
		b.publish(base+"/"+field, v, true)
	}
	metrics.MQTTPublishesTotal.WithLabelValues("derived").Inc()
}

func (b *Bridge) publishDiscovery(ctx context.Context, serial string) {
	_, shared := b.loadObjects(ctx, serial)
	mode := modeFromInternal(stringOr(shared["target_temperature_type"], "off"))

	for topic, payload := range b.discoveryPayloads(serial, mode) {
		b.publish(topic, payload, true)
	}
	metrics.MQTTPublishesTotal.WithLabelValues("discovery").Inc()
}

func (b *Bridge) publishFullState(ctx context.Context, serial string) {
	objects, err := b.deps.Service.GetAllForDevice(ctx, serial)
	if err != nil {
		b.logger.Warn().Str("serial", serial).Err(err).Msg("full state load failed")
		return
	}
	if b.cfg.PublishRaw {
		for key, obj := range objects {
			b.publishRaw(serial, state.KeyType(key), obj.Value)
		}
	}
	b.publishDerived(ctx, serial)
}

func (b *Bridge) publishAvailability(serial string, online bool) {
	payload := "offline"
	if online {
		payload = "online"
	}
	b.publish(fmt.Sprintf("%s/%s/availability", b.cfg.TopicPrefix, serial), payload, true)
	metrics.MQTTPublishesTotal.WithLabelValues("availability").Inc()
}

// loadObjects fetches the device and shared objects for serial; absent
// objects read as empty maps.
func (b *Bridge) loadObjects(ctx context.Context, serial string) (device, shared map[string]any) {
	device, shared = map[string]any{}, map[string]any{}
	if obj, err := b.deps.Service.Get(ctx, serial, "device."+serial); err == nil && obj != nil {
		device = obj.Value
	}
	if obj, err := b.deps.Service.Get(ctx, serial, "shared."+serial); err == nil && obj != nil {
		shared = obj.Value
	}
	return device, shared
}

// publish sends one message at QoS 0. Strings go out verbatim, scalars
// formatted, everything else as JSON.
func (b *Bridge) publish(topic string, payload any, retain bool) {
	if b.client == nil {
		return
	}
	var body []byte
	switch v := payload.(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	case bool:
		body = []byte(strconv.FormatBool(v))
	case float64:
		body = []byte(strconv.FormatFloat(v, 'f', -1, 64))
	case int:
		body = []byte(strconv.Itoa(v))
	case int64:
		body = []byte(strconv.FormatInt(v, 10))
	default:
		var err error
		body, err = json.Marshal(v)
		if err != nil {
			b.logger.Warn().Str("topic", topic).Err(err).Msg("payload encode failed")
			return
		}
	}

	token := b.client.Publish(topic, 0, retain, body)
	if token.WaitTimeout(publishTimeout) {
		if err := token.Error(); err != nil {
			b.logger.Warn().Str("topic", topic).Err(err).Msg("publish failed")
		}
	}
}
