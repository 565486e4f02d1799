// SPDX-License-Identifier: MIT

// Package devicestate is the façade every mutating path routes through so
// the watchdog, the subscription registry and the outbound integrations
// observe writes consistently.
package devicestate

import (
	"context"
	"sync"

	"github.com/openhearth/hearth/internal/availability"
	"github.com/openhearth/hearth/internal/log"
	"github.com/openhearth/hearth/internal/state"
	"github.com/openhearth/hearth/internal/subscribe"
)

// Change describes one committed object mutation as seen by sinks.
type Change struct {
	Serial    string
	ObjectKey string
	Value     map[string]any
	Revision  int64
	Timestamp int64
}

// Sink receives committed changes. Sink errors are logged, never raised
// back into the write path.
type Sink interface {
	OnDeviceStateChange(ctx context.Context, change Change) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, change Change) error

func (f SinkFunc) OnDeviceStateChange(ctx context.Context, change Change) error {
	return f(ctx, change)
}

// Service wires the object store to its observers. Observer order per
// write is fixed: watchdog, then subscriptions, then sinks in
// registration order.
type Service struct {
	store    *state.Store
	watchdog *availability.Watchdog
	subs     *subscribe.Manager

	mu    sync.RWMutex
	sinks []Sink
}

func NewService(store *state.Store, watchdog *availability.Watchdog, subs *subscribe.Manager) *Service {
	return &Service{store: store, watchdog: watchdog, subs: subs}
}

// RegisterSink appends a change sink. Sinks run in registration order.
func (s *Service) RegisterSink(sink Sink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// Get passes through to the store.
func (s *Service) Get(ctx context.Context, serial, key string) (*state.Object, error) {
	return s.store.Get(ctx, serial, key)
}

// GetAllForDevice passes through to the store.
func (s *Service) GetAllForDevice(ctx context.Context, serial string) (map[string]*state.Object, error) {
	return s.store.GetAllForDevice(ctx, serial)
}

// Upsert commits the write, then fires the observers. A store failure
// returns before any observer runs; observer failures never surface.
func (s *Service) Upsert(ctx context.Context, serial, key string, rev, ts int64, value map[string]any) (*state.Object, error) {
	obj, err := s.store.Upsert(ctx, serial, key, rev, ts, value)
	if err != nil {
		return nil, err
	}

	s.watchdog.MarkSeen(serial)

	notified := s.subs.Notify(serial, key, obj)
	if notified > 0 {
		logger := log.WithComponent("devicestate")
		logger.Debug().
			Str("serial", serial).
			Str("object_key", key).
			Int("notified", notified).
			Msg("long-poll waiters woken")
	}

	change := Change{
		Serial:    serial,
		ObjectKey: key,
		Value:     obj.Value,
		Revision:  obj.Revision,
		Timestamp: obj.Timestamp,
	}
	s.mu.RLock()
	sinks := make([]Sink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.OnDeviceStateChange(ctx, change); err != nil {
			logger := log.WithComponent("devicestate")
			logger.Warn().
				Str("serial", serial).
				Str("object_key", key).
				Err(err).
				Msg("change sink failed")
		}
	}

	return obj, nil
}
