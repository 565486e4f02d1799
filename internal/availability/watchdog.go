// SPDX-License-Identifier: MIT

// Package availability tracks per-device liveness and emits online/offline
// transitions to a registered handler.
package availability

import (
	"context"
	"sync"
	"time"

	"github.com/openhearth/hearth/internal/log"
	"github.com/openhearth/hearth/internal/metrics"
)

// Defaults; both are config knobs.
const (
	DefaultTimeout       = 300 * time.Second
	DefaultCheckInterval = 30 * time.Second
)

// ChangeHandler receives (serial, online) transitions.
type ChangeHandler func(serial string, online bool)

type deviceHealth struct {
	lastSeen  time.Time
	available bool
}

// Watchdog marks devices seen on every protocol touch and sweeps the fleet
// periodically. Devices it has never seen report as unavailable.
type Watchdog struct {
	// Timeout is the silent interval after which a device goes offline.
	Timeout time.Duration
	// CheckInterval is the sweep cadence.
	CheckInterval time.Duration
	// Now is the clock, overridable in tests.
	Now func() time.Time
	// ActiveSerials, when set, names devices with an open long-poll
	// subscription; the sweep counts those as seen.
	ActiveSerials func() []string

	mu      sync.Mutex
	devices map[string]*deviceHealth
	handler ChangeHandler

	// emitMu serializes decide-then-notify, so the handler observes
	// transitions in the order the state actually changed. Handlers must
	// not call back into the watchdog.
	emitMu sync.Mutex
}

// New creates a watchdog with the given timeout and sweep interval;
// zero values select the defaults.
func New(timeout, checkInterval time.Duration) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	return &Watchdog{
		Timeout:       timeout,
		CheckInterval: checkInterval,
		Now:           time.Now,
		devices:       make(map[string]*deviceHealth),
	}
}

// SetChangeHandler registers the transition callback. Handler panics are
// recovered so a broken observer cannot stall the sweep.
func (w *Watchdog) SetChangeHandler(cb ChangeHandler) {
	w.mu.Lock()
	w.handler = cb
	w.mu.Unlock()
}

// MarkSeen records a device touch, creating the device as available on
// first contact and flipping it back online if it had timed out.
func (w *Watchdog) MarkSeen(serial string) {
	if serial == "" {
		return
	}
	w.emitMu.Lock()
	defer w.emitMu.Unlock()

	w.mu.Lock()
	d, known := w.devices[serial]
	if !known {
		d = &deviceHealth{}
		w.devices[serial] = d
	}
	wasAvailable := known && d.available
	d.lastSeen = w.Now()
	d.available = true
	w.mu.Unlock()

	if !known || !wasAvailable {
		w.emit(serial, true)
	}
}

// Available reports the current liveness judgment for serial.
func (w *Watchdog) Available(serial string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.devices[serial]
	return ok && d.available
}

// ForceUnavailable flips a device offline immediately (used when an owning
// session disconnects hard).
func (w *Watchdog) ForceUnavailable(serial string) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()

	w.mu.Lock()
	d, ok := w.devices[serial]
	if !ok || !d.available {
		w.mu.Unlock()
		return
	}
	d.available = false
	w.mu.Unlock()

	w.emit(serial, false)
}

// Run sweeps on a ticker until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.CheckInterval)
	defer ticker.Stop()

	logger := log.WithComponent("availability")
	logger.Info().
		Dur("timeout", w.Timeout).
		Dur("interval", w.CheckInterval).
		Msg("availability watchdog started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SweepOnce()
		}
	}
}

// SweepOnce performs exactly one sweep pass. Deterministic, used directly
// in tests.
func (w *Watchdog) SweepOnce() {
	// Devices holding a long poll are alive by definition.
	if w.ActiveSerials != nil {
		for _, serial := range w.ActiveSerials() {
			w.MarkSeen(serial)
		}
	}

	w.emitMu.Lock()
	defer w.emitMu.Unlock()

	now := w.Now()
	var offline []string
	w.mu.Lock()
	for serial, d := range w.devices {
		if d.available && now.Sub(d.lastSeen) > w.Timeout {
			d.available = false
			offline = append(offline, serial)
		}
	}
	w.mu.Unlock()

	for _, serial := range offline {
		w.emit(serial, false)
	}
}

func (w *Watchdog) emit(serial string, online bool) {
	stateLabel := "offline"
	if online {
		stateLabel = "online"
	}
	metrics.AvailabilityTransitionsTotal.WithLabelValues(stateLabel).Inc()

	w.mu.Lock()
	cb := w.handler
	w.mu.Unlock()
	if cb == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger := log.WithComponent("availability")
			logger.Error().
				Str("serial", serial).
				Interface("panic", r).
				Msg("availability handler panicked")
		}
	}()
	cb(serial, online)
}
