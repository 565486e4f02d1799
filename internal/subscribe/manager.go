// SPDX-License-Identifier: MIT

// Package subscribe implements the long-poll subscription registry.
//
// A waiter is registered when a device opens a long poll and is closed
// exactly once: on delivery of a matching update, on cancellation, or when
// its deadline expires. Delivery is at most once per waiter.
package subscribe

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openhearth/hearth/internal/metrics"
	"github.com/openhearth/hearth/internal/state"
)

// DefaultTimeout is the long-poll deadline applied when a registration
// does not name its own.
const DefaultTimeout = 60 * time.Second

// Waiter is one registered long poll. Exactly one of the following happens
// to C: it yields a single object (delivery), or it is closed empty
// (cancellation / timeout).
type Waiter struct {
	ID        string
	Serial    string
	Endpoint  string
	StartedAt time.Time
	Timeout   time.Duration

	keys map[string]struct{} // nil means any key matches

	once sync.Once
	ch   chan *state.Object
}

// C is the delivery channel. It is closed after at most one send.
func (w *Waiter) C() <-chan *state.Object {
	return w.ch
}

func (w *Waiter) matches(key string) bool {
	if w.keys == nil {
		return true
	}
	_, ok := w.keys[key]
	return ok
}

// deliver sends obj if the waiter is still open. Reports whether this call
// closed the waiter. The gauge decrement lives inside the once so the
// close races in Notify and Cancel settle it exactly one time per waiter.
func (w *Waiter) deliver(obj *state.Object) bool {
	delivered := false
	w.once.Do(func() {
		w.ch <- obj
		close(w.ch)
		metrics.LongPollActive.Dec()
		delivered = true
	})
	return delivered
}

// close shuts the waiter without delivery. Reports whether this call
// closed it; idempotent.
func (w *Waiter) close() bool {
	closed := false
	w.once.Do(func() {
		close(w.ch)
		metrics.LongPollActive.Dec()
		closed = true
	})
	return closed
}

// Manager is the shared waiter registry. All mutations are atomic under a
// single mutex; delivery itself happens outside the lock via the waiter's
// buffered channel.
type Manager struct {
	mu      sync.Mutex
	waiters map[string]map[string]*Waiter // serial -> waiter ID -> waiter
}

func NewManager() *Manager {
	return &Manager{waiters: make(map[string]map[string]*Waiter)}
}

// Register creates a waiter for serial. keys narrows the match set; empty
// means any key. timeout <= 0 selects DefaultTimeout. The caller owns the
// waiter's lifetime and must Cancel it when the request ends.
func (m *Manager) Register(serial, endpoint string, keys []string, timeout time.Duration) *Waiter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	w := &Waiter{
		ID:        uuid.NewString(),
		Serial:    serial,
		Endpoint:  endpoint,
		StartedAt: time.Now(),
		Timeout:   timeout,
		ch:        make(chan *state.Object, 1),
	}
	if len(keys) > 0 {
		w.keys = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			w.keys[k] = struct{}{}
		}
	}

	m.mu.Lock()
	bySerial, ok := m.waiters[serial]
	if !ok {
		bySerial = make(map[string]*Waiter)
		m.waiters[serial] = bySerial
	}
	bySerial[w.ID] = w
	m.mu.Unlock()

	metrics.LongPollActive.Inc()
	return w
}

// Notify delivers obj to every open waiter on serial whose key set matches
// key. Each matched waiter receives the same payload once and is removed.
// Returns the number of waiters notified.
func (m *Manager) Notify(serial, key string, obj *state.Object) int {
	m.mu.Lock()
	var matched []*Waiter
	for _, w := range m.waiters[serial] {
		if w.matches(key) {
			matched = append(matched, w)
		}
	}
	for _, w := range matched {
		m.removeLocked(w)
	}
	m.mu.Unlock()

	notified := 0
	for _, w := range matched {
		if w.deliver(obj) {
			notified++
			metrics.LongPollDeliveriesTotal.WithLabelValues("delivered").Inc()
		}
	}
	return notified
}

// Cancel closes a waiter without delivery and removes it from the
// registry. Safe to call more than once and after delivery.
func (m *Manager) Cancel(w *Waiter) {
	if w == nil {
		return
	}
	m.mu.Lock()
	m.removeLocked(w)
	m.mu.Unlock()

	if w.close() {
		metrics.LongPollDeliveriesTotal.WithLabelValues("cancelled").Inc()
	}
}

// ActiveSerials lists every serial with at least one open waiter. The
// availability watchdog treats those devices as alive.
func (m *Manager) ActiveSerials() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.waiters))
	for serial, bySerial := range m.waiters {
		if len(bySerial) > 0 {
			out = append(out, serial)
		}
	}
	return out
}

// ActiveCount reports the number of open waiters (test and metrics hook).
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, bySerial := range m.waiters {
		n += len(bySerial)
	}
	return n
}

// removeLocked detaches w from the registry. Caller holds m.mu.
func (m *Manager) removeLocked(w *Waiter) bool {
	bySerial, ok := m.waiters[w.Serial]
	if !ok {
		return false
	}
	if _, ok := bySerial[w.ID]; !ok {
		return false
	}
	delete(bySerial, w.ID)
	if len(bySerial) == 0 {
		delete(m.waiters, w.Serial)
	}
	return true
}
