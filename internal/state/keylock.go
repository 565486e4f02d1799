// SPDX-License-Identifier: MIT

package state

import "sync"

// keyLocks serialises writers per (serial, key). Entries are reference
// counted and purged as soon as the last writer releases them, so the map
// stays proportional to in-flight writes, not fleet size.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (kl *keyLocks) lock(key string) {
	kl.mu.Lock()
	l, ok := kl.locks[key]
	if !ok {
		l = &keyLock{}
		kl.locks[key] = l
	}
	l.refs++
	kl.mu.Unlock()

	l.mu.Lock()
}

func (kl *keyLocks) unlock(key string) {
	kl.mu.Lock()
	l := kl.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(kl.locks, key)
	}
	kl.mu.Unlock()

	l.mu.Unlock()
}
