// SPDX-License-Identifier: MIT

// Package state implements the versioned device object store.
//
// Every piece of device state is a JSON-shaped document addressed by
// (serial, object key), where the key has the form "type.id"
// (device.SERIAL, shared.SERIAL, user.USERID, ...). Writes deep-merge
// into the stored value and advance a monotonic revision.
package state

import (
	"errors"
	"strings"
)

// ErrUnavailable marks transient backing-store failures. Callers may retry.
var ErrUnavailable = errors.New("state store unavailable")

// Object is one versioned sub-document of a device.
type Object struct {
	Serial    string         `json:"serial"`
	Key       string         `json:"object_key"`
	Revision  int64          `json:"object_revision"`
	Timestamp int64          `json:"object_timestamp"`
	Value     map[string]any `json:"value"`
	UpdatedAt int64          `json:"updatedAt"`
}

// KeyType returns the "type" half of an object key ("device" for
// "device.ABC123"), or the whole key if it carries no dot.
func KeyType(key string) string {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i]
	}
	return key
}

// KeyID returns the "id" half of an object key, or "" if it carries no dot.
func KeyID(key string) string {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[i+1:]
	}
	return ""
}
