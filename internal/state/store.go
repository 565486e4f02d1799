// SPDX-License-Identifier: MIT

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/openhearth/hearth/internal/log"
	"github.com/openhearth/hearth/internal/metrics"
	"github.com/openhearth/hearth/internal/persistence/sqlite"
)

const schemaVersion = 1

// Store persists device objects in SQLite, one logical row per
// (serial, object key). Upserts for the same row are serialised through a
// per-key lock so no two merges interleave.
type Store struct {
	DB *sql.DB

	// Now is the clock used for updatedAt stamps and the fan timer guard.
	// Overridable in tests.
	Now func() time.Time

	locks *keyLocks
}

// NewStore opens (or creates) the states database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{DB: db, Now: time.Now, locks: newKeyLocks()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state store: migration failed: %w", err)
	}
	return s, nil
}

// NewStoreWithDB wraps an already-open database handle (shared with the
// ownership store) and runs migrations.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{DB: db, Now: time.Now, locks: newKeyLocks()}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("state store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS states (
		serial TEXT NOT NULL,
		object_key TEXT NOT NULL,
		object_revision INTEGER NOT NULL,
		object_timestamp INTEGER NOT NULL,
		value_json TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		PRIMARY KEY (serial, object_key)
	);
	CREATE INDEX IF NOT EXISTS idx_states_serial ON states(serial);

	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		name TEXT,
		created_at_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS deviceOwners (
		user_id TEXT NOT NULL,
		serial TEXT NOT NULL,
		PRIMARY KEY (user_id, serial)
	);

	CREATE TABLE IF NOT EXISTS deviceShares (
		owner_id TEXT NOT NULL,
		shared_with_user_id TEXT NOT NULL,
		serial TEXT NOT NULL,
		permissions_json TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (owner_id, shared_with_user_id, serial)
	);

	CREATE TABLE IF NOT EXISTS entryKeys (
		entry_key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS integrations (
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 0,
		config_json TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (user_id, type)
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns the stored object for (serial, key), or nil when absent.
// A row with malformed JSON logs a warning and reads as absent.
func (s *Store) Get(ctx context.Context, serial, key string) (*Object, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT object_revision, object_timestamp, value_json, updated_at_ms
		 FROM states WHERE serial = ? AND object_key = ?`, serial, key)

	obj := &Object{Serial: serial, Key: key}
	var valueJSON string
	err := row.Scan(&obj.Revision, &obj.Timestamp, &valueJSON, &obj.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", ErrUnavailable, serial, key, err)
	}

	if err := json.Unmarshal([]byte(valueJSON), &obj.Value); err != nil {
		logger := log.WithComponent("state")
		logger.Warn().
			Str("serial", serial).
			Str("object_key", key).
			Err(err).
			Msg("malformed stored value, treating as absent")
		return nil, nil
	}
	return obj, nil
}

// GetAllForDevice returns every stored object for serial, keyed by object key.
func (s *Store) GetAllForDevice(ctx context.Context, serial string) (map[string]*Object, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT object_key, object_revision, object_timestamp, value_json, updated_at_ms
		 FROM states WHERE serial = ?`, serial)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrUnavailable, serial, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*Object)
	for rows.Next() {
		obj := &Object{Serial: serial}
		var valueJSON string
		if err := rows.Scan(&obj.Key, &obj.Revision, &obj.Timestamp, &valueJSON, &obj.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrUnavailable, serial, err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &obj.Value); err != nil {
			logger := log.WithComponent("state")
			logger.Warn().
				Str("serial", serial).
				Str("object_key", obj.Key).
				Err(err).
				Msg("malformed stored value, skipping key")
			continue
		}
		out[obj.Key] = obj
	}
	return out, rows.Err()
}

// Upsert merges value into the stored object for (serial, key) and returns
// the post-merge object.
//
// The revision policy: if the merge left the value unchanged the stored
// revision becomes max(existing, incoming); otherwise at least existing+1.
// The fan timer guard runs between merge and commit.
func (s *Store) Upsert(ctx context.Context, serial, key string, incomingRev, incomingTS int64, value map[string]any) (*Object, error) {
	lockKey := serial + "\x00" + key
	s.locks.lock(lockKey)
	defer s.locks.unlock(lockKey)

	existing, err := s.Get(ctx, serial, key)
	if err != nil {
		metrics.IncObjectWrite("error")
		return nil, err
	}

	now := s.Now()

	var merged map[string]any
	var existingValue map[string]any
	if existing != nil {
		existingValue = existing.Value
	}
	mergedAny := Merge(any(existingValue), any(value))
	merged, _ = mergedAny.(map[string]any)
	if merged == nil && value != nil {
		merged = value
	}

	applyFanTimerGuard(existingValue, merged, value, now.Unix())

	changed := existing == nil || !reflect.DeepEqual(existingValue, merged)

	var revision int64
	switch {
	case existing == nil:
		revision = incomingRev
	case !changed:
		revision = maxInt64(existing.Revision, incomingRev)
	default:
		revision = maxInt64(existing.Revision+1, incomingRev)
	}

	valueJSON, err := json.Marshal(merged)
	if err != nil {
		metrics.IncObjectWrite("error")
		return nil, fmt.Errorf("state: encode %s/%s: %w", serial, key, err)
	}

	obj := &Object{
		Serial:    serial,
		Key:       key,
		Revision:  revision,
		Timestamp: incomingTS,
		Value:     merged,
		UpdatedAt: now.UnixMilli(),
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO states (serial, object_key, object_revision, object_timestamp, value_json, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial, object_key) DO UPDATE SET
			object_revision = excluded.object_revision,
			object_timestamp = excluded.object_timestamp,
			value_json = excluded.value_json,
			updated_at_ms = excluded.updated_at_ms
	`, serial, key, obj.Revision, obj.Timestamp, string(valueJSON), obj.UpdatedAt)
	if err != nil {
		metrics.IncObjectWrite("error")
		return nil, fmt.Errorf("%w: upsert %s/%s: %v", ErrUnavailable, serial, key, err)
	}

	if changed {
		metrics.IncObjectWrite("changed")
	} else {
		metrics.IncObjectWrite("unchanged")
	}
	return obj, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
