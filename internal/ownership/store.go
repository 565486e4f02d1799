// SPDX-License-Identifier: MIT

// Package ownership reads the user/device relationship tables. The core
// consumes these for authorization and for building per-user device sets;
// administration of the tables happens outside this process.
package ownership

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound marks lookups with no matching row.
var ErrNotFound = errors.New("ownership: not found")

// Store runs against the shared hearth database; the schema is created by
// the state store migration.
type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// DeviceSet returns every serial the user owns or is shared, as a set.
func (s *Store) DeviceSet(ctx context.Context, userID string) (map[string]struct{}, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT serial FROM deviceOwners WHERE user_id = ?
		UNION
		SELECT serial FROM deviceShares WHERE shared_with_user_id = ?`,
		userID, userID)
	if err != nil {
		return nil, fmt.Errorf("ownership: device set for %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]struct{})
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, err
		}
		out[serial] = struct{}{}
	}
	return out, rows.Err()
}

// OwnedSerials returns only the serials the user owns (shares excluded);
// the away reconciler derives its aggregate from owned devices.
func (s *Store) OwnedSerials(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT serial FROM deviceOwners WHERE user_id = ? ORDER BY serial`, userID)
	if err != nil {
		return nil, fmt.Errorf("ownership: owned serials for %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, err
		}
		out = append(out, serial)
	}
	return out, rows.Err()
}

// OwnersOfSerial returns the user IDs owning serial.
func (s *Store) OwnersOfSerial(ctx context.Context, serial string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id FROM deviceOwners WHERE serial = ?`, serial)
	if err != nil {
		return nil, fmt.Errorf("ownership: owners of %s: %w", serial, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

// UsersForSerial returns everyone with access to serial: owners plus
// share recipients.
func (s *Store) UsersForSerial(ctx context.Context, serial string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT user_id FROM deviceOwners WHERE serial = ?
		UNION
		SELECT shared_with_user_id FROM deviceShares WHERE serial = ?`,
		serial, serial)
	if err != nil {
		return nil, fmt.Errorf("ownership: users for %s: %w", serial, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

// IsKnownSerial reports whether any user owns or is shared serial.
// Device traffic for unknown serials is rejected upstream.
func (s *Store) IsKnownSerial(ctx context.Context, serial string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM deviceOwners WHERE serial = ?
		UNION
		SELECT 1 FROM deviceShares WHERE serial = ?
		LIMIT 1`, serial, serial).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ownership: lookup %s: %w", serial, err)
	}
	return true, nil
}

// EntryUser resolves a pairing entry key to its user.
func (s *Store) EntryUser(ctx context.Context, entryKey string) (string, error) {
	var userID string
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id FROM entryKeys WHERE entry_key = ?`, entryKey).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("ownership: entry key lookup: %w", err)
	}
	return userID, nil
}

// AddOwner records an ownership row. Exposed for provisioning tooling and
// tests; the request path never writes ownership.
func (s *Store) AddOwner(ctx context.Context, userID, serial string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO deviceOwners (user_id, serial) VALUES (?, ?)`, userID, serial)
	return err
}

// AddShare records a share row.
func (s *Store) AddShare(ctx context.Context, ownerID, sharedWith, serial string, permissions []string) error {
	perms, err := json.Marshal(permissions)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT OR REPLACE INTO deviceShares (owner_id, shared_with_user_id, serial, permissions_json)
		VALUES (?, ?, ?, ?)`, ownerID, sharedWith, serial, string(perms))
	return err
}
