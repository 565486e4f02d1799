// SPDX-License-Identifier: MIT

package ownership

import (
	"context"
	"encoding/json"
	"fmt"
)

// IntegrationConfig is one per-user outbound integration row.
type IntegrationConfig struct {
	UserID  string
	Type    string
	Enabled bool
	Config  map[string]any
}

// ListEnabledIntegrations returns every enabled integration row.
func (s *Store) ListEnabledIntegrations(ctx context.Context) ([]IntegrationConfig, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id, type, enabled, config_json FROM integrations WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("ownership: list integrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []IntegrationConfig
	for rows.Next() {
		var ic IntegrationConfig
		var enabled int
		var configJSON string
		if err := rows.Scan(&ic.UserID, &ic.Type, &enabled, &configJSON); err != nil {
			return nil, err
		}
		ic.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(configJSON), &ic.Config); err != nil {
			// A bad config row disables that integration, nothing else.
			continue
		}
		out = append(out, ic)
	}
	return out, rows.Err()
}

// PutIntegration stores or replaces an integration row.
func (s *Store) PutIntegration(ctx context.Context, ic IntegrationConfig) error {
	configJSON, err := json.Marshal(ic.Config)
	if err != nil {
		return err
	}
	enabled := 0
	if ic.Enabled {
		enabled = 1
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO integrations (user_id, type, enabled, config_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, type) DO UPDATE SET
			enabled = excluded.enabled,
			config_json = excluded.config_json`,
		ic.UserID, ic.Type, enabled, string(configJSON))
	return err
}

// DisableIntegration flips an integration off, e.g. after repeated startup
// failures, until the user reconfigures it.
func (s *Store) DisableIntegration(ctx context.Context, userID, typ string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE integrations SET enabled = 0 WHERE user_id = ? AND type = ?`, userID, typ)
	return err
}
