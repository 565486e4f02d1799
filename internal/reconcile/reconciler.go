// SPDX-License-Identifier: MIT

// Package reconcile derives per-user state from the user's device fleet
// and writes it back onto each owned device's user object.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/openhearth/hearth/internal/devicestate"
	"github.com/openhearth/hearth/internal/log"
	"github.com/openhearth/hearth/internal/metrics"
	"github.com/openhearth/hearth/internal/ownership"
	"github.com/openhearth/hearth/internal/state"
	"github.com/openhearth/hearth/internal/weather"
)

// Reconciler recomputes the per-user away summary whenever a device
// object changes, and mirrors cached weather for the user's location.
type Reconciler struct {
	Service   *devicestate.Service
	Ownership *ownership.Store
	Weather   *weather.Cache

	// Now is the clock for object timestamps, overridable in tests.
	Now func() time.Time
}

func New(service *devicestate.Service, owners *ownership.Store, wcache *weather.Cache) *Reconciler {
	return &Reconciler{
		Service:   service,
		Ownership: owners,
		Weather:   wcache,
		Now:       time.Now,
	}
}

// Sink returns the devicestate sink that triggers reconciliation on
// device.* changes. user.* writes (our own output) do not re-trigger.
func (r *Reconciler) Sink() devicestate.Sink {
	return devicestate.SinkFunc(func(ctx context.Context, change devicestate.Change) error {
		if state.KeyType(change.ObjectKey) != "device" {
			return nil
		}
		owners, err := r.Ownership.OwnersOfSerial(ctx, change.Serial)
		if err != nil {
			return err
		}
		for _, userID := range owners {
			if err := r.ReconcileUser(ctx, userID); err != nil {
				metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
				logger := log.WithComponent("reconcile")
				logger.Warn().
					Str("user_id", userID).
					Err(err).
					Msg("reconcile failed")
				continue
			}
			metrics.ReconcileRunsTotal.WithLabelValues("ok").Inc()
		}
		return nil
	})
}

type awaySummary struct {
	reported     int
	allAway      bool
	vacationMode bool

	awayTS    float64
	hasAwayTS bool

	manualAwayTS    float64
	hasManualAwayTS bool
	awaySetter      any
}

// ReconcileUser recomputes the away summary over every device the user
// owns and upserts user.«userID» on each of them. Running it twice with no
// intervening device change is a no-op apart from updatedAt.
func (r *Reconciler) ReconcileUser(ctx context.Context, userID string) error {
	owned, err := r.Ownership.OwnedSerials(ctx, userID)
	if err != nil {
		return err
	}
	if len(owned) == 0 {
		return nil
	}

	summary := awaySummary{allAway: true}
	var postalCode, country string

	for _, serial := range owned {
		obj, err := r.Service.Get(ctx, serial, "device."+serial)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", userID, err)
		}
		if obj == nil {
			continue
		}
		v := obj.Value

		if away, ok := v["away"].(bool); ok {
			summary.reported++
			if !away {
				summary.allAway = false
			}
		}
		if vac, ok := v["vacation_mode"].(bool); ok && vac {
			summary.vacationMode = true
		}
		if ts, ok := numeric(v["away_timestamp"]); ok {
			if !summary.hasAwayTS || ts > summary.awayTS {
				summary.awayTS = ts
				summary.hasAwayTS = true
			}
		}
		if ts, ok := numeric(v["manual_away_timestamp"]); ok {
			if !summary.hasManualAwayTS || ts > summary.manualAwayTS {
				summary.manualAwayTS = ts
				summary.hasManualAwayTS = true
				summary.awaySetter = v["away_setter"]
			}
		}
		if postalCode == "" {
			if pc, ok := v["postal_code"].(string); ok && pc != "" {
				postalCode = pc
				if c, ok := v["country"].(string); ok && c != "" {
					country = c
				}
			}
		}
	}
	if summary.reported == 0 {
		summary.allAway = false
	}

	value := map[string]any{
		"away":          summary.allAway,
		"vacation_mode": summary.vacationMode,
	}
	if summary.hasAwayTS {
		value["away_timestamp"] = summary.awayTS
	}
	if summary.hasManualAwayTS {
		value["manual_away_timestamp"] = summary.manualAwayTS
		if summary.awaySetter != nil {
			value["away_setter"] = summary.awaySetter
		}
	}

	if r.Weather != nil && postalCode != "" {
		if cond := r.Weather.Peek(postalCode, country); cond != nil {
			value["weather"] = map[string]any{
				"current":   cond.Current,
				"location":  cond.Location,
				"updatedAt": float64(cond.UpdatedAt),
			}
		}
	}

	userKey := "user." + userID
	nowMS := r.Now().UnixMilli()
	for _, serial := range owned {
		existing, err := r.Service.Get(ctx, serial, userKey)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", userID, err)
		}
		// Passing the stored revision leaves the bump decision to the
		// store: unchanged values keep their revision (fixpoint),
		// changed values advance by one.
		var rev int64 = 1
		if existing != nil {
			rev = existing.Revision
		}
		if _, err := r.Service.Upsert(ctx, serial, userKey, rev, nowMS, value); err != nil {
			return fmt.Errorf("reconcile %s: write %s: %w", userID, serial, err)
		}
	}
	return nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
