package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhearth/hearth/internal/availability"
	"github.com/openhearth/hearth/internal/devicestate"
	"github.com/openhearth/hearth/internal/ownership"
	"github.com/openhearth/hearth/internal/state"
	"github.com/openhearth/hearth/internal/subscribe"
	"github.com/openhearth/hearth/internal/weather"
)

type fixture struct {
	svc    *devicestate.Service
	owners *ownership.Store
	rec    *Reconciler
}

func newFixture(t *testing.T, wcache *weather.Cache) *fixture {
	t.Helper()
	store, err := state.NewStore(filepath.Join(t.TempDir(), "hearth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := devicestate.NewService(store, availability.New(0, 0), subscribe.NewManager())
	owners := ownership.NewStore(store.DB)
	rec := New(svc, owners, wcache)
	return &fixture{svc: svc, owners: owners, rec: rec}
}

func (f *fixture) writeDevice(t *testing.T, serial string, value map[string]any) {
	t.Helper()
	_, err := f.svc.Upsert(context.Background(), serial, "device."+serial, 1, 1, value)
	require.NoError(t, err)
}

func TestAwayAggregation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.owners.AddOwner(ctx, "U", "A"))
	require.NoError(t, f.owners.AddOwner(ctx, "U", "B"))

	f.writeDevice(t, "A", map[string]any{"away": true, "away_timestamp": 100.0})
	f.writeDevice(t, "B", map[string]any{"away": true, "away_timestamp": 200.0, "vacation_mode": true})

	require.NoError(t, f.rec.ReconcileUser(ctx, "U"))

	for _, serial := range []string{"A", "B"} {
		obj, err := f.svc.Get(ctx, serial, "user.U")
		require.NoError(t, err)
		require.NotNil(t, obj, "user object written on %s", serial)
		assert.Equal(t, true, obj.Value["away"])
		assert.Equal(t, true, obj.Value["vacation_mode"])
		assert.Equal(t, 200.0, obj.Value["away_timestamp"])
	}

	// One device comes home: away flips, timestamps stay.
	f.writeDevice(t, "A", map[string]any{"away": false})
	require.NoError(t, f.rec.ReconcileUser(ctx, "U"))

	obj, err := f.svc.Get(ctx, "B", "user.U")
	require.NoError(t, err)
	assert.Equal(t, false, obj.Value["away"])
	assert.Equal(t, true, obj.Value["vacation_mode"])
	assert.Equal(t, 200.0, obj.Value["away_timestamp"])
}

func TestNoDeviceReportedAwayMeansNotAway(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.owners.AddOwner(ctx, "U", "A"))
	f.writeDevice(t, "A", map[string]any{"temperature": 21.0})

	require.NoError(t, f.rec.ReconcileUser(ctx, "U"))

	obj, err := f.svc.Get(ctx, "A", "user.U")
	require.NoError(t, err)
	assert.Equal(t, false, obj.Value["away"])
}

func TestReconcileFixpoint(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.owners.AddOwner(ctx, "U", "A"))
	f.writeDevice(t, "A", map[string]any{"away": true, "away_timestamp": 50.0})

	require.NoError(t, f.rec.ReconcileUser(ctx, "U"))
	first, err := f.svc.Get(ctx, "A", "user.U")
	require.NoError(t, err)

	require.NoError(t, f.rec.ReconcileUser(ctx, "U"))
	second, err := f.svc.Get(ctx, "A", "user.U")
	require.NoError(t, err)

	assert.Equal(t, first.Revision, second.Revision, "re-run must not bump the revision")
	if diff := cmp.Diff(first.Value, second.Value); diff != "" {
		t.Fatalf("value changed across idempotent re-run (-first +second):\n%s", diff)
	}
}

func TestManualAwaySetterFollowsLatestTimestamp(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.owners.AddOwner(ctx, "U", "A"))
	require.NoError(t, f.owners.AddOwner(ctx, "U", "B"))

	f.writeDevice(t, "A", map[string]any{"away": true, "manual_away_timestamp": 300.0, "away_setter": 1.0})
	f.writeDevice(t, "B", map[string]any{"away": true, "manual_away_timestamp": 100.0, "away_setter": 2.0})

	require.NoError(t, f.rec.ReconcileUser(ctx, "U"))

	obj, err := f.svc.Get(ctx, "A", "user.U")
	require.NoError(t, err)
	assert.Equal(t, 300.0, obj.Value["manual_away_timestamp"])
	assert.Equal(t, 1.0, obj.Value["away_setter"])
}

type staticProvider struct{ cond *weather.Conditions }

func (p staticProvider) Current(ctx context.Context, postalCode, country string) (*weather.Conditions, error) {
	return p.cond, nil
}

func TestWeatherMirroredWhenCached(t *testing.T) {
	cond := &weather.Conditions{
		Current:   map[string]any{"temp_c": 12.0},
		Location:  map[string]any{"postal_code": "94043"},
		UpdatedAt: time.Now().UnixMilli(),
	}
	cache := weather.NewCache(staticProvider{cond}, 0)
	// Warm the cache; the reconciler only peeks.
	_, err := cache.Get(context.Background(), "94043", "US")
	require.NoError(t, err)

	f := newFixture(t, cache)
	ctx := context.Background()

	require.NoError(t, f.owners.AddOwner(ctx, "U", "A"))
	f.writeDevice(t, "A", map[string]any{"away": false, "postal_code": "94043"})

	require.NoError(t, f.rec.ReconcileUser(ctx, "U"))

	obj, err := f.svc.Get(ctx, "A", "user.U")
	require.NoError(t, err)
	w, ok := obj.Value["weather"].(map[string]any)
	require.True(t, ok, "weather mirrored into user object")
	assert.Equal(t, map[string]any{"temp_c": 12.0}, w["current"])
}

func TestSinkTriggersOnDeviceChangesOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.owners.AddOwner(ctx, "U", "A"))
	f.svc.RegisterSink(f.rec.Sink())

	// A device write triggers reconciliation transitively.
	_, err := f.svc.Upsert(ctx, "A", "device.A", 1, 1, map[string]any{"away": true})
	require.NoError(t, err)

	obj, err := f.svc.Get(ctx, "A", "user.U")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, true, obj.Value["away"])

	// The user.U write the reconciler just made must not have re-run it
	// endlessly; a shared.A write must not run it at all.
	before := obj.Revision
	_, err = f.svc.Upsert(ctx, "A", "shared.A", 1, 1, map[string]any{"target_temperature": 20.0})
	require.NoError(t, err)

	obj, err = f.svc.Get(ctx, "A", "user.U")
	require.NoError(t, err)
	assert.Equal(t, before, obj.Revision)
}
