// SPDX-License-Identifier: MIT

// Package daemon wires the subsystems together and owns their lifecycle.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openhearth/hearth/internal/availability"
	"github.com/openhearth/hearth/internal/config"
	"github.com/openhearth/hearth/internal/devicestate"
	"github.com/openhearth/hearth/internal/integration"
	"github.com/openhearth/hearth/internal/integration/mqtt"
	"github.com/openhearth/hearth/internal/log"
	"github.com/openhearth/hearth/internal/ownership"
	"github.com/openhearth/hearth/internal/reconcile"
	"github.com/openhearth/hearth/internal/state"
	"github.com/openhearth/hearth/internal/subscribe"
	"github.com/openhearth/hearth/internal/transport"
	"github.com/openhearth/hearth/internal/weather"
)

// App is the assembled server. Observer order on every write is fixed:
// watchdog, then long-poll waiters, then integrations, then the
// cross-device reconciler.
type App struct {
	holder *config.Holder
	logger zerolog.Logger

	store        *state.Store
	ownership    *ownership.Store
	watchdog     *availability.Watchdog
	subs         *subscribe.Manager
	service      *devicestate.Service
	weather      *weather.Cache
	integrations *integration.Manager
	httpServer   *transport.Server
}

// New builds the full wiring from the holder's current configuration.
// Storage failures here are fatal startup errors.
func New(holder *config.Holder, weatherProvider weather.Provider) (*App, error) {
	cfg := holder.Get()

	store, err := state.NewStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open state store: %w", err)
	}

	own := ownership.NewStore(store.DB)

	watchdog := availability.New(cfg.AvailabilityTimeout, cfg.SweepInterval)
	subs := subscribe.NewManager()
	watchdog.ActiveSerials = subs.ActiveSerials

	service := devicestate.NewService(store, watchdog, subs)
	weatherCache := weather.NewCache(weatherProvider, cfg.WeatherTTL)

	integrations := integration.NewManager(own)
	integrations.RegisterFactory("mqtt", mqtt.NewFactory(mqtt.Deps{
		Service:           service,
		Ownership:         own,
		DefaultBroker:     cfg.MQTTDefaultBroker,
		ReconcileInterval: cfg.MQTTReconcileInterval,
	}))
	watchdog.SetChangeHandler(integrations.OnAvailabilityChange)

	service.RegisterSink(integrations.Sink())
	service.RegisterSink(reconcile.New(service, own, weatherCache).Sink())

	httpServer := transport.NewServer(transport.Options{
		ListenAddr:       cfg.ListenAddr,
		TransportURL:     cfg.TransportURL,
		RateLimitEnabled: cfg.RateLimitEnabled,
		RateLimitPerMin:  cfg.RateLimitPerMin,
		LongPollDefault:  cfg.LongPollTimeout,
	}, service, own, subs, watchdog, weatherCache)

	return &App{
		holder:       holder,
		logger:       log.WithComponent("daemon"),
		store:        store,
		ownership:    own,
		watchdog:     watchdog,
		subs:         subs,
		service:      service,
		weather:      weatherCache,
		integrations: integrations,
		httpServer:   httpServer,
	}, nil
}

// Run starts all subsystems and blocks until ctx is cancelled or a fatal
// error occurs.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort; startup continues without it.
	if err := a.holder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Str("event", "config.watcher_start_failed").
			Msg("config watcher not started")
	}

	// Availability sweep.
	g.Go(func() error {
		a.watchdog.Run(ctx)
		return nil
	})

	// Integration lifecycle: initial start plus periodic table diff, so
	// rows added or reconfigured at runtime take effect without restart.
	// Config reloads land on the same loop.
	cfgCh := make(chan config.Config, 1)
	a.holder.RegisterListener(cfgCh)
	g.Go(func() error {
		return a.integrationLoop(ctx, cfgCh)
	})

	// Device-facing HTTP surface.
	g.Go(func() error {
		return a.httpServer.Run(ctx)
	})

	a.logger.Info().Str("event", "daemon.started").Msg("all subsystems running")

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.integrations.Shutdown(shutdownCtx)
	if cerr := a.store.Close(); cerr != nil {
		a.logger.Warn().Err(cerr).Msg("state store close failed")
	}

	return err
}

func (a *App) integrationLoop(ctx context.Context, cfgCh <-chan config.Config) error {
	if err := a.integrations.Reload(ctx); err != nil {
		a.logger.Warn().Err(err).Str("event", "integration.initial_reload_failed").
			Msg("integration startup reload failed")
	}

	cfg := a.holder.Get()
	ticker := time.NewTicker(reloadInterval(cfg))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg := <-cfgCh:
			a.applyConfig(ctx, cfg, newCfg)
			if newCfg.IntegrationReloadInterval != cfg.IntegrationReloadInterval {
				ticker.Reset(reloadInterval(newCfg))
			}
			cfg = newCfg
		case <-ticker.C:
			if err := a.integrations.Reload(ctx); err != nil {
				a.logger.Warn().Err(err).Str("event", "integration.reload_failed").
					Msg("integration reload failed")
			}
		}
	}
}

// applyConfig puts a reloaded configuration into effect. Listen address
// and database path stay fixed for the process lifetime; the integration
// layer re-reads everything else here.
func (a *App) applyConfig(ctx context.Context, old, cfg config.Config) {
	if cfg.MQTTDefaultBroker != old.MQTTDefaultBroker ||
		cfg.MQTTReconcileInterval != old.MQTTReconcileInterval {
		a.integrations.RegisterFactory("mqtt", mqtt.NewFactory(mqtt.Deps{
			Service:           a.service,
			Ownership:         a.ownership,
			DefaultBroker:     cfg.MQTTDefaultBroker,
			ReconcileInterval: cfg.MQTTReconcileInterval,
		}))
		// Running bridges still hold the old deps; restart them on the
		// new ones.
		a.integrations.Shutdown(ctx)
	}

	if err := a.integrations.Reload(ctx); err != nil {
		a.logger.Warn().Err(err).Str("event", "integration.reload_failed").
			Msg("integration reload after config change failed")
		return
	}
	a.logger.Info().Str("event", "config.applied").Msg("reloaded configuration applied")
}

func reloadInterval(cfg config.Config) time.Duration {
	if cfg.IntegrationReloadInterval <= 0 {
		return 30 * time.Second
	}
	return cfg.IntegrationReloadInterval
}
