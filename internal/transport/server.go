// SPDX-License-Identifier: MIT

// Package transport is the device-facing HTTP surface: check-in, object
// writes, long-poll subscriptions, and the read-only status endpoint.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openhearth/hearth/internal/availability"
	"github.com/openhearth/hearth/internal/devicestate"
	"github.com/openhearth/hearth/internal/log"
	"github.com/openhearth/hearth/internal/ownership"
	"github.com/openhearth/hearth/internal/subscribe"
	"github.com/openhearth/hearth/internal/weather"
)

// Options configure the HTTP surface.
type Options struct {
	ListenAddr string
	// TransportURL is the externally reachable base URL echoed to devices
	// on check-in.
	TransportURL string

	RateLimitEnabled bool
	RateLimitPerMin  int

	// LongPollDefault applies when a subscribe request names no timeout;
	// 0 selects the registry default.
	LongPollDefault time.Duration

	// MaxBodyBytes bounds request bodies; 0 selects the default 1 MiB.
	MaxBodyBytes int64
}

const defaultMaxBodyBytes = 1 << 20

// Server routes device traffic into the device state service.
type Server struct {
	opts     Options
	service  *devicestate.Service
	own      *ownership.Store
	subs     *subscribe.Manager
	watchdog *availability.Watchdog
	weather  *weather.Cache

	httpServer *http.Server
}

func NewServer(opts Options, service *devicestate.Service, own *ownership.Store,
	subs *subscribe.Manager, watchdog *availability.Watchdog, weatherCache *weather.Cache) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		opts:     opts,
		service:  service,
		own:      own,
		subs:     subs,
		watchdog: watchdog,
		weather:  weatherCache,
	}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(RequestLogger)
	if s.opts.RateLimitEnabled && s.opts.RateLimitPerMin > 0 {
		r.Use(RateLimit(s.opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/entry", s.handleEntry)
	r.Put("/transport/put", s.handlePut)
	r.Post("/transport/subscribe", s.handleSubscribe)
	r.Get("/status", s.handleStatus)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run serves until ctx is cancelled, then drains with a grace period.
// Long polls hold connections open, so the drain window must exceed no
// poll's remaining deadline; cancellation closes waiters first.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: long polls legitimately exceed any sane value.
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	logger := log.WithComponent("transport")
	logger.Info().Str("addr", s.opts.ListenAddr).Msg("http server listening")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete, closing")
		_ = s.httpServer.Close()
	}
	return nil
}
