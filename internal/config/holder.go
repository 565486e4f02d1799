// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openhearth/hearth/internal/log"
)

// Holder keeps the live configuration and reloads it atomically on file
// change or SIGHUP. A reload that fails to load or validate keeps the old
// configuration.
type Holder struct {
	mu         sync.RWMutex
	current    Config
	configPath string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger

	reloadMu        sync.RWMutex
	reloadListeners []chan<- Config
}

func NewHolder(initial Config, configPath string) *Holder {
	return &Holder{
		current:    initial,
		configPath: configPath,
		logger:     log.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the config file and swaps it in if valid.
func (h *Holder) Reload(_ context.Context) error {
	newCfg, err := Load(h.configPath)
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("event", "config.reload_failed").
			Msg("keeping previous configuration")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	h.current = newCfg
	h.mu.Unlock()

	h.notifyListeners(newCfg)
	h.logger.Info().Str("event", "config.reload_success").Msg("configuration reloaded")
	return nil
}

// StartWatcher watches the config file and SIGHUP for reload triggers.
// Without a config path only SIGHUP is armed.
func (h *Holder) StartWatcher(ctx context.Context) error {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)

	if h.configPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		if err := watcher.Add(h.configPath); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch config file: %w", err)
		}
		h.watcher = watcher
	}

	go h.watchLoop(ctx, sighup)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, sighup <-chan os.Signal) {
	// Debounce rapid editor write bursts into one reload.
	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	var events <-chan fsnotify.Event
	var errs <-chan error
	if h.watcher != nil {
		events = h.watcher.Events
		errs = h.watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			if h.watcher != nil {
				_ = h.watcher.Close()
			}
			return

		case <-sighup:
			h.logger.Info().Str("event", "config.sighup").Msg("reload requested via SIGHUP")
			if err := h.Reload(ctx); err != nil {
				h.logger.Error().Err(err).Msg("SIGHUP reload failed")
			}

		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().Err(err).Msg("automatic reload failed")
					}
				})
			}

		case err, ok := <-errs:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}

// RegisterListener registers a channel receiving every successfully
// reloaded config. Sends are non-blocking; a full channel is skipped.
func (h *Holder) RegisterListener(ch chan<- Config) {
	h.reloadMu.Lock()
	h.reloadListeners = append(h.reloadListeners, ch)
	h.reloadMu.Unlock()
}

func (h *Holder) notifyListeners(newCfg Config) {
	h.reloadMu.RLock()
	defer h.reloadMu.RUnlock()
	for _, ch := range h.reloadListeners {
		select {
		case ch <- newCfg:
		default:
			h.logger.Warn().Str("event", "config.listener_skip").Msg("listener channel full, skipped")
		}
	}
}
