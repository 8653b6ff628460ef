// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Loader produces a fresh Config. Watchers call it on every detected change.
type Loader func() (*Config, error)

// Watcher polls files for modification and reloads configuration when any of
// them changes. Listeners run on the watcher goroutine, in registration order.
type Watcher struct {
	mu          sync.RWMutex
	paths       []string
	interval    time.Duration
	lastModTime map[string]time.Time
	load        Loader
	config      *Config
	listeners   []func(*Config)
	stopOnce    sync.Once
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *slog.Logger
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithWatchInterval sets the polling interval.
func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher loads the initial configuration and records the modification
// times of paths. Paths that do not exist yet are picked up once created.
func NewWatcher(paths []string, load Loader, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		paths:       paths,
		interval:    time.Second,
		lastModTime: make(map[string]time.Time),
		load:        load,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, path := range paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTime[path] = info.ModTime()
		}
	}

	cfg, err := load()
	if err != nil {
		return nil, err
	}
	w.config = cfg
	return w, nil
}

// OnChange registers fn to receive every successfully reloaded Config.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start begins polling until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.watch(ctx)
}

// Stop ends polling and waits for the watcher goroutine. Start must have been called.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.checkForChanges() {
				w.reload()
			}
		}
	}
}

func (w *Watcher) checkForChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := false
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		lastMod, seen := w.lastModTime[path]
		if !seen || !info.ModTime().Equal(lastMod) {
			w.lastModTime[path] = info.ModTime()
			changed = true
		}
	}
	return changed
}

func (w *Watcher) reload() {
	cfg, err := w.load()
	if err != nil {
		// Keep serving the last good configuration.
		w.logger.Error("config.reload.error", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	w.config = cfg
	listeners := make([]func(*Config), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	w.logger.Info("config.reload.applied", slog.Int("listeners", len(listeners)))
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Watch builds a Watcher over the config file at path and the policy file it
// names, loading with sets applied on every reload, and starts it.
func Watch(ctx context.Context, path string, sets []string, opts ...WatcherOption) (*Watcher, error) {
	load := func() (*Config, error) { return LoadWithOverrides(path, sets) }
	initial, err := load()
	if err != nil {
		return nil, err
	}
	var paths []string
	if path != "" {
		paths = append(paths, path)
	}
	if initial.Policy.File != "" {
		paths = append(paths, initial.Policy.File)
	}
	w, err := NewWatcher(paths, load, opts...)
	if err != nil {
		return nil, err
	}
	w.Start(ctx)
	return w, nil
}
