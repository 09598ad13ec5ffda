// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ManuGH/xg2g/internal/log"
	"github.com/fsnotify/fsnotify"
)

// AllocatorConfigHolder holds the allocator limits document with atomic
// hot-reload. A failed reload never replaces the currently-held good
// configuration (strict validated order, same discipline as the teacher's
// ConfigHolder).
type AllocatorConfigHolder struct {
	path    string
	current atomic.Pointer[AllocatorLimits]
	watcher *fsnotify.Watcher
}

// NewAllocatorConfigHolder loads the initial document and returns a holder.
func NewAllocatorConfigHolder(path string) (*AllocatorConfigHolder, error) {
	limits, err := LoadAllocatorLimits(path)
	if err != nil {
		return nil, err
	}
	h := &AllocatorConfigHolder{path: path}
	h.current.Store(&limits)
	return h, nil
}

// Get returns the currently active allocator limits.
func (h *AllocatorConfigHolder) Get() AllocatorLimits {
	return *h.current.Load()
}

// Reload re-reads and validates the document, swapping it in only on success.
func (h *AllocatorConfigHolder) Reload() error {
	logger := log.WithComponent("config.allocator")
	limits, err := LoadAllocatorLimits(h.path)
	if err != nil {
		logger.Error().Err(err).Str("event", "allocator_config.reload_failed").Msg("keeping previous allocator configuration")
		return err
	}
	h.current.Store(&limits)
	logger.Info().Str("event", "allocator_config.reloaded").Str("version", limits.Version).Msg("allocator configuration reloaded")
	return nil
}

// Watch starts an fsnotify watch on the document's directory and reloads on
// write/create/rename events to the specific file, debounced, until ctx is
// cancelled.
func (h *AllocatorConfigHolder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	h.watcher = watcher

	dir := filepath.Dir(h.path)
	file := filepath.Base(h.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go h.watchLoop(ctx, file)
	return nil
}

func (h *AllocatorConfigHolder) watchLoop(ctx context.Context, file string) {
	logger := log.WithComponent("config.allocator")
	var debounce *time.Timer
	const debounceWindow = 300 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				if err := h.Reload(); err != nil {
					logger.Warn().Err(err).Msg("automatic allocator config reload failed")
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("allocator config watcher error")
		}
	}
}
