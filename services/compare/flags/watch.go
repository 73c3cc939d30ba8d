// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flags

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce batches the create+rename burst of an atomic save
// into one reload.
const DefaultWatchDebounce = 150 * time.Millisecond

// Watch reloads the registry whenever the flag document at path changes,
// so a running service picks up `stagectl activate` and `stagectl rollback`
// without a restart.
//
// The parent directory is watched rather than the file, because FileStore
// replaces the file by rename. Watch returns once the watcher is installed;
// the returned channel is closed when ctx is done and the watcher has shut
// down.
func (r *Registry) Watch(ctx context.Context, path string) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create flag watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("create flag directory %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	target := filepath.Clean(path)

	go func() {
		defer close(done)
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(DefaultWatchDebounce)
				} else {
					timer.Reset(DefaultWatchDebounce)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				if err := r.Reload(ctx); err != nil {
					r.logger.Warn("flag reload failed", slog.String("path", path), slog.String("error", err.Error()))
					continue
				}
				r.logger.Info("flags reloaded", slog.String("path", path), slog.Int("stage", r.Stage()))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("flag watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return done, nil
}
