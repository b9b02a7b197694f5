// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher serves an atomic snapshot of the configuration and hot-reloads it
// when the file changes on disk.
//
// # Description
//
//	Only the decision thresholds are meant to change at runtime; structural
//	settings (index backend, dimensions, directories) require a restart, so
//	a reload that changes them is rejected and the previous snapshot stays
//	in effect. A reload that fails to parse or validate is likewise
//	rejected and logged; the service never runs on a half-applied config.
//
// # Thread Safety
//
// Safe for concurrent use. Snapshot() is a single atomic load.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}
}

// NewWatcher wraps an already-loaded config. If path is empty (embedded
// defaults), the watcher is inert and Snapshot always returns the initial
// config.
func NewWatcher(path string, initial *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: path, logger: logger, done: make(chan struct{})}
	w.current.Store(initial)
	return w
}

// Snapshot returns the current configuration. The returned pointer is
// immutable; callers must not modify it.
func (w *Watcher) Snapshot() *Config {
	return w.current.Load()
}

// Start begins watching the config file. No-op when the watcher was built
// from embedded defaults.
func (w *Watcher) Start() error {
	if w.path == "" {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	w.watcher = fw

	// Watch the directory, not the file: editors and configmap mounts
	// replace files via rename, which drops a file-level watch.
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("config watcher add %q: %w", dir, err)
	}

	go w.loop()
	w.logger.Info("config watcher started", slog.String("path", w.path))
	return nil
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
		<-w.done
	}
}

func (w *Watcher) loop() {
	defer close(w.done)
	target := filepath.Clean(w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

// reload re-parses the file and swaps the snapshot if it is acceptable.
func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}

	prev := w.current.Load()
	if reason := restartRequired(prev, next); reason != "" {
		w.logger.Error("config reload rejected: restart required",
			slog.String("changed", reason))
		return
	}

	w.current.Store(next)
	w.logger.Info("config reloaded",
		slog.Float64("high_confidence", next.Routing.HighConfidenceThreshold),
		slog.Float64("low_confidence", next.Routing.LowConfidenceThreshold),
		slog.Float64("dup_high", next.Routing.DupHighThreshold))
}

// restartRequired names the first structural field that differs between
// prev and next, or "" when the change is hot-applicable.
func restartRequired(prev, next *Config) string {
	switch {
	case prev.Server.Addr != next.Server.Addr:
		return "server.addr"
	case prev.Embedding.Dimensions != next.Embedding.Dimensions:
		return "embedding.dimensions"
	case prev.Index.Backend != next.Index.Backend:
		return "index.backend"
	case prev.Index.Weaviate != next.Index.Weaviate:
		return "index.weaviate"
	case prev.Cache.PersistDir != next.Cache.PersistDir:
		return "cache.persistDir"
	case prev.Scheduler.Dir != next.Scheduler.Dir:
		return "scheduler.dir"
	default:
		return ""
	}
}
