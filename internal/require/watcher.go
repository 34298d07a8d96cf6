// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package require

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opentamper/tamperd/internal/script"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

const watchDebounce = 250 * time.Millisecond

// Watcher observes the files behind local-file scripts and dependencies and
// invokes a callback when any of them change, so a freshly saved file is
// pushed into the running set without waiting for a navigation round-trip.
type Watcher struct {
	fsw      *fsnotify.Watcher
	onChange func()

	mu      sync.Mutex
	watched map[string]bool
}

// NewWatcher creates a Watcher that invokes onChange (debounced) after any
// tracked file changes.
func NewWatcher(onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, tamperr.Wrap(err, tamperr.CodeCLISetupFailure, "creating file watcher")
	}

	return &Watcher{
		fsw:      fsw,
		onChange: onChange,
		watched:  make(map[string]bool),
	}, nil
}

// Track re-points the watch set at the local files referenced by recs: every
// file:// dependency plus the source file of local scripts. Unreadable paths
// are logged and skipped.
func (w *Watcher) Track(recs []script.Record) {
	next := make(map[string]bool)
	for _, rec := range recs {
		for _, req := range rec.Requires {
			if script.IsFileURL(req.URL) {
				if path, err := FileURLPath(req.URL); err == nil {
					next[path] = true
				}
			}
		}
		if rec.SourceType == script.SourceLocal && script.IsFileURL(rec.SourceURL) {
			if path, err := FileURLPath(rec.SourceURL); err == nil {
				next[path] = true
			}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for path := range w.watched {
		if !next[path] {
			_ = w.fsw.Remove(path)
			delete(w.watched, path)
		}
	}
	for path := range next {
		if w.watched[path] {
			continue
		}
		if err := w.fsw.Add(path); err != nil {
			slog.Warn("cannot watch local file", "path", path, "error", err)
			continue
		}
		w.watched[path] = true
	}
}

// Run processes watch events until ctx is cancelled. Bursts of events within
// the debounce window collapse into a single callback.
func (w *Watcher) Run(ctx context.Context) {
	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "error", err)
		case <-timer.C:
			w.onChange()
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
