// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

// Package update periodically refreshes remote scripts from their source
// URLs. Only scripts that opted in, come from an update-capable host, and
// have aged past the check interval are touched.
package update

import (
	"context"
	"log/slog"
	"time"

	"github.com/opentamper/tamperd/internal/require"
	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/store"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

const (
	// DefaultInterval is the minimum spacing between checks of one script.
	DefaultInterval = 5 * time.Minute
	// defaultTick is the cadence of the background sweep.
	defaultTick = time.Minute
)

// Options configures a Loop.
type Options struct {
	// Interval is the per-script minimum spacing between update checks.
	Interval time.Duration
	// Tick is the sweep cadence. Zero means one minute.
	Tick time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Loop is the periodic auto-update sweep.
type Loop struct {
	store    store.ScriptStore
	resolver *require.Resolver
	interval time.Duration
	tick     time.Duration
	now      func() time.Time
}

// New creates an update Loop.
func New(scripts store.ScriptStore, resolver *require.Resolver, opts Options) *Loop {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Loop{
		store:    scripts,
		resolver: resolver,
		interval: interval,
		tick:     tick,
		now:      now,
	}
}

// Run sweeps until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.CheckAll(ctx)
		}
	}
}

// CheckAll runs one sweep over every stored script. A failure for one
// script is logged and never blocks the checks of the others.
func (l *Loop) CheckAll(ctx context.Context) {
	recs, err := l.store.List(ctx)
	if err != nil {
		slog.Warn("update sweep failed to list scripts", "error", err)
		return
	}

	for _, rec := range recs {
		if !l.due(rec) {
			continue
		}
		if err := l.checkOne(ctx, rec); err != nil {
			slog.Warn("update check failed",
				"script_id", rec.ID, "source", rec.SourceURL, "error", err)
		}
	}
}

// due applies the eligibility gates: opted in, remote, update-capable host,
// and past the interval since the last check.
func (l *Loop) due(rec script.Record) bool {
	if !rec.AutoUpdateEnabled || rec.SourceType != script.SourceRemote {
		return false
	}
	if !script.UpdatableSource(rec.SourceURL) {
		return false
	}
	return l.now().Sub(rec.AutoUpdateLastChecked) >= l.interval
}

func (l *Loop) checkOne(ctx context.Context, rec script.Record) error {
	code, err := l.resolver.Fetch(ctx, rec.SourceURL)
	if err != nil {
		return err
	}

	now := l.now()

	if code == rec.Code {
		rec.AutoUpdateLastChecked = now
		return l.store.Put(ctx, rec)
	}

	meta, ok := script.ParseMetadata(code)
	if !ok {
		return tamperr.New(tamperr.CodeScriptImportMalformed,
			"updated source lost its metadata block", tamperr.FieldScriptID(rec.ID),
			tamperr.FieldURL(rec.SourceURL))
	}

	reqs, err := l.resolver.ResolveRaw(ctx, meta.RequireURLs(), rec.SourceURL)
	if err != nil {
		return err
	}

	updated, err := script.Build(script.BuildInput{
		Code:       code,
		SourceURL:  rec.SourceURL,
		SourceType: script.SourceRemote,
		ImportMode: rec.ImportMode,
		Requires:   reqs,
		Prior:      &rec,
		Now:        now,
	})
	if err != nil {
		return err
	}
	updated.AutoUpdateLastChecked = now

	slog.Info("script updated from source",
		"script_id", updated.ID, "name", updated.Name, "version", updated.Version)
	return l.store.Put(ctx, updated)
}
