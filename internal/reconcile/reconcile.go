// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

// Package reconcile keeps the declaratively registered script set equal to
// the currently eligible, declaratively-injectable scripts, and derives the
// manual-injection working set for everything else. The derived state is a
// cache, never a source of truth: it is recomputed from scratch on every
// pass.
package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opentamper/tamperd/internal/pattern"
	"github.com/opentamper/tamperd/internal/payload"
	"github.com/opentamper/tamperd/internal/require"
	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/store"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// maxBuildConcurrency bounds payload builds within one pass. Passes
// themselves never interleave.
const maxBuildConcurrency = 4

// State is the derived registration state after a pass: which script ids
// need manual per-navigation injection, which run-at stages those scripts
// occupy, and whether anything demands local-file freshness pushes.
type State struct {
	ManualIDs        map[string]bool
	ManualStages     map[script.RunAt]bool
	HasLocalRequires bool
	BackendAvailable bool
}

// NeedsNavigationEvents reports whether the dispatcher needs to subscribe
// to lifecycle signals at all.
func (s State) NeedsNavigationEvents() bool {
	return len(s.ManualIDs) > 0 || s.HasLocalRequires || !s.BackendAvailable
}

// Config holds the Reconciler's collaborators.
type Config struct {
	Store    store.ScriptStore
	Resolver *require.Resolver
	Backend  Backend
	Patterns *pattern.Cache

	// TrackFiles, when set, receives the full normalized script set after
	// every pass so a file watcher can follow local sources.
	TrackFiles func([]script.Record)
}

// Reconciler applies the desired script set to the registration backend.
type Reconciler struct {
	store      store.ScriptStore
	resolver   *require.Resolver
	backend    Backend
	patterns   *pattern.Cache
	trackFiles func([]script.Record)

	mu      sync.Mutex
	syncing bool
	pending bool
	state   State

	warnedUnavailable bool
}

// New creates a Reconciler. The pattern cache is shared with the dispatcher
// so both consult identical compiled matchers between passes.
func New(cfg Config) *Reconciler {
	return &Reconciler{
		store:      cfg.Store,
		resolver:   cfg.Resolver,
		backend:    cfg.Backend,
		patterns:   cfg.Patterns,
		trackFiles: cfg.TrackFiles,
		state: State{
			ManualIDs:    map[string]bool{},
			ManualStages: map[script.RunAt]bool{},
		},
	}
}

// State returns a copy of the derived state from the last completed pass.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return copyState(r.state)
}

// Sync runs one reconciliation pass. Passes are single-flight: a call
// arriving while a pass is in flight is absorbed into one trailing rerun,
// so the backend never observes two interleaved passes.
func (r *Reconciler) Sync(ctx context.Context) error {
	r.mu.Lock()
	if r.syncing {
		r.pending = true
		r.mu.Unlock()
		return nil
	}
	r.syncing = true
	r.mu.Unlock()

	var err error
	for {
		err = r.pass(ctx)

		r.mu.Lock()
		if r.pending {
			r.pending = false
			r.mu.Unlock()
			continue
		}
		r.syncing = false
		r.mu.Unlock()
		return err
	}
}

// manual reports whether an eligible, injectable script must be injected
// manually instead of declaratively.
func manual(rec script.Record, backendAvailable bool) bool {
	if !backendAvailable {
		return true
	}
	// Local files demand a freshness the declarative mechanism cannot
	// provide without per-navigation intervention.
	return rec.HasLocalRequires()
}

func (r *Reconciler) pass(ctx context.Context) error {
	// Forget stale matchers; compilation is pure, so this only bounds
	// memory.
	r.patterns.Clear()

	recs, err := r.store.List(ctx)
	if err != nil {
		return tamperr.Wrap(err, tamperr.CodeStoreDatabaseFailure, "loading scripts for reconciliation")
	}

	available := r.backend.Available()
	if !available && !r.warnedUnavailable {
		slog.Warn("declarative registration backend unavailable; all scripts will be injected manually")
		r.warnedUnavailable = true
	}

	next := State{
		ManualIDs:        map[string]bool{},
		ManualStages:     map[script.RunAt]bool{},
		BackendAvailable: available,
	}

	var declarative []script.Record
	for _, rec := range recs {
		if rec.HasLocalRequires() {
			next.HasLocalRequires = true
		}
		// Require-mode records are never a top-level injection target,
		// declarative or manual.
		if !rec.Eligible() || !rec.Injectable() {
			continue
		}
		if manual(rec, available) {
			next.ManualIDs[rec.ID] = true
			next.ManualStages[rec.RunAt] = true
			continue
		}
		declarative = append(declarative, rec)
	}

	if available {
		if err := r.backend.UnregisterAll(ctx); err != nil {
			slog.Warn("failed to unregister scripts", "error", err)
		}

		regs := r.buildRegistrations(ctx, declarative)
		if len(regs) > 0 {
			if err := r.backend.Register(ctx, regs); err != nil {
				slog.Warn("failed to register script batch",
					"count", len(regs),
					"error", tamperr.Wrap(err, tamperr.CodeRegistrationFailure, "registering batch"))
			}
		}
	}

	r.mu.Lock()
	r.state = next
	r.mu.Unlock()

	if r.trackFiles != nil {
		r.trackFiles(recs)
	}

	return nil
}

// buildRegistrations rebuilds payloads (with freshly resolved dependencies)
// for the declarative set. A build failure for a single script is logged
// and that script is skipped, never blocking the rest of the batch.
func (r *Reconciler) buildRegistrations(ctx context.Context, recs []script.Record) []Registration {
	type built struct {
		reg Registration
		ok  bool
	}

	results := make([]built, len(recs))
	sem := make(chan struct{}, maxBuildConcurrency)
	var wg sync.WaitGroup

	for i, rec := range recs {
		wg.Add(1)
		go func(i int, rec script.Record) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			reqs, err := r.resolver.Resolve(ctx, rec)
			if err != nil {
				slog.Warn("skipping script: dependency resolution failed",
					"script_id", rec.ID, "error", err)
				return
			}
			code, err := payload.Build(rec, reqs)
			if err != nil {
				slog.Warn("skipping script: payload build failed",
					"script_id", rec.ID, "error", err)
				return
			}

			results[i] = built{reg: registrationFor(rec, code), ok: true}
		}(i, rec)
	}
	wg.Wait()

	regs := make([]Registration, 0, len(recs))
	for _, res := range results {
		if res.ok {
			regs = append(regs, res.reg)
		}
	}
	return regs
}

func registrationFor(rec script.Record, code string) Registration {
	return Registration{
		ID:             rec.ID,
		Matches:        rec.Matches,
		ExcludeMatches: rec.Excludes,
		Code:           code,
		RunAt:          rec.RunAt,
		// noframes forces top-frame-only regardless of allFrames.
		AllFrames:       rec.AllFrames && !rec.NoFrames,
		MatchAboutBlank: rec.MatchAboutBlank,
	}
}

func copyState(s State) State {
	out := State{
		ManualIDs:        make(map[string]bool, len(s.ManualIDs)),
		ManualStages:     make(map[script.RunAt]bool, len(s.ManualStages)),
		HasLocalRequires: s.HasLocalRequires,
		BackendAvailable: s.BackendAvailable,
	}
	for id := range s.ManualIDs {
		out.ManualIDs[id] = true
	}
	for stage := range s.ManualStages {
		out.ManualStages[stage] = true
	}
	return out
}
