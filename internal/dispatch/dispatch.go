// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

// Package dispatch reacts to page navigation lifecycle events and decides,
// per stage, which scripts to run and through which execution path. It owns
// no script state of its own; classification comes from the reconciler's
// last pass and script content from the store.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/opentamper/tamperd/internal/pattern"
	"github.com/opentamper/tamperd/internal/payload"
	"github.com/opentamper/tamperd/internal/reconcile"
	"github.com/opentamper/tamperd/internal/require"
	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/store"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// TabID identifies one host tab.
type TabID int

// Stage is a document lifecycle stage as reported by the navigation source.
type Stage string

const (
	// StageBeforeNavigate fires before the navigation commits. It never
	// runs scripts; it only warms local-file dependencies.
	StageBeforeNavigate Stage = "before_navigate"

	StageDocumentStart Stage = "document_start"
	StageDocumentEnd   Stage = "document_end"
	StageDocumentIdle  Stage = "document_idle"

	// StageHistory is the in-page (pushState) pseudo-stage. A single-page
	// transition has no separate parse or load boundary, so it stands in
	// for all three document stages at once.
	StageHistory Stage = "history"
)

// Event is one navigation lifecycle signal.
type Event struct {
	Tab   TabID
	URL   string
	Stage Stage
}

// NavigationSource delivers lifecycle events. Subscribe returns a cancel
// func; the dispatcher subscribes only while the reconciled state needs it.
type NavigationSource interface {
	Subscribe(fn func(Event)) (cancel func())
}

// Injector executes code in a page context on behalf of the dispatcher.
type Injector interface {
	// ExecuteScript evaluates a full payload in the tab's main world.
	ExecuteScript(ctx context.Context, tab TabID, code string) error
	// DispatchRunEvent re-fires the run trigger of an already-present
	// payload in the tab.
	DispatchRunEvent(ctx context.Context, tab TabID, scriptID string) error
	// TabURL resolves the tab's current URL.
	TabURL(ctx context.Context, tab TabID) (string, error)
}

// Config holds the Dispatcher's collaborators.
type Config struct {
	Store    store.ScriptStore
	Resolver *require.Resolver
	Patterns *pattern.Cache
	Source   NavigationSource
	Injector Injector

	// State returns the reconciler's latest derived state.
	State func() reconcile.State
}

// Dispatcher routes navigation events to script executions.
type Dispatcher struct {
	store    store.ScriptStore
	resolver *require.Resolver
	patterns *pattern.Cache
	source   NavigationSource
	injector Injector
	state    func() reconcile.State

	mu     sync.Mutex
	cancel func()
}

// New creates a Dispatcher. Call Refresh after every reconciliation pass so
// the lifecycle subscription tracks need.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		patterns: cfg.Patterns,
		source:   cfg.Source,
		injector: cfg.Injector,
		state:    cfg.State,
	}
}

// Refresh installs or removes the navigation subscription to match the
// current reconciled state. Dormant when nothing needs per-navigation work.
func (d *Dispatcher) Refresh(ctx context.Context) {
	need := d.state().NeedsNavigationEvents()

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case need && d.cancel == nil:
		d.cancel = d.source.Subscribe(func(ev Event) {
			if err := d.OnNavigation(ctx, ev); err != nil {
				slog.Warn("navigation dispatch failed",
					"tab", ev.Tab, "stage", ev.Stage, "error", err)
			}
		})
	case !need && d.cancel != nil:
		d.cancel()
		d.cancel = nil
	}
}

// Subscribed reports whether lifecycle events are currently being consumed.
func (d *Dispatcher) Subscribed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// Close drops the navigation subscription.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// internalURL reports URLs scripts must never touch.
func internalURL(url string) bool {
	return url == "" ||
		strings.HasPrefix(url, "chrome://") ||
		strings.HasPrefix(url, "edge://")
}

// OnNavigation handles one lifecycle event. The history pseudo-stage fires
// the three document stages in sequence. Duplicate firings are harmless:
// the payload's identity guard makes page-side execution idempotent.
func (d *Dispatcher) OnNavigation(ctx context.Context, ev Event) error {
	if internalURL(ev.URL) {
		return nil
	}

	switch ev.Stage {
	case StageBeforeNavigate:
		d.warmLocalDeps(ctx, ev.URL)
		return nil
	case StageHistory:
		var errs []error
		for _, stage := range []Stage{StageDocumentStart, StageDocumentEnd, StageDocumentIdle} {
			if err := d.runStage(ctx, ev.Tab, ev.URL, stage, true); err != nil {
				errs = append(errs, err)
			}
		}
		return tamperr.Join(errs...)
	case StageDocumentStart, StageDocumentEnd, StageDocumentIdle:
		return d.runStage(ctx, ev.Tab, ev.URL, ev.Stage, false)
	default:
		return nil
	}
}

// runStage executes every matching script at one stage. history selects the
// trigger-replay path for declaratively registered scripts, whose payloads
// are already present in the page but will not re-fire on an in-page
// transition by themselves.
func (d *Dispatcher) runStage(ctx context.Context, tab TabID, url string, stage Stage, history bool) error {
	st := d.state()
	if !st.ManualStages[script.RunAt(stage)] && !history {
		return nil
	}

	recs, err := d.store.List(ctx)
	if err != nil {
		return tamperr.Wrap(err, tamperr.CodeStoreDatabaseFailure, "loading scripts for dispatch")
	}

	var errs []error
	for _, rec := range recs {
		if !rec.Eligible() || !rec.Injectable() {
			continue
		}
		if script.RunAt(stage) != rec.RunAt {
			continue
		}
		if !d.patterns.MatchesURL(rec.Matches, rec.Excludes, url) {
			continue
		}

		if st.ManualIDs[rec.ID] {
			if err := d.Inject(ctx, tab, rec); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if history {
			if err := d.injector.DispatchRunEvent(ctx, tab, rec.ID); err != nil {
				errs = append(errs, tamperr.Wrap(err, tamperr.CodeDispatchTriggerFailure,
					"re-firing run trigger", tamperr.FieldScriptID(rec.ID)))
			}
		}
	}
	return tamperr.Join(errs...)
}

// Inject rebuilds the script's payload with fresh dependencies and executes
// it in the tab. On injection failure it falls back to a trigger dispatch in
// case an earlier payload is still installed.
func (d *Dispatcher) Inject(ctx context.Context, tab TabID, rec script.Record) error {
	code, err := d.buildPayload(ctx, rec)
	if err != nil {
		return err
	}

	if err := d.injector.ExecuteScript(ctx, tab, code); err != nil {
		slog.Warn("manual injection failed, falling back to run trigger",
			"script_id", rec.ID, "tab", tab, "error", err)
		if derr := d.injector.DispatchRunEvent(ctx, tab, rec.ID); derr != nil {
			return tamperr.Wrap(derr, tamperr.CodeDispatchInjectFailure, "injecting script",
				tamperr.FieldScriptID(rec.ID), tamperr.FieldTabID(int(tab)))
		}
	}
	return nil
}

func (d *Dispatcher) buildPayload(ctx context.Context, rec script.Record) (string, error) {
	reqs, err := d.resolver.Resolve(ctx, rec)
	if err != nil {
		return "", err
	}
	return payload.Build(rec, reqs)
}

// warmLocalDeps refreshes local-file dependency fragments for scripts that
// match the upcoming URL, so the payload built at injection time sees
// current file content. Runs detached; navigation is never blocked on disk.
func (d *Dispatcher) warmLocalDeps(ctx context.Context, url string) {
	st := d.state()
	if !st.HasLocalRequires {
		return
	}

	go func() {
		recs, err := d.store.List(ctx)
		if err != nil {
			slog.Warn("local dependency warm-up failed", "error", err)
			return
		}
		for _, rec := range recs {
			if !rec.Eligible() || !rec.HasLocalRequires() {
				continue
			}
			if !d.patterns.MatchesURL(rec.Matches, rec.Excludes, url) {
				continue
			}
			if _, err := d.resolver.Resolve(ctx, rec); err != nil {
				slog.Debug("local dependency refresh failed",
					"script_id", rec.ID, "error", err)
			}
		}
	}()
}
