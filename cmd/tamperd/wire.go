// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/opentamper/tamperd/internal/config"
	"github.com/opentamper/tamperd/internal/dispatch"
	"github.com/opentamper/tamperd/internal/hostbridge"
	"github.com/opentamper/tamperd/internal/importer"
	"github.com/opentamper/tamperd/internal/pattern"
	"github.com/opentamper/tamperd/internal/reconcile"
	"github.com/opentamper/tamperd/internal/relay"
	"github.com/opentamper/tamperd/internal/require"
	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/server"
	"github.com/opentamper/tamperd/internal/store"
	_ "github.com/opentamper/tamperd/internal/store/sqlite" // register sqlite backend
	"github.com/opentamper/tamperd/internal/update"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// Engine holds all wired subsystems and manages their lifecycle.
type Engine struct {
	Store      store.ScriptStore
	Bridge     *hostbridge.Bridge
	Reconciler *reconcile.Reconciler
	Dispatcher *dispatch.Dispatcher
	Watcher    *require.Watcher
	UpdateLoop *update.Loop
	Server     *server.Server
}

// WireEngine creates all subsystems and wires them together. dataDir is
// the root directory for persistent state.
func WireEngine(ctx context.Context, cfg *config.Config, dataDir string) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, tamperr.Wrap(err, tamperr.CodeCLISetupFailure, "creating data directory")
	}

	scripts, err := store.Open(cfg.Storage.Backend, dataDir)
	if err != nil {
		return nil, tamperr.Wrap(err, tamperr.CodeCLISetupFailure, "opening script store")
	}

	resolver := require.NewResolver(require.Options{
		FetchTimeout: cfg.Require.FetchTimeout,
		Strict:       cfg.Require.Strict,
	})
	patterns := pattern.NewCache()
	bridge := hostbridge.New(cfg.Registration.Enabled)

	// The watcher is created after the reconciler it notifies, so the
	// tracking hook goes through this indirection.
	var watcher *require.Watcher
	reconciler := reconcile.New(reconcile.Config{
		Store:    scripts,
		Resolver: resolver,
		Backend:  bridge,
		Patterns: patterns,
		TrackFiles: func(recs []script.Record) {
			if watcher != nil {
				watcher.Track(recs)
			}
		},
	})

	dispatcher := dispatch.New(dispatch.Config{
		Store:    scripts,
		Resolver: resolver,
		Patterns: patterns,
		Source:   bridge,
		Injector: bridge,
		State:    reconciler.State,
	})

	// Store changes drive reconciliation, reconciliation drives the
	// dispatcher's subscription state.
	scripts.Subscribe(func() {
		go func() {
			if err := reconciler.Sync(ctx); err != nil {
				slog.Warn("reconciliation failed", "error", err)
			}
			dispatcher.Refresh(ctx)
		}()
	})

	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Server.Listen,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	if err != nil {
		return nil, err
	}
	srv.RegisterServices(&server.Services{
		Store:      scripts,
		Importer:   importer.New(scripts, resolver),
		Dispatcher: dispatcher,
		Relay:      relay.New(scripts, relay.Options{}),
		Bridge:     bridge,
	})

	engine := &Engine{
		Store:      scripts,
		Bridge:     bridge,
		Reconciler: reconciler,
		Dispatcher: dispatcher,
		UpdateLoop: update.New(scripts, resolver, update.Options{
			Interval: cfg.Update.Interval,
			Tick:     cfg.Update.Tick,
		}),
		Server: srv,
	}

	// Local-file dependency changes re-resolve through a reconcile pass.
	watcher, err = require.NewWatcher(func() {
		if err := reconciler.Sync(ctx); err != nil {
			slog.Warn("reconciliation after file change failed", "error", err)
		}
	})
	if err != nil {
		slog.Warn("file watching unavailable; local dependencies refresh per navigation only", "error", err)
	} else {
		engine.Watcher = watcher
	}

	return engine, nil
}

// Close releases the engine's resources.
func (e *Engine) Close() {
	if e.Watcher != nil {
		e.Watcher.Close()
	}
	e.Dispatcher.Close()
	if err := e.Store.Close(); err != nil {
		slog.Warn("closing script store", "error", err)
	}
}
