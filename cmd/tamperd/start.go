// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the tamperd daemon",
		Long: `Start the tamperd daemon: the control API server, the script
reconciler, the navigation dispatcher, and the auto-update loop.`,
		RunE: runStart,
	}

	cmd.Flags().StringP("listen", "l", "", "address to listen on (host:port)")
	_ = viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := WireEngine(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	defer engine.Close()

	// Initial pass before accepting traffic so the registration ledger
	// reflects the persisted script set from the first poll.
	if err := engine.Reconciler.Sync(ctx); err != nil {
		slog.Warn("initial reconciliation failed", "error", err)
	}
	engine.Dispatcher.Refresh(ctx)

	if engine.Watcher != nil {
		go engine.Watcher.Run(ctx)
	}
	go func() {
		if err := engine.UpdateLoop.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("update loop stopped", "error", err)
		}
	}()

	slog.Info("tamperd starting",
		"listen", cfg.Server.Listen,
		"data_dir", dataDir,
		"backend", cfg.Storage.Backend,
	)
	return engine.Server.Start(ctx)
}
