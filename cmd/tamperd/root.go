// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opentamper/tamperd/internal/config"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// NewRootCmd creates the root tamperd command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tamperd",
		Short:         "tamperd is a userscript reconciliation and dispatch engine",
		Long:          "tamperd keeps a host environment's running userscripts consistent with a declarative script set as pages load and navigate.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd)
		},
	}

	// Global flags map to viper keys via initViper.
	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newStartCmd(),
		newImportCmd(),
		newListCmd(),
		newVersionCmd(),
	)

	return root
}

// initViper sets up the global Viper with defaults, env bindings, flag
// bindings, and optional config file so the standard precedence
// (flag > env > file > defaults) is handled uniformly.
func initViper(cmd *cobra.Command) error {
	v := viper.GetViper()

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return tamperr.Wrapf(err, tamperr.CodeConfigLoadReadFailure, "reading config file")
		}
	} else {
		// Auto-discover tamperd.yaml from standard locations.
		// SetConfigType is intentionally omitted: when set, Viper falls
		// back to trying the bare config name without extension, which
		// collides with a ./tamperd binary in the project root.
		v.SetConfigName("tamperd")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/tamperd")
		v.AddConfigPath("/etc/tamperd")
		// No config file is fine. Parse or permission errors must surface.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return tamperr.Wrapf(err, tamperr.CodeConfigLoadReadFailure, "reading config")
			}
			// No config found anywhere; bootstrap a default.
			if path := config.BootstrapConfig(); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return tamperr.Wrapf(err, tamperr.CodeConfigLoadReadFailure, "reading bootstrapped config")
				}
			}
		}
	}

	if err := v.BindPFlag("storage.data_dir", cmd.Root().PersistentFlags().Lookup("data-dir")); err != nil {
		return tamperr.Wrap(err, tamperr.CodeCLISetupFailure, "binding data-dir flag")
	}
	if err := v.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose")); err != nil {
		return tamperr.Wrap(err, tamperr.CodeCLISetupFailure, "binding verbose flag")
	}

	level := slog.LevelInfo
	if v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	return nil
}

// loadConfig resolves the validated configuration from the global viper.
func loadConfig() (*config.Config, error) {
	return config.FromViper(viper.GetViper())
}

// resolveDataDir returns the configured data directory, defaulting to
// ~/.local/share/tamperd.
func resolveDataDir(cfg *config.Config) (string, error) {
	if cfg.Storage.DataDir != "" {
		return cfg.Storage.DataDir, nil
	}
	return config.DefaultDataDir()
}
