// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opentamper/tamperd/internal/importer"
	"github.com/opentamper/tamperd/internal/require"
	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/store"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// manifestEntry is one source in an import manifest file.
type manifestEntry struct {
	Source string `yaml:"source"`
	Mode   string `yaml:"mode,omitempty"`
}

func newImportCmd() *cobra.Command {
	var (
		asRequire    bool
		manifestPath string
		replace      bool
	)

	cmd := &cobra.Command{
		Use:   "import [source...]",
		Short: "Import userscripts from URLs or local files",
		Long: `Import one or more userscripts into the script store. Each source
is either an http(s) URL or a local file path. With --manifest, sources
are read from a YAML file instead:

    - source: https://example.com/widget.user.js
    - source: ./lib/shared.js
      mode: require`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath == "" && len(args) == 0 {
				return tamperr.New(tamperr.CodeCLIInputInvalid, "nothing to import: pass a source or --manifest")
			}
			if replace && manifestPath == "" {
				return tamperr.New(tamperr.CodeCLIInputInvalid, "--replace requires --manifest")
			}
			return runImport(cmd, args, asRequire, manifestPath, replace)
		},
	}

	cmd.Flags().BoolVar(&asRequire, "as-require", false, "import as a dependency-only record, excluded from injection")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "YAML manifest listing sources to import")
	cmd.Flags().BoolVar(&replace, "replace", false, "treat the manifest as the complete script set and drop everything else")

	return cmd
}

func runImport(cmd *cobra.Command, args []string, asRequire bool, manifestPath string, replace bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return tamperr.Wrap(err, tamperr.CodeCLISetupFailure, "creating data directory")
	}

	scripts, err := store.Open(cfg.Storage.Backend, dataDir)
	if err != nil {
		return tamperr.Wrap(err, tamperr.CodeCLISetupFailure, "opening script store")
	}
	defer scripts.Close()

	resolver := require.NewResolver(require.Options{
		FetchTimeout: cfg.Require.FetchTimeout,
		Strict:       cfg.Require.Strict,
	})

	// With --replace, imports are staged in memory and only swapped into
	// the store wholesale once every source built cleanly.
	target := scripts
	var staging *store.Memory
	if replace {
		staging = store.NewMemory()
		target = staging
	}
	imp := importer.New(target, resolver)

	defaultMode := script.ImportModeScript
	if asRequire {
		defaultMode = script.ImportModeRequire
	}

	entries := make([]manifestEntry, 0, len(args))
	for _, a := range args {
		entries = append(entries, manifestEntry{Source: a, Mode: string(defaultMode)})
	}
	if manifestPath != "" {
		fromManifest, err := readManifest(manifestPath, defaultMode)
		if err != nil {
			return err
		}
		entries = append(entries, fromManifest...)
	}

	ctx := cmd.Context()
	var failed int
	for _, entry := range entries {
		rec, err := importOne(ctx, imp, entry)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "import %s: %v\n", entry.Source, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s %s (%s)\n", rec.Name, rec.Version, rec.ID)
	}
	if failed > 0 {
		return tamperr.New(tamperr.CodeCLIInputInvalid,
			fmt.Sprintf("%d of %d imports failed", failed, len(entries)))
	}
	if replace {
		staged, err := staging.List(ctx)
		if err != nil {
			return err
		}
		return scripts.Replace(ctx, staged)
	}
	return nil
}

func importOne(ctx context.Context, imp *importer.Importer, entry manifestEntry) (script.Record, error) {
	mode := script.ImportMode(entry.Mode)
	if strings.HasPrefix(entry.Source, "http://") || strings.HasPrefix(entry.Source, "https://") ||
		strings.HasPrefix(entry.Source, "file://") {
		return imp.FromURL(ctx, entry.Source, mode)
	}
	return imp.FromFile(ctx, entry.Source, mode)
}

func readManifest(path string, defaultMode script.ImportMode) ([]manifestEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, tamperr.Wrap(err, tamperr.CodeCLIInputInvalid, "reading manifest")
	}
	var entries []manifestEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, tamperr.Wrap(err, tamperr.CodeCLIInputInvalid, "parsing manifest")
	}
	for i := range entries {
		if entries[i].Source == "" {
			return nil, tamperr.New(tamperr.CodeCLIInputInvalid,
				fmt.Sprintf("manifest entry %d has no source", i))
		}
		if entries[i].Mode == "" {
			entries[i].Mode = string(defaultMode)
		}
	}
	return entries, nil
}
