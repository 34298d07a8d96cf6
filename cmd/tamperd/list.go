// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/store"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List imported userscripts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dataDir, err := resolveDataDir(cfg)
			if err != nil {
				return err
			}

			scripts, err := store.Open(cfg.Storage.Backend, dataDir)
			if err != nil {
				return tamperr.Wrap(err, tamperr.CodeCLISetupFailure, "opening script store")
			}
			defer scripts.Close()

			recs, err := scripts.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tENABLED\tMODE\tSOURCE")
			for _, rec := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					rec.ID, rec.Name, rec.Version, rec.Enabled, rec.ImportMode, sourceLabel(rec))
			}
			return w.Flush()
		},
	}
}

func sourceLabel(rec script.Record) string {
	if rec.SourceURL != "" {
		return rec.SourceURL
	}
	if rec.FileName != "" {
		return rec.FileName
	}
	return string(rec.SourceType)
}
