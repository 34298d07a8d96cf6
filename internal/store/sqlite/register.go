// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package sqlite

import "github.com/opentamper/tamperd/internal/store"

func init() {
	store.RegisterBackend("sqlite", func(dataDir string) (store.ScriptStore, error) {
		return New(dataDir)
	})
}
