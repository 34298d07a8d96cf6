// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package store

import (
	"sync"

	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// Factory creates a ScriptStore given the data directory.
type Factory func(dataDir string) (ScriptStore, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterBackend registers a factory for a named storage backend. Backend
// packages call this from init(). Goroutine-safe.
func RegisterBackend(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

func init() {
	RegisterBackend("memory", func(string) (ScriptStore, error) {
		return NewMemory(), nil
	})
}

// Open creates a ScriptStore for the named backend, defaulting to sqlite.
func Open(backend, dataDir string) (ScriptStore, error) {
	if backend == "" {
		backend = "sqlite"
	}

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, tamperr.Errorf(tamperr.CodeStoreBackendUnsupported, "unsupported storage backend: %q", backend)
	}

	return factory(dataDir)
}
