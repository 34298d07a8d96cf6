// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package reconcile

import (
	"context"

	"github.com/opentamper/tamperd/internal/script"
)

// Registration is one declarative pre-registration entry handed to the
// backend. noframes has already been folded into AllFrames by the time a
// Registration exists.
type Registration struct {
	ID              string       `json:"id"`
	Matches         []string     `json:"matches"`
	ExcludeMatches  []string     `json:"excludeMatches"`
	Code            string       `json:"code"`
	RunAt           script.RunAt `json:"runAt"`
	AllFrames       bool         `json:"allFrames"`
	MatchAboutBlank bool         `json:"matchAboutBlank,omitempty"`
}

// Backend is the declarative registration collaborator: the platform
// primitive that injects pre-registered code on matching navigations
// without further intervention.
type Backend interface {
	// Available reports whether declarative registration works in the
	// current environment. When false every eligible script falls back to
	// manual injection.
	Available() bool

	// Register installs the batch, replacing nothing implicitly; callers
	// unregister first.
	Register(ctx context.Context, regs []Registration) error

	// UnregisterAll removes every previously registered entry. Backends
	// treat an already-empty registration set as success.
	UnregisterAll(ctx context.Context) error
}
