// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

// Package hostbridge is the daemon-side half of the host environment
// boundary. The host (a browser extension or automation harness) posts
// navigation lifecycle events and polls for desired registrations and
// pending injection commands; the engine sees the bridge as its
// registration backend, navigation source, and injector.
package hostbridge

import (
	"context"
	"sync"

	"github.com/opentamper/tamperd/internal/dispatch"
	"github.com/opentamper/tamperd/internal/reconcile"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// CommandKind distinguishes queued instructions for the host.
type CommandKind string

const (
	// CommandExecute asks the host to evaluate a payload in a tab.
	CommandExecute CommandKind = "execute"
	// CommandTrigger asks the host to re-fire a payload's run event.
	CommandTrigger CommandKind = "trigger"
)

// Command is one pending instruction for the host.
type Command struct {
	Kind     CommandKind    `json:"kind"`
	Tab      dispatch.TabID `json:"tabId"`
	ScriptID string         `json:"scriptId,omitempty"`
	Code     string         `json:"code,omitempty"`
}

// maxQueuedCommands bounds the pending queue; a host that never drains
// must not grow the daemon without limit. Oldest commands are dropped
// first, which is safe because a reconnecting host re-syncs from the
// registration snapshot anyway.
const maxQueuedCommands = 1024

// Bridge connects the engine to a polling host environment.
type Bridge struct {
	mu            sync.Mutex
	available     bool
	registrations []reconcile.Registration
	commands      []Command
	tabURLs       map[dispatch.TabID]string
	subscribers   map[int]func(dispatch.Event)
	nextSub       int
}

// New creates a Bridge. available=false disables declarative registration,
// forcing every script onto the manual injection path.
func New(available bool) *Bridge {
	return &Bridge{
		available:   available,
		tabURLs:     map[dispatch.TabID]string{},
		subscribers: map[int]func(dispatch.Event){},
	}
}

// --- reconcile.Backend ---

// Available reports whether declarative registration is enabled.
func (b *Bridge) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// Register replaces nothing; registrations accumulate onto the cleared set
// from the preceding UnregisterAll, mirroring the host API shape.
func (b *Bridge) Register(_ context.Context, regs []reconcile.Registration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registrations = append(b.registrations, regs...)
	return nil
}

// UnregisterAll clears the declarative set.
func (b *Bridge) UnregisterAll(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registrations = nil
	return nil
}

// Registrations returns the current desired declarative set.
func (b *Bridge) Registrations() []reconcile.Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]reconcile.Registration, len(b.registrations))
	copy(out, b.registrations)
	return out
}

// --- dispatch.NavigationSource ---

// Subscribe registers a navigation event handler.
func (b *Bridge) Subscribe(fn func(dispatch.Event)) (cancel func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subscribers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// PostNavigation records the tab's URL and fans the event out to
// subscribers. Called by the control API when the host reports a
// lifecycle event.
func (b *Bridge) PostNavigation(ev dispatch.Event) {
	b.mu.Lock()
	if ev.URL != "" {
		b.tabURLs[ev.Tab] = ev.URL
	}
	fns := make([]func(dispatch.Event), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// --- dispatch.Injector ---

// ExecuteScript queues a payload evaluation for the host.
func (b *Bridge) ExecuteScript(_ context.Context, tab dispatch.TabID, code string) error {
	b.enqueue(Command{Kind: CommandExecute, Tab: tab, Code: code})
	return nil
}

// DispatchRunEvent queues a run-trigger replay for the host.
func (b *Bridge) DispatchRunEvent(_ context.Context, tab dispatch.TabID, scriptID string) error {
	b.enqueue(Command{Kind: CommandTrigger, Tab: tab, ScriptID: scriptID})
	return nil
}

// TabURL returns the last URL the host reported for the tab.
func (b *Bridge) TabURL(_ context.Context, tab dispatch.TabID) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	url, ok := b.tabURLs[tab]
	if !ok {
		return "", tamperr.New(tamperr.CodeDispatchURLUnresolved, "tab url unknown",
			tamperr.FieldTabID(int(tab)))
	}
	return url, nil
}

func (b *Bridge) enqueue(cmd Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, cmd)
	if len(b.commands) > maxQueuedCommands {
		b.commands = b.commands[len(b.commands)-maxQueuedCommands:]
	}
}

// DrainCommands returns and clears all pending commands.
func (b *Bridge) DrainCommands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.commands
	b.commands = nil
	return out
}
