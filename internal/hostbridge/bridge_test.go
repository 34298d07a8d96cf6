// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package hostbridge_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentamper/tamperd/internal/dispatch"
	"github.com/opentamper/tamperd/internal/hostbridge"
	"github.com/opentamper/tamperd/internal/reconcile"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

func TestRegistrationLedger(t *testing.T) {
	t.Parallel()

	b := hostbridge.New(true)
	ctx := context.Background()

	require.NoError(t, b.Register(ctx, []reconcile.Registration{{ID: "a"}, {ID: "b"}}))
	assert.Len(t, b.Registrations(), 2)

	require.NoError(t, b.UnregisterAll(ctx))
	assert.Empty(t, b.Registrations())

	assert.True(t, b.Available())
	assert.False(t, hostbridge.New(false).Available())
}

func TestNavigationFanOutAndTabURLs(t *testing.T) {
	t.Parallel()

	b := hostbridge.New(true)

	var seen []dispatch.Event
	cancel := b.Subscribe(func(ev dispatch.Event) { seen = append(seen, ev) })

	ev := dispatch.Event{Tab: 4, URL: "https://example.com/", Stage: dispatch.StageDocumentIdle}
	b.PostNavigation(ev)
	require.Len(t, seen, 1)
	assert.Equal(t, ev, seen[0])

	url, err := b.TabURL(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", url)

	_, err = b.TabURL(context.Background(), 99)
	require.Error(t, err)
	assert.Equal(t, tamperr.CodeDispatchURLUnresolved, tamperr.CodeOf(err))

	cancel()
	b.PostNavigation(ev)
	assert.Len(t, seen, 1, "cancelled subscriber must not receive events")
}

func TestCommandQueue(t *testing.T) {
	t.Parallel()

	b := hostbridge.New(true)
	ctx := context.Background()

	require.NoError(t, b.ExecuteScript(ctx, 1, "payload();"))
	require.NoError(t, b.DispatchRunEvent(ctx, 1, "script-a"))

	cmds := b.DrainCommands()
	require.Len(t, cmds, 2)
	assert.Equal(t, hostbridge.CommandExecute, cmds[0].Kind)
	assert.Equal(t, "payload();", cmds[0].Code)
	assert.Equal(t, hostbridge.CommandTrigger, cmds[1].Kind)
	assert.Equal(t, "script-a", cmds[1].ScriptID)

	assert.Empty(t, b.DrainCommands(), "drain clears the queue")
}
