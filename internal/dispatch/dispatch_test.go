// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package dispatch_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentamper/tamperd/internal/dispatch"
	"github.com/opentamper/tamperd/internal/pattern"
	"github.com/opentamper/tamperd/internal/reconcile"
	tamperreq "github.com/opentamper/tamperd/internal/require"
	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/store"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

type fakeInjector struct {
	mu         sync.Mutex
	executed   []string
	dispatched []string
	execErr    error
	tabURL     string
	tabURLErr  error
}

func (f *fakeInjector) ExecuteScript(_ context.Context, _ dispatch.TabID, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return f.execErr
	}
	f.executed = append(f.executed, code)
	return nil
}

func (f *fakeInjector) DispatchRunEvent(_ context.Context, _ dispatch.TabID, scriptID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, scriptID)
	return nil
}

func (f *fakeInjector) TabURL(context.Context, dispatch.TabID) (string, error) {
	return f.tabURL, f.tabURLErr
}

type fakeSource struct {
	mu          sync.Mutex
	subscribers int
}

func (f *fakeSource) Subscribe(func(dispatch.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subscribers--
	}
}

type harness struct {
	dispatcher *dispatch.Dispatcher
	store      *store.Memory
	injector   *fakeInjector
	source     *fakeSource
	state      reconcile.State
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    store.NewMemory(),
		injector: &fakeInjector{},
		source:   &fakeSource{},
		state: reconcile.State{
			ManualIDs:        map[string]bool{},
			ManualStages:     map[script.RunAt]bool{},
			BackendAvailable: true,
		},
	}
	h.dispatcher = dispatch.New(dispatch.Config{
		Store:    h.store,
		Resolver: tamperreq.NewResolver(tamperreq.Options{}),
		Patterns: pattern.NewCache(),
		Source:   h.source,
		Injector: h.injector,
		State:    func() reconcile.State { return h.state },
	})
	return h
}

func (h *harness) addScript(t *testing.T, id string, manual bool, mutate func(*script.Record)) {
	t.Helper()

	rec := script.Record{
		ID:      id,
		Name:    id,
		Code:    "console.log(1);",
		Matches: []string{"https://example.com/*"},
		Enabled: true,
	}
	if mutate != nil {
		mutate(&rec)
	}
	rec = script.Normalize(rec)
	require.NoError(t, h.store.Put(context.Background(), rec))

	if manual {
		h.state.ManualIDs[id] = true
		h.state.ManualStages[rec.RunAt] = true
	}
}

func TestStageFiltering(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addScript(t, "start-script", true, func(r *script.Record) {
		r.RunAt = script.RunAtDocumentStart
	})
	ctx := context.Background()

	require.NoError(t, h.dispatcher.OnNavigation(ctx, dispatch.Event{
		Tab: 1, URL: "https://example.com/page", Stage: dispatch.StageDocumentIdle,
	}))
	assert.Empty(t, h.injector.executed)

	require.NoError(t, h.dispatcher.OnNavigation(ctx, dispatch.Event{
		Tab: 1, URL: "https://example.com/page", Stage: dispatch.StageDocumentStart,
	}))
	assert.Len(t, h.injector.executed, 1)
}

func TestHistoryFiresAllStages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addScript(t, "start", true, func(r *script.Record) { r.RunAt = script.RunAtDocumentStart })
	h.addScript(t, "idle", true, nil)
	ctx := context.Background()

	require.NoError(t, h.dispatcher.OnNavigation(ctx, dispatch.Event{
		Tab: 1, URL: "https://example.com/spa", Stage: dispatch.StageHistory,
	}))
	assert.Len(t, h.injector.executed, 2)
}

func TestHistoryReplaysDeclarativeScripts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addScript(t, "declarative", false, nil)
	ctx := context.Background()

	require.NoError(t, h.dispatcher.OnNavigation(ctx, dispatch.Event{
		Tab: 1, URL: "https://example.com/spa", Stage: dispatch.StageHistory,
	}))
	assert.Empty(t, h.injector.executed)
	assert.Equal(t, []string{"declarative"}, h.injector.dispatched)
}

func TestInternalURLsAreSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addScript(t, "a", true, func(r *script.Record) {
		r.Matches = []string{"<all_urls>"}
	})
	ctx := context.Background()

	for _, url := range []string{"chrome://settings", "edge://flags", ""} {
		require.NoError(t, h.dispatcher.OnNavigation(ctx, dispatch.Event{
			Tab: 1, URL: url, Stage: dispatch.StageDocumentIdle,
		}))
	}
	assert.Empty(t, h.injector.executed)
	assert.Empty(t, h.injector.dispatched)
}

func TestInjectionFailureFallsBackToTrigger(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addScript(t, "a", true, nil)
	h.injector.execErr = assert.AnError
	ctx := context.Background()

	require.NoError(t, h.dispatcher.OnNavigation(ctx, dispatch.Event{
		Tab: 1, URL: "https://example.com/page", Stage: dispatch.StageDocumentIdle,
	}))
	assert.Equal(t, []string{"a"}, h.injector.dispatched)
}

func TestRefreshSubscriptionTracksNeed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.dispatcher.Refresh(ctx)
	assert.False(t, h.dispatcher.Subscribed())

	h.state.ManualIDs["x"] = true
	h.dispatcher.Refresh(ctx)
	assert.True(t, h.dispatcher.Subscribed())
	assert.Equal(t, 1, h.source.subscribers)

	delete(h.state.ManualIDs, "x")
	h.dispatcher.Refresh(ctx)
	assert.False(t, h.dispatcher.Subscribed())
	assert.Equal(t, 0, h.source.subscribers)
}

func TestRunScriptsForTabValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tab := 7

	t.Run("missing tab id", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.dispatcher.RunScriptsForTab(ctx, dispatch.RunRequest{Type: dispatch.ControlTypeRun})
		require.Error(t, err)
		assert.Equal(t, tamperr.CodeDispatchTabInvalid, tamperr.CodeOf(err))
	})

	t.Run("unknown script", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.dispatcher.RunScriptsForTab(ctx, dispatch.RunRequest{
			TabID: &tab, URL: "https://example.com/", ScriptID: "missing",
		})
		require.Error(t, err)
		assert.True(t, tamperr.IsNotFound(err))
	})

	t.Run("disabled script", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.addScript(t, "off", false, func(r *script.Record) { r.Enabled = false })
		_, err := h.dispatcher.RunScriptsForTab(ctx, dispatch.RunRequest{
			TabID: &tab, URL: "https://example.com/", ScriptID: "off",
		})
		require.Error(t, err)
		assert.True(t, tamperr.IsDisabled(err))
	})

	t.Run("no match without force", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.addScript(t, "a", false, nil)
		_, err := h.dispatcher.RunScriptsForTab(ctx, dispatch.RunRequest{
			TabID: &tab, URL: "https://other.test/", ScriptID: "a",
		})
		require.Error(t, err)
		assert.True(t, tamperr.IsNoMatch(err))
	})

	t.Run("require-mode script by id", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.addScript(t, "lib", false, func(r *script.Record) {
			r.ImportMode = script.ImportModeRequire
		})
		ran, err := h.dispatcher.RunScriptsForTab(ctx, dispatch.RunRequest{
			TabID: &tab, URL: "https://example.com/", ScriptID: "lib",
		})
		require.Error(t, err)
		assert.True(t, tamperr.IsInvalidInput(err))
		assert.Empty(t, ran)
		// Dependency-only records must never reach the host, even addressed
		// directly.
		assert.Empty(t, h.injector.dispatched)
		assert.Empty(t, h.injector.executed)
	})

	t.Run("no match with force injects", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.addScript(t, "a", false, nil)
		ran, err := h.dispatcher.RunScriptsForTab(ctx, dispatch.RunRequest{
			TabID: &tab, URL: "https://other.test/", ScriptID: "a", Force: true,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ran)
		assert.Len(t, h.injector.executed, 1)
	})
}

func TestRunScriptsForTabResolvesTabURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addScript(t, "a", false, nil)
	h.injector.tabURL = "https://example.com/page"
	tab := 3

	ran, err := h.dispatcher.RunScriptsForTab(context.Background(), dispatch.RunRequest{TabID: &tab})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ran)
	// Unforced runs replay the trigger instead of reinjecting.
	assert.Equal(t, []string{"a"}, h.injector.dispatched)
	assert.Empty(t, h.injector.executed)
}

func TestRunScriptsForTabSkipsRequireMode(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addScript(t, "lib", false, func(r *script.Record) {
		r.ImportMode = script.ImportModeRequire
	})
	h.addScript(t, "main", false, nil)
	tab := 1

	ran, err := h.dispatcher.RunScriptsForTab(context.Background(), dispatch.RunRequest{
		TabID: &tab, URL: "https://example.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, ran)
}

func TestHandleControlMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addScript(t, "a", false, nil)
	ctx := context.Background()

	out := h.dispatcher.HandleControlMessage(ctx,
		[]byte(`{"type":"runScriptsForTab","tabId":4,"url":"https://example.com/"}`))

	var resp dispatch.RunResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, []string{"a"}, resp.Ran)

	out = h.dispatcher.HandleControlMessage(ctx, []byte(`{"type":"runScriptsForTab"}`))
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)

	out = h.dispatcher.HandleControlMessage(ctx, []byte(`{"type":"unknown","tabId":4}`))
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.False(t, resp.OK)

	out = h.dispatcher.HandleControlMessage(ctx, []byte(`not json`))
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.False(t, resp.OK)
}
