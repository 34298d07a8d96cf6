// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentamper/tamperd/internal/dispatch"
	"github.com/opentamper/tamperd/internal/importer"
	"github.com/opentamper/tamperd/internal/pattern"
	"github.com/opentamper/tamperd/internal/reconcile"
	"github.com/opentamper/tamperd/internal/relay"
	tamperreq "github.com/opentamper/tamperd/internal/require"
	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/server"
	"github.com/opentamper/tamperd/internal/store"
)

type nullInjector struct{}

func (nullInjector) ExecuteScript(context.Context, dispatch.TabID, string) error { return nil }
func (nullInjector) DispatchRunEvent(context.Context, dispatch.TabID, string) error {
	return nil
}
func (nullInjector) TabURL(context.Context, dispatch.TabID) (string, error) {
	return "https://example.com/", nil
}

type nullSource struct{}

func (nullSource) Subscribe(func(dispatch.Event)) func() { return func() {} }

func newTestServer(t *testing.T) (*server.Server, *store.Memory) {
	t.Helper()

	mem := store.NewMemory()
	resolver := tamperreq.NewResolver(tamperreq.Options{})

	dispatcher := dispatch.New(dispatch.Config{
		Store:    mem,
		Resolver: resolver,
		Patterns: pattern.NewCache(),
		Source:   nullSource{},
		Injector: nullInjector{},
		State: func() reconcile.State {
			return reconcile.State{
				ManualIDs:        map[string]bool{},
				ManualStages:     map[script.RunAt]bool{},
				BackendAvailable: true,
			}
		},
	})

	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	srv.RegisterServices(&server.Services{
		Store:      mem,
		Importer:   importer.New(mem, resolver),
		Dispatcher: dispatcher,
		Relay:      relay.New(mem, relay.Options{}),
	})
	return srv, mem
}

func doJSON(t *testing.T, srv *server.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func seedScript(t *testing.T, mem *store.Memory, id string) {
	t.Helper()

	require.NoError(t, mem.Put(context.Background(), script.Normalize(script.Record{
		ID:      id,
		Name:    "Seeded",
		Code:    "void 0;",
		Matches: []string{"https://example.com/*"},
		Enabled: true,
	})))
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestScriptCRUD(t *testing.T) {
	t.Parallel()

	srv, mem := newTestServer(t)
	seedScript(t, mem, "s1")

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/scripts", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"s1"`)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/scripts/s1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/scripts/absent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/scripts/s1/enabled", map[string]bool{"enabled": false})
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := mem.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/scripts/s1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/scripts/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportScriptFromCode(t *testing.T) {
	t.Parallel()

	srv, mem := newTestServer(t)

	code := "// ==UserScript==\n// @name Posted\n// @match https://example.com/*\n// ==/UserScript==\nrun();\n"
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/scripts", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var imported script.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &imported))
	assert.Equal(t, "Posted", imported.Name)

	recs, err := mem.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestImportScriptValidation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/scripts", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Code without a metadata block is a malformed source.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/scripts", map[string]string{"code": "run();"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunScriptsForTab(t *testing.T) {
	t.Parallel()

	srv, mem := newTestServer(t)
	seedScript(t, mem, "s1")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/tabs/3/run",
		map[string]string{"url": "https://example.com/page"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"s1"`)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/tabs/3/run",
		map[string]string{"url": "https://other.test/", "scriptId": "s1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelayGrantDenied(t *testing.T) {
	t.Parallel()

	srv, mem := newTestServer(t)
	seedScript(t, mem, "s1") // no GM_xmlhttpRequest grant

	msg := relay.Message{
		Channel:  "gmXhr",
		ID:       "r1",
		Type:     relay.TypeRequest,
		ScriptID: "s1",
		Details:  &relay.Details{URL: "https://example.com/"},
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/relay", relayEnvelope(t, msg))
	require.Equal(t, http.StatusOK, rec.Code)

	var out relay.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, relay.TypeError, out.Type)
	assert.Equal(t, "r1", out.ID)
	assert.NotEmpty(t, out.Error)
}

func relayEnvelope(t *testing.T, msg relay.Message) map[string]any {
	t.Helper()

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}
