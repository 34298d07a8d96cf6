// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package payload_test

import (
	"strings"
	"testing"

	"github.com/opentamper/tamperd/internal/payload"
	"github.com/opentamper/tamperd/internal/script"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseRecord() script.Record {
	return script.Normalize(script.Record{
		ID:        "abc-123",
		Name:      "Test Script",
		SourceURL: "https://example.com/test.user.js",
		Code:      "console.log('hello');",
		Matches:   []string{"<all_urls>"},
		Enabled:   true,
	})
}

func TestBuildContainsIdentityGuard(t *testing.T) {
	t.Parallel()

	code, err := payload.Build(baseRecord(), nil)
	require.NoError(t, err)

	assert.Contains(t, code, `"tamperd:run:abc-123"`)
	assert.Contains(t, code, `"__tamperdRunner_abc-123"`)
	assert.Contains(t, code, "removeEventListener(EVENT_NAME, previous)")
	assert.Contains(t, code, "globalThis.addEventListener(EVENT_NAME, run, { passive: true })")
}

func TestBuildEmbedsScriptBodyAndSourceURL(t *testing.T) {
	t.Parallel()

	code, err := payload.Build(baseRecord(), nil)
	require.NoError(t, err)

	assert.Contains(t, code, "console.log('hello');")
	assert.True(t, strings.HasSuffix(code, "//# sourceURL=https://example.com/test.user.js"))
}

func TestBuildRequireBlockIsOneTime(t *testing.T) {
	t.Parallel()

	reqs := []script.Require{
		{URL: "https://cdn.example.com/a.js", Code: "a();"},
		{URL: "https://cdn.example.com/b.js", Code: "b();"},
		{URL: "https://cdn.example.com/empty.js"},
	}

	code, err := payload.Build(baseRecord(), reqs)
	require.NoError(t, err)

	assert.Contains(t, code, `"__tamperdRequiresExecuted_abc-123"`)
	assert.Contains(t, code, "if (!globalThis[REQUIRE_FLAG])")
	assert.Contains(t, code, "globalThis[REQUIRE_FLAG] = true")
	assert.Contains(t, code, "// @require https://cdn.example.com/a.js")
	assert.Contains(t, code, "b();")

	// Dependency order is execution order.
	assert.Less(t, strings.Index(code, "a();"), strings.Index(code, "b();"))

	// A stub with no code contributes nothing.
	assert.NotContains(t, code, "empty.js")
}

func TestBuildWithoutRequiresOmitsBlock(t *testing.T) {
	t.Parallel()

	code, err := payload.Build(baseRecord(), nil)
	require.NoError(t, err)
	assert.NotContains(t, code, "if (!globalThis[REQUIRE_FLAG])")
}

func TestBuildXhrShimIsGrantGated(t *testing.T) {
	t.Parallel()

	rec := baseRecord()
	code, err := payload.Build(rec, nil)
	require.NoError(t, err)
	assert.NotContains(t, code, "GM_xmlhttpRequest", "shim must be absent without the grant")

	rec.Grants = []string{script.GrantXHR}
	code, err = payload.Build(rec, nil)
	require.NoError(t, err)
	assert.Contains(t, code, "GM_xmlhttpRequest")
	assert.Contains(t, code, `const CHANNEL = "gmXhr"`)
	assert.Contains(t, code, "ensureXmlhttpRequest();")
}

func TestBuildRunAtGate(t *testing.T) {
	t.Parallel()

	for _, runAt := range []script.RunAt{
		script.RunAtDocumentStart,
		script.RunAtDocumentEnd,
		script.RunAtDocumentIdle,
	} {
		rec := baseRecord()
		rec.RunAt = runAt
		code, err := payload.Build(rec, nil)
		require.NoError(t, err)
		assert.Contains(t, code, `const RUN_STAGE = "`+string(runAt)+`"`)
		assert.Contains(t, code, "document.readyState")
	}
}

func TestBuildAlwaysInstallsAddStyle(t *testing.T) {
	t.Parallel()

	code, err := payload.Build(baseRecord(), nil)
	require.NoError(t, err)
	assert.Contains(t, code, "GM_addStyle")
	assert.Contains(t, code, "ensureAddStyle();")
}

func TestBuildGuardsAgainstThrowingBody(t *testing.T) {
	t.Parallel()

	rec := baseRecord()
	rec.Code = "throw new Error('boom');"
	code, err := payload.Build(rec, nil)
	require.NoError(t, err)
	assert.Contains(t, code, "} catch (error) {")
	assert.Contains(t, code, "script execution failed")
}

func TestBuildRefusesRequireMode(t *testing.T) {
	t.Parallel()

	rec := baseRecord()
	rec.ImportMode = script.ImportModeRequire
	_, err := payload.Build(rec, nil)
	require.Error(t, err)
	assert.Equal(t, tamperr.CodeScriptInvalidInput, tamperr.CodeOf(err))
}

func TestBuildFallbackSourceLabel(t *testing.T) {
	t.Parallel()

	rec := baseRecord()
	rec.SourceURL = ""
	rec.FileName = ""
	code, err := payload.Build(rec, nil)
	require.NoError(t, err)
	assert.Contains(t, code, "//# sourceURL=tamperd/abc-123.user.js")
}

func TestTriggerEventName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "tamperd:run:s9", payload.TriggerEventName("s9"))
}
