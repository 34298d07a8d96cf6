// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package importer_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentamper/tamperd/internal/importer"
	tamperreq "github.com/opentamper/tamperd/internal/require"
	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/store"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

const demoScript = `// ==UserScript==
// @name Demo
// @version 1.2
// @match https://example.com/*
// @grant GM_xmlhttpRequest
// ==/UserScript==
console.log("demo");
`

func newImporter(t *testing.T) (*importer.Importer, *store.Memory) {
	t.Helper()

	mem := store.NewMemory()
	return importer.New(mem, tamperreq.NewResolver(tamperreq.Options{})), mem
}

func TestFromURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/demo.user.js":
			_, _ = w.Write([]byte("// ==UserScript==\n// @name Demo\n// @match https://example.com/*\n// @require lib.js\n// ==/UserScript==\nmain();\n"))
		case "/lib.js":
			_, _ = w.Write([]byte("var lib = 1;"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	imp, mem := newImporter(t)
	ctx := context.Background()

	rec, err := imp.FromURL(ctx, srv.URL+"/demo.user.js", script.ImportModeScript)
	require.NoError(t, err)
	assert.Equal(t, "Demo", rec.Name)
	assert.Equal(t, script.SourceRemote, rec.SourceType)
	require.Len(t, rec.Requires, 1)
	assert.Equal(t, srv.URL+"/lib.js", rec.Requires[0].URL)
	assert.Equal(t, "var lib = 1;", rec.Requires[0].Code)

	stored, err := mem.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)
}

func TestFromURLBrokenRequireRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/demo.user.js" {
			_, _ = w.Write([]byte("// ==UserScript==\n// @name Demo\n// @require missing.js\n// ==/UserScript==\nmain();\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	imp, mem := newImporter(t)
	ctx := context.Background()

	_, err := imp.FromURL(ctx, srv.URL+"/demo.user.js", script.ImportModeScript)
	require.Error(t, err)
	assert.True(t, tamperr.IsFetchFailure(err))

	recs, err := mem.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs, "a failed import must not persist anything")
}

func TestFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "demo.user.js")
	require.NoError(t, os.WriteFile(path, []byte(demoScript), 0o600))

	imp, _ := newImporter(t)

	rec, err := imp.FromFile(context.Background(), path, script.ImportModeScript)
	require.NoError(t, err)
	assert.Equal(t, script.SourceLocal, rec.SourceType)
	assert.Equal(t, "demo.user.js", rec.FileName)
	assert.True(t, script.IsFileURL(rec.SourceURL))
	assert.False(t, rec.AutoUpdateEnabled, "local sources cannot auto-update")
	assert.Contains(t, rec.Grants, script.GrantXHR)
}

func TestFromFileViaFileURL(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "demo.user.js")
	require.NoError(t, os.WriteFile(path, []byte(demoScript), 0o600))

	imp, _ := newImporter(t)

	rec, err := imp.FromURL(context.Background(), "file://"+filepath.ToSlash(path), script.ImportModeScript)
	require.NoError(t, err)
	assert.Equal(t, script.SourceLocal, rec.SourceType)
}

func TestFromCodeRequiresMetadata(t *testing.T) {
	t.Parallel()

	imp, _ := newImporter(t)

	_, err := imp.FromCode(context.Background(), "console.log(1);", "", script.ImportModeScript)
	require.Error(t, err)
	assert.True(t, tamperr.IsMalformedSource(err))
}

func TestFromCodeRequireMode(t *testing.T) {
	t.Parallel()

	imp, _ := newImporter(t)

	rec, err := imp.FromCode(context.Background(), demoScript, "", script.ImportModeRequire)
	require.NoError(t, err)
	assert.Equal(t, script.ImportModeRequire, rec.ImportMode)
	assert.False(t, rec.Injectable())
}
