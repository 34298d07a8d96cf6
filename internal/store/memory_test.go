// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package store_test

import (
	"context"
	"testing"

	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/store"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutGetList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := store.NewMemory()

	rec := script.Record{ID: "s1", Name: "One", Enabled: true, Matches: []string{"<all_urls>"}}
	require.NoError(t, m.Put(ctx, rec))

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "One", got.Name)
	// Reads come back normalized.
	assert.NotNil(t, got.Excludes)
	assert.Equal(t, script.RunAtDocumentIdle, got.RunAt)

	require.NoError(t, m.Put(ctx, script.Record{ID: "s0", Name: "Zero"}))
	recs, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "s0", recs[0].ID, "list is ordered by id")
}

func TestMemoryGetUnknown(t *testing.T) {
	t.Parallel()

	_, err := store.NewMemory().Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, tamperr.IsNotFound(err))
}

func TestMemoryPutRequiresID(t *testing.T) {
	t.Parallel()

	err := store.NewMemory().Put(context.Background(), script.Record{})
	require.Error(t, err)
	assert.Equal(t, tamperr.CodeScriptInvalidInput, tamperr.CodeOf(err))
}

func TestMemoryDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.Put(ctx, script.Record{ID: "s1"}))
	require.NoError(t, m.Delete(ctx, "s1"))
	require.NoError(t, m.Delete(ctx, "s1"))

	recs, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryReplace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.Put(ctx, script.Record{ID: "old"}))

	require.NoError(t, m.Replace(ctx, []script.Record{{ID: "a"}, {ID: "b"}}))

	recs, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
}

func TestMemorySubscribeFiresOnMutation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := store.NewMemory()

	var fired int
	m.Subscribe(func() { fired++ })

	require.NoError(t, m.Put(ctx, script.Record{ID: "s1"}))
	require.NoError(t, m.Delete(ctx, "s1"))
	require.NoError(t, m.Replace(ctx, nil))
	assert.Equal(t, 3, fired)
}

func TestOpenUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := store.Open("papyrus", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, tamperr.CodeStoreBackendUnsupported, tamperr.CodeOf(err))
}

func TestOpenMemoryBackend(t *testing.T) {
	t.Parallel()

	s, err := store.Open("memory", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
