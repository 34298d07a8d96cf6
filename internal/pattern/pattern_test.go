// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package pattern_test

import (
	"testing"

	"github.com/opentamper/tamperd/internal/pattern"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAllURLs(t *testing.T) {
	t.Parallel()

	m, err := pattern.Compile(pattern.AllURLs)
	require.NoError(t, err)

	urls := []string{
		"http://example.com/",
		"https://example.com/path?q=1",
		"ws://socket.example.com/",
		"wss://socket.example.com/stream",
		"file:///home/user/script.user.js",
		"ftp://mirror.example.org/pub",
		"chrome-extension://abcdefgh/page.html",
	}
	for _, url := range urls {
		assert.True(t, m.MatchURL(url), "expected %s to match <all_urls>", url)
	}

	assert.False(t, m.MatchURL("about:blank"))
	assert.False(t, m.MatchURL("chrome://settings"))
}

func TestCompileRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rule string
		url  string
		want bool
	}{
		{"exact match", "https://example.com/path", "https://example.com/path", true},
		{"exact no match", "https://example.com/path", "https://example.com/other", false},
		{"star scheme http", "*://example.com/*", "http://example.com/x", true},
		{"star scheme https", "*://example.com/*", "https://example.com/x", true},
		{"star scheme rejects ws", "*://example.com/*", "ws://example.com/x", false},
		{"host wildcard subdomain", "https://*.example.com/*", "https://shop.example.com/x", true},
		{"host wildcard bare domain", "https://*.example.com/*", "https://example.com/x", false},
		{"bare star host", "https://*/search", "https://anything.net/search", true},
		{"bare star host needs nonempty", "https://*/search", "https:///search", false},
		{"path wildcard middle", "https://example.com/a/*/c", "https://example.com/a/b/c", true},
		{"path multiple wildcards", "https://example.com/*/v/*", "https://example.com/x/v/y/z", true},
		{"path escapes metacharacters", "https://example.com/a.b", "https://example.com/aXb", false},
		{"query matched via path wildcard", "https://example.com/p*", "https://example.com/p?q=1", true},
		{"file scheme path only", "file:///home/*/notes.txt", "file:///home/alice/notes.txt", true},
		{"file scheme no match", "file:///home/*/notes.txt", "file:///etc/notes.txt", false},
		{"ws scheme", "ws://relay.example.com/*", "ws://relay.example.com/socket", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := pattern.Compile(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.MatchURL(tt.url))
		})
	}
}

func TestCompileMalformed(t *testing.T) {
	t.Parallel()

	rules := []string{
		"",
		"not a rule",
		"gopher://example.com/",
		"https://example.com", // missing path
		"http:/example.com/",  // missing slash
		"*",
	}
	for _, rule := range rules {
		_, err := pattern.Compile(rule)
		require.Error(t, err, "rule %q should not compile", rule)
		assert.Equal(t, tamperr.CodePatternCompileInvalid, tamperr.CodeOf(err))
	}
}

func TestCacheMemoizesAndClears(t *testing.T) {
	t.Parallel()

	c := pattern.NewCache()

	first := c.Get("https://example.com/*")
	require.NotNil(t, first)
	second := c.Get("https://example.com/*")
	assert.Same(t, first, second)
	assert.Equal(t, 1, c.Len())

	// Failures are not cached.
	assert.Nil(t, c.Get("malformed"))
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.NotNil(t, c.Get("https://example.com/*"))
}

func TestMatchesURLFailsClosed(t *testing.T) {
	t.Parallel()

	c := pattern.NewCache()

	assert.False(t, c.MatchesURL(nil, nil, "https://example.com/"))
	assert.False(t, c.MatchesURL([]string{}, nil, "https://example.com/"))
}

func TestMatchesURLExcludeVeto(t *testing.T) {
	t.Parallel()

	c := pattern.NewCache()
	matches := []string{"https://*.example.com/*"}
	excludes := []string{"https://admin.example.com/*"}

	assert.True(t, c.MatchesURL(matches, excludes, "https://shop.example.com/x"))
	assert.False(t, c.MatchesURL(matches, excludes, "https://admin.example.com/x"))

	// Empty excludes never veto.
	assert.True(t, c.MatchesURL(matches, nil, "https://admin.example.com/x"))
}

func TestMatchesURLSkipsMalformedRules(t *testing.T) {
	t.Parallel()

	c := pattern.NewCache()

	// A malformed match rule counts as non-accepting.
	assert.False(t, c.MatchesURL([]string{"malformed"}, nil, "https://example.com/"))
	// A malformed exclude rule never vetoes.
	assert.True(t, c.MatchesURL([]string{"https://example.com/*"}, []string{"malformed"}, "https://example.com/"))
}
