// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package pattern

import (
	"log/slog"
	"sync"
)

// Cache memoizes compiled matchers by raw rule string. Entries live until
// the next Clear; clearing bounds memory across reconciliation passes and
// is never needed for correctness (compilation is a pure function of the
// rule string). Compile failures are logged once per appearance and are
// not cached.
type Cache struct {
	mu       sync.Mutex
	matchers map[string]*Matcher
}

// NewCache creates an empty matcher cache.
func NewCache() *Cache {
	return &Cache{matchers: make(map[string]*Matcher)}
}

// Get returns the compiled matcher for rule, or nil if the rule is
// malformed.
func (c *Cache) Get(rule string) *Matcher {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.matchers[rule]; ok {
		return m
	}

	m, err := Compile(rule)
	if err != nil {
		slog.Warn("failed to compile match rule", "rule", rule, "error", err)
		return nil
	}

	c.matchers[rule] = m
	return m
}

// Clear forgets all cached matchers.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matchers = make(map[string]*Matcher)
}

// Len reports the number of cached matchers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.matchers)
}

// MatchesURL applies the matches/excludes contract for one script: it fails
// closed when matches is empty, accepts when at least one match rule accepts
// the URL, and vetoes when any exclude rule accepts it. Uncompilable rules
// count as non-accepting on both sides.
func (c *Cache) MatchesURL(matches, excludes []string, url string) bool {
	if len(matches) == 0 {
		return false
	}

	included := false
	for _, rule := range matches {
		if m := c.Get(rule); m != nil && m.MatchURL(url) {
			included = true
			break
		}
	}
	if !included {
		return false
	}

	for _, rule := range excludes {
		if m := c.Get(rule); m != nil && m.MatchURL(url) {
			return false
		}
	}

	return true
}
