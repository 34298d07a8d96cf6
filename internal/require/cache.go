// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package require

import "sync"

// codeCache is a url to fragment-code map shared across resolution passes.
type codeCache struct {
	mu   sync.RWMutex
	code map[string]string
}

func newCodeCache() *codeCache {
	return &codeCache{code: make(map[string]string)}
}

func (c *codeCache) get(url string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	code, ok := c.code[url]
	return code, ok
}

func (c *codeCache) put(url, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[url] = code
}
