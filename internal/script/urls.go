// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package script

import (
	"net/url"
	"strings"
)

// UpdatableSource reports whether rawURL points at a host that supports
// update discovery. Only GitHub-hosted sources qualify; auto-update is
// clamped off for everything else.
func UpdatableSource(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	switch {
	case host == "github.com", host == "www.github.com":
		return true
	case strings.HasSuffix(host, ".github.com"):
		return true
	case host == "raw.githubusercontent.com":
		return true
	case strings.HasSuffix(host, ".githubusercontent.com"):
		return true
	}
	return false
}

// IsFileURL reports whether rawURL uses the local file scheme.
func IsFileURL(rawURL string) bool {
	return strings.HasPrefix(strings.ToLower(rawURL), "file://")
}

// ResolveRelative resolves ref against base, returning ref unchanged when it
// cannot be parsed or base is empty.
func ResolveRelative(ref, base string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if parsed.IsAbs() || base == "" {
		return parsed.String()
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(parsed).String()
}
