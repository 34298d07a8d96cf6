// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

// Package require resolves the external code fragments a script declares as
// prerequisites. Remote fragments are fetched once and cached; local-file
// fragments are re-read from disk immediately before every execution or
// registration pass so a freshly saved file is always what runs.
package require

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/opentamper/tamperd/internal/script"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultRetryMax     = 2
	maxFragmentBytes    = 10 << 20
)

// Options configures a Resolver.
type Options struct {
	// FetchTimeout bounds each remote fetch. Zero means the default.
	FetchTimeout time.Duration

	// Strict makes per-pass resolution fail the owning script on a fetch
	// failure instead of degrading to stale-or-empty content.
	Strict bool

	// Transport overrides the HTTP transport, for tests.
	Transport http.RoundTripper
}

// Resolver fetches and caches dependency fragments.
type Resolver struct {
	client  *retryablehttp.Client
	timeout time.Duration
	strict  bool
	cache   *codeCache
}

// NewResolver creates a Resolver with a quiet retrying HTTP client.
func NewResolver(opts Options) *Resolver {
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	client := retryablehttp.NewClient()
	client.Logger = log.New(io.Discard, "", 0)
	client.RetryMax = defaultRetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	if opts.Transport != nil {
		client.HTTPClient.Transport = opts.Transport
	}

	return &Resolver{
		client:  client,
		timeout: timeout,
		strict:  opts.Strict,
		cache:   newCodeCache(),
	}
}

// Resolve refreshes the dependency fragments of rec for one execution or
// registration pass. Local-file URLs are always re-read; remote URLs use the
// cache when populated. An individual fetch failure keeps the prior cached
// code, or degrades to an empty stub when none was ever obtained, so the
// script still runs with best-effort content unless Strict is set.
func (r *Resolver) Resolve(ctx context.Context, rec script.Record) ([]script.Require, error) {
	resolved := make([]script.Require, 0, len(rec.Requires))

	for _, req := range rec.Requires {
		target := script.ResolveRelative(req.URL, rec.SourceURL)
		if target == "" {
			continue
		}

		if script.IsFileURL(target) {
			code, err := readFileURL(target)
			if err != nil {
				if r.strict {
					return nil, err
				}
				slog.Warn("failed to read local dependency, using last known content",
					"script_id", rec.ID, "url", target, "error", err)
				code = req.Code
			}
			resolved = append(resolved, script.Require{URL: target, Code: code})
			continue
		}

		if req.Code != "" {
			r.cache.put(target, req.Code)
			resolved = append(resolved, script.Require{URL: target, Code: req.Code})
			continue
		}

		if code, ok := r.cache.get(target); ok {
			resolved = append(resolved, script.Require{URL: target, Code: code})
			continue
		}

		code, err := r.Fetch(ctx, target)
		if err != nil {
			if r.strict {
				return nil, err
			}
			slog.Warn("failed to fetch dependency, degrading to empty stub",
				"script_id", rec.ID, "url", target, "error", err)
			resolved = append(resolved, script.Require{URL: target})
			continue
		}

		r.cache.put(target, code)
		resolved = append(resolved, script.Require{URL: target, Code: code})
	}

	return resolved, nil
}

// ResolveRaw resolves raw @require URLs at import time, relative to baseURL,
// dropping duplicates after resolution. Import is strict: any fetch failure
// aborts so a broken source surfaces to the importer instead of producing a
// silently crippled script.
func (r *Resolver) ResolveRaw(ctx context.Context, rawURLs []string, baseURL string) ([]script.Require, error) {
	resolved := make([]script.Require, 0, len(rawURLs))
	seen := make(map[string]bool, len(rawURLs))

	for _, raw := range rawURLs {
		target := script.ResolveRelative(raw, baseURL)
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true

		var (
			code string
			err  error
		)
		if script.IsFileURL(target) {
			code, err = readFileURL(target)
		} else {
			code, err = r.Fetch(ctx, target)
		}
		if err != nil {
			return nil, err
		}

		resolved = append(resolved, script.Require{URL: target, Code: code})
	}

	return resolved, nil
}

// Fetch retrieves the body of a remote URL, classifying timeouts as their
// own error kind so callers can react differently.
func (r *Resolver) Fetch(ctx context.Context, rawURL string) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(fetchCtx, "GET", rawURL, nil)
	if err != nil {
		return "", tamperr.Wrap(err, tamperr.CodeFetchFailure, "building fetch request", tamperr.FieldURL(rawURL))
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := r.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", tamperr.Wrap(err, tamperr.CodeFetchTimeout, "fetch timed out", tamperr.FieldURL(rawURL))
		}
		return "", tamperr.Wrap(err, tamperr.CodeFetchFailure, "fetching url", tamperr.FieldURL(rawURL))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", tamperr.New(tamperr.CodeFetchFailure, "unexpected http status",
			tamperr.FieldURL(rawURL), tamperr.Field("status", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFragmentBytes))
	if err != nil {
		return "", tamperr.Wrap(err, tamperr.CodeFetchFailure, "reading fetch body", tamperr.FieldURL(rawURL))
	}

	return string(body), nil
}

// CachedCode returns the cached fragment for a remote URL, if present.
func (r *Resolver) CachedCode(url string) (string, bool) {
	return r.cache.get(url)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readFileURL reads the file behind a file:// URL.
func readFileURL(rawURL string) (string, error) {
	path, err := FileURLPath(rawURL)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", tamperr.Wrap(err, tamperr.CodeFetchFailure, "reading local file", tamperr.FieldURL(rawURL))
	}
	return string(data), nil
}

// FileURLPath converts a file:// URL into a filesystem path.
func FileURLPath(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || !strings.EqualFold(parsed.Scheme, "file") {
		return "", tamperr.New(tamperr.CodeScriptInvalidInput, "not a file url", tamperr.FieldURL(rawURL))
	}
	if parsed.Path == "" {
		return "", tamperr.New(tamperr.CodeScriptInvalidInput, "file url has no path", tamperr.FieldURL(rawURL))
	}
	return parsed.Path, nil
}
