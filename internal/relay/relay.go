// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

// Package relay executes GM_xmlhttpRequest calls on behalf of page-side
// shims. Every request re-validates the grant at call time against the
// store, so a revoked or disabled script loses network access immediately.
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opentamper/tamperd/internal/payload"
	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/store"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

const (
	// TypeRequest through TypeError are the wire message kinds.
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeError    = "error"

	defaultTimeout = 60 * time.Second
	maxBodyBytes   = 50 << 20
)

// Redirect policies a script may request.
const (
	RedirectFollow = "follow"
	RedirectError  = "error"
	RedirectManual = "manual"
)

// Message is the relay wire envelope. The channel name is shared with the
// page-side shim emitted by the payload builder.
type Message struct {
	Channel  string    `json:"channel"`
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	ScriptID string    `json:"scriptId,omitempty"`
	Details  *Details  `json:"details,omitempty"`
	Response *Response `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Details describes one requested HTTP call.
type Details struct {
	Method       string            `json:"method,omitempty"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Data         string            `json:"data,omitempty"`
	Timeout      int               `json:"timeout,omitempty"` // milliseconds
	ResponseType string            `json:"responseType,omitempty"`
	Anonymous    bool              `json:"anonymous,omitempty"`
	Redirect     string            `json:"redirect,omitempty"`
}

// Response mirrors the XHR response surface the shim reconstructs.
type Response struct {
	Status          int    `json:"status"`
	StatusText      string `json:"statusText"`
	ResponseHeaders string `json:"responseHeaders"`
	ResponseText    string `json:"responseText,omitempty"`
	Body            any    `json:"response,omitempty"`
	FinalURL        string `json:"finalUrl"`
	ResponseType    string `json:"responseType,omitempty"`
}

// Relay serves relay request messages.
type Relay struct {
	store     store.ScriptStore
	transport http.RoundTripper
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]context.CancelFunc
}

// Options configures a Relay.
type Options struct {
	// Transport overrides the HTTP transport, for tests.
	Transport http.RoundTripper
	// DefaultTimeout bounds requests that carry no timeout of their own.
	DefaultTimeout time.Duration
}

// New creates a Relay backed by the script store for grant checks.
func New(scripts store.ScriptStore, opts Options) *Relay {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Relay{
		store:     scripts,
		transport: transport,
		timeout:   timeout,
		pending:   make(map[string]context.CancelFunc),
	}
}

// Handle serves one relay envelope. Failures come back inside the envelope
// as a type:"error" message addressed to the same correlation id; Handle
// itself never fails.
func (r *Relay) Handle(ctx context.Context, msg Message) Message {
	resp, err := r.Do(ctx, msg)
	if err != nil {
		return Message{Channel: payload.RelayChannel, ID: msg.ID, Type: TypeError, Error: err.Error()}
	}
	return Message{Channel: payload.RelayChannel, ID: msg.ID, Type: TypeResponse, Response: resp}
}

// Abort cancels the in-flight request with the given correlation id.
func (r *Relay) Abort(id string) {
	r.mu.Lock()
	cancel := r.pending[id]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Do validates, authorizes, and executes one relayed request.
func (r *Relay) Do(ctx context.Context, msg Message) (*Response, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, msg.ScriptID); err != nil {
		return nil, err
	}

	timeout := r.timeout
	if msg.Details.Timeout > 0 {
		timeout = time.Duration(msg.Details.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.track(msg.ID, cancel)
	defer r.untrack(msg.ID)

	resp, err := r.execute(ctx, msg.Details)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, tamperr.Wrap(err, tamperr.CodeRelayRequestTimeout, "relayed request timed out",
				tamperr.FieldURL(msg.Details.URL))
		}
		return nil, tamperr.Wrap(err, tamperr.CodeRelayUpstreamFailure, "relayed request failed",
			tamperr.FieldURL(msg.Details.URL))
	}
	return resp, nil
}

func validate(msg Message) error {
	switch {
	case msg.Channel != payload.RelayChannel:
		return tamperr.New(tamperr.CodeRelayRequestInvalid, "unknown relay channel")
	case msg.Type != TypeRequest:
		return tamperr.New(tamperr.CodeRelayRequestInvalid, "not a relay request")
	case msg.Details == nil || msg.Details.URL == "":
		return tamperr.New(tamperr.CodeRelayRequestInvalid, "missing request details")
	case msg.ScriptID == "":
		return tamperr.New(tamperr.CodeRelayRequestInvalid, "missing script id")
	}
	return nil
}

// authorize checks the grant against current store state. The check happens
// per request, not at payload build time, so revocation takes effect without
// a page reload and before any network traffic.
func (r *Relay) authorize(ctx context.Context, scriptID string) error {
	rec, err := r.store.Get(ctx, scriptID)
	if err != nil {
		// Not wrapped: the store's not-found code would win code
		// resolution, and an unknown caller is a grant refusal here.
		return tamperr.New(tamperr.CodeGrantViolation, "unknown requesting script",
			tamperr.FieldScriptID(scriptID))
	}
	if !rec.Enabled || !rec.HasGrant(script.GrantXHR) {
		return tamperr.New(tamperr.CodeGrantViolation, "script does not grant GM_xmlhttpRequest",
			tamperr.FieldScriptID(scriptID))
	}
	return nil
}

func (r *Relay) track(id string, cancel context.CancelFunc) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.pending[id] = cancel
	r.mu.Unlock()
}

func (r *Relay) untrack(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Relay) execute(ctx context.Context, d *Details) (*Response, error) {
	method := strings.ToUpper(d.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if d.Data != "" {
		body = bytes.NewReader([]byte(d.Data))
	}

	req, err := http.NewRequestWithContext(ctx, method, d.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}
	if d.Anonymous {
		req.Header.Del("Cookie")
		req.Header.Del("Authorization")
	}

	// A fresh client per request keeps the redirect policy request-scoped.
	// No retries: the relay must preserve the author's request semantics.
	client := &http.Client{
		Transport:     r.transport,
		CheckRedirect: redirectPolicy(d.Redirect),
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	out := &Response{
		Status:          resp.StatusCode,
		StatusText:      http.StatusText(resp.StatusCode),
		ResponseHeaders: flattenHeaders(resp.Header),
		FinalURL:        resp.Request.URL.String(),
		ResponseType:    d.ResponseType,
	}

	switch d.ResponseType {
	case "arraybuffer", "blob":
		out.Body = base64.StdEncoding.EncodeToString(raw)
	case "json":
		out.ResponseText = string(raw)
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			out.Body = parsed
		}
	default:
		out.ResponseText = string(raw)
		out.Body = string(raw)
	}
	return out, nil
}

func redirectPolicy(policy string) func(*http.Request, []*http.Request) error {
	switch policy {
	case RedirectError:
		return func(*http.Request, []*http.Request) error {
			return tamperr.New(tamperr.CodeRelayUpstreamFailure, "redirect refused by policy")
		}
	case RedirectManual:
		return func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	default:
		return nil
	}
}

// flattenHeaders renders headers the way XHR getAllResponseHeaders does,
// one "name: value" pair per CRLF-terminated line, sorted for stability.
func flattenHeaders(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			b.WriteString(strings.ToLower(k))
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}
