// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package dispatch

import (
	"context"
	"encoding/json"

	"github.com/opentamper/tamperd/internal/script"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// ControlTypeRun is the control envelope type for user-triggered execution.
const ControlTypeRun = "runScriptsForTab"

// RunRequest is the runScriptsForTab control envelope. TabID is a pointer
// so a missing field is distinguishable from tab 0.
type RunRequest struct {
	Type     string `json:"type"`
	TabID    *int   `json:"tabId"`
	URL      string `json:"url,omitempty"`
	ScriptID string `json:"scriptId,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

// RunResponse is the control reply envelope.
type RunResponse struct {
	OK    bool     `json:"ok"`
	Ran   []string `json:"ran,omitempty"`
	Error string   `json:"error,omitempty"`
}

// RunScriptsForTab executes scripts in a tab on user demand. Without a
// scriptId every enabled matching script runs; with one, that script runs
// after eligibility checks, and force bypasses only the URL-match check.
// Forced runs inject; unforced runs replay the run trigger of the payload
// already present in the page. A failed injection falls back to the trigger.
func (d *Dispatcher) RunScriptsForTab(ctx context.Context, req RunRequest) ([]string, error) {
	if req.TabID == nil {
		return nil, tamperr.New(tamperr.CodeDispatchTabInvalid, "invalid tab id")
	}
	tab := TabID(*req.TabID)

	url := req.URL
	if url == "" {
		resolved, err := d.injector.TabURL(ctx, tab)
		if err != nil {
			return nil, tamperr.Wrap(err, tamperr.CodeDispatchURLUnresolved,
				"resolving tab url", tamperr.FieldTabID(int(tab)))
		}
		url = resolved
	}
	if url == "" {
		return nil, tamperr.New(tamperr.CodeDispatchURLUnresolved, "tab has no url",
			tamperr.FieldTabID(int(tab)))
	}
	if internalURL(url) {
		return []string{}, nil
	}

	targets, err := d.runTargets(ctx, url, req.ScriptID, req.Force)
	if err != nil {
		return nil, err
	}

	ran := make([]string, 0, len(targets))
	for _, rec := range targets {
		if req.Force {
			if err := d.Inject(ctx, tab, rec); err == nil {
				ran = append(ran, rec.ID)
				continue
			}
		}
		if err := d.injector.DispatchRunEvent(ctx, tab, rec.ID); err == nil {
			ran = append(ran, rec.ID)
		}
	}
	return ran, nil
}

func (d *Dispatcher) runTargets(ctx context.Context, url, scriptID string, force bool) ([]script.Record, error) {
	if scriptID != "" {
		rec, err := d.store.Get(ctx, scriptID)
		if err != nil {
			return nil, err
		}
		if !rec.Enabled {
			return nil, tamperr.New(tamperr.CodeScriptDisabled, "script is disabled",
				tamperr.FieldScriptID(scriptID))
		}
		if !rec.Injectable() {
			return nil, tamperr.New(tamperr.CodeScriptInvalidInput, "script is a dependency-only record",
				tamperr.FieldScriptID(scriptID))
		}
		if !d.patterns.MatchesURL(rec.Matches, rec.Excludes, url) && !force {
			return nil, tamperr.New(tamperr.CodeScriptNoMatch, "script does not match this url",
				tamperr.FieldScriptID(scriptID), tamperr.FieldURL(url))
		}
		return []script.Record{rec}, nil
	}

	recs, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]script.Record, 0, len(recs))
	for _, rec := range recs {
		if !rec.Eligible() || !rec.Injectable() {
			continue
		}
		if d.patterns.MatchesURL(rec.Matches, rec.Excludes, url) {
			targets = append(targets, rec)
		}
	}
	return targets, nil
}

// HandleControlMessage parses and serves one raw control envelope. The
// reply is always well-formed JSON; protocol failures surface inside the
// envelope as ok:false, never as a Go error.
func (d *Dispatcher) HandleControlMessage(ctx context.Context, raw []byte) []byte {
	var req RunRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalResponse(RunResponse{OK: false, Error: "malformed control message"})
	}
	if req.Type != ControlTypeRun {
		return marshalResponse(RunResponse{OK: false, Error: "unsupported control message type"})
	}

	ran, err := d.RunScriptsForTab(ctx, req)
	if err != nil {
		return marshalResponse(RunResponse{OK: false, Error: err.Error()})
	}
	return marshalResponse(RunResponse{OK: true, Ran: ran})
}

func marshalResponse(resp RunResponse) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"ok":false,"error":"internal encoding failure"}`)
	}
	return out
}
