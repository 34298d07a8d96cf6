// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

// Package script defines the canonical userscript record and the
// normalization applied at the deserialization boundary. Stored records are
// loosely shaped; every read path goes through Normalize so the rest of the
// engine only ever sees fully-defaulted values.
package script

import (
	"encoding/json"
	"time"

	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// SourceType identifies where a script's code came from.
type SourceType string

const (
	SourceRemote SourceType = "remote"
	SourceLocal  SourceType = "local"
)

// RunAt is the document lifecycle stage a script executes at.
type RunAt string

const (
	RunAtDocumentStart RunAt = "document_start"
	RunAtDocumentEnd   RunAt = "document_end"
	RunAtDocumentIdle  RunAt = "document_idle"
)

// validRunAts enumerates recognized run-at stages.
var validRunAts = map[RunAt]bool{
	RunAtDocumentStart: true,
	RunAtDocumentEnd:   true,
	RunAtDocumentIdle:  true,
}

// ImportMode distinguishes standalone scripts from records that exist only
// to be embedded as a dependency of a local file.
type ImportMode string

const (
	ImportModeScript  ImportMode = "script"
	ImportModeRequire ImportMode = "require"
)

// GrantXHR is the capability name gating the privileged request relay.
const GrantXHR = "GM_xmlhttpRequest"

// Require is one resolved dependency fragment. Order is execution order.
type Require struct {
	URL  string `json:"url"`
	Code string `json:"code"`
}

// Record is one managed userscript in its canonical, fully-defaulted shape.
type Record struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	SourceType SourceType `json:"sourceType"`
	SourceURL  string     `json:"sourceUrl,omitempty"`
	FileName   string     `json:"fileName,omitempty"`

	Code     string    `json:"code"`
	Matches  []string  `json:"matches"`
	Excludes []string  `json:"excludes"`
	Requires []Require `json:"requires"`

	RunAt           RunAt `json:"runAt"`
	AllFrames       bool  `json:"allFrames"`
	NoFrames        bool  `json:"noframes"`
	MatchAboutBlank bool  `json:"matchAboutBlank"`

	Grants     []string   `json:"grants"`
	ImportMode ImportMode `json:"importMode"`
	Enabled    bool       `json:"enabled"`

	AutoUpdateEnabled     bool      `json:"autoUpdateEnabled"`
	AutoUpdateLastChecked time.Time `json:"autoUpdateLastChecked,omitempty"`
	LastUpdated           time.Time `json:"lastUpdated,omitempty"`
}

// Normalize returns rec with every optional field filled with its documented
// default. Array-typed fields are coerced to non-nil slices, unknown enum
// values fall back to their defaults, and autoUpdateEnabled is clamped to
// records that are actually update-capable. Normalize is idempotent.
func Normalize(rec Record) Record {
	if rec.SourceType != SourceRemote && rec.SourceType != SourceLocal {
		rec.SourceType = SourceRemote
	}
	if !validRunAts[rec.RunAt] {
		rec.RunAt = RunAtDocumentIdle
	}
	if rec.ImportMode != ImportModeScript && rec.ImportMode != ImportModeRequire {
		rec.ImportMode = ImportModeScript
	}

	if rec.Matches == nil {
		rec.Matches = []string{}
	}
	if rec.Excludes == nil {
		rec.Excludes = []string{}
	}
	if rec.Requires == nil {
		rec.Requires = []Require{}
	}
	if rec.Grants == nil {
		rec.Grants = []string{}
	}

	// A stored true value on an ineligible record must not silently enable
	// unsupported update behavior.
	if rec.AutoUpdateEnabled && !(rec.SourceType == SourceRemote && UpdatableSource(rec.SourceURL)) {
		rec.AutoUpdateEnabled = false
	}

	return rec
}

// Decode deserializes a persisted record, applying the documented defaults
// for absent fields (notably enabled=true) before normalizing.
func Decode(data []byte) (Record, error) {
	rec := Record{Enabled: true}
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, tamperr.Wrap(err, tamperr.CodeScriptInvalidInput, "decoding script record")
	}
	return Normalize(rec), nil
}

// Encode serializes rec into the flat persisted shape.
func (r Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, tamperr.Wrap(err, tamperr.CodeScriptInvalidInput, "encoding script record", tamperr.FieldScriptID(r.ID))
	}
	return data, nil
}

// Eligible reports whether the script may run at all: it must be enabled and
// carry at least one match rule.
func (r Record) Eligible() bool {
	return r.Enabled && len(r.Matches) > 0
}

// Injectable reports whether the script is a valid top-level injection
// target. Records with importMode=require exist only to be embedded as a
// dependency and are never independently injected.
func (r Record) Injectable() bool {
	return r.ImportMode != ImportModeRequire
}

// HasGrant reports whether the script declares the named capability.
func (r Record) HasGrant(name string) bool {
	for _, g := range r.Grants {
		if g == name {
			return true
		}
	}
	return false
}

// HasLocalRequires reports whether any dependency references a
// local-file-scheme URL. Such scripts demand per-navigation freshness that
// declarative registration cannot provide.
func (r Record) HasLocalRequires() bool {
	for _, req := range r.Requires {
		if IsFileURL(req.URL) {
			return true
		}
	}
	return false
}

// SourceLabel is the display/source-map label for the script.
func (r Record) SourceLabel() string {
	if r.SourceURL != "" {
		return r.SourceURL
	}
	if r.FileName != "" {
		return r.FileName
	}
	return "tamperd/" + r.ID + ".user.js"
}
