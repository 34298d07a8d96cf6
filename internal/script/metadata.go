// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package script

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

var metaBlockRe = regexp.MustCompile(`(?s)==UserScript==(.*?)==/UserScript==`)

// Metadata holds the parsed ==UserScript== annotation block. Keys are
// lowercased without the "@" prefix; repeated tags accumulate in order.
type Metadata map[string][]string

// First returns the first value for key, or "".
func (m Metadata) First(key string) string {
	if vals := m[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// ParseMetadata extracts the ==UserScript== block from code. The second
// return value reports whether a block was present at all.
func ParseMetadata(code string) (Metadata, bool) {
	meta := Metadata{}

	match := metaBlockRe.FindStringSubmatch(code)
	if match == nil {
		return meta, false
	}

	for _, line := range strings.Split(match[1], "\n") {
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimPrefix(trimmed, "//")
		trimmed = strings.TrimPrefix(trimmed, "*")
		trimmed = strings.TrimSpace(trimmed)
		if !strings.HasPrefix(trimmed, "@") {
			continue
		}

		fields := strings.Fields(trimmed)
		key := strings.ToLower(strings.TrimPrefix(fields[0], "@"))
		value := strings.TrimSpace(strings.Join(fields[1:], " "))
		if key == "" {
			continue
		}

		// Boolean-style tags (@noframes) carry no value; record their
		// presence so the derivations below can see them.
		if value == "" && key != "noframes" {
			continue
		}
		meta[key] = append(meta[key], value)
	}

	return meta, true
}

// RequireURLs returns the raw @require values in declaration order.
func (m Metadata) RequireURLs() []string {
	return append([]string(nil), m["require"]...)
}

func deriveMatches(meta Metadata) []string {
	if len(meta["match"]) > 0 {
		return append([]string(nil), meta["match"]...)
	}
	if len(meta["include"]) > 0 {
		return append([]string(nil), meta["include"]...)
	}
	return []string{AllURLsRule}
}

// AllURLsRule is re-exported here so callers defaulting matches do not need
// the pattern package.
const AllURLsRule = "<all_urls>"

func deriveExcludes(meta Metadata) []string {
	return append([]string(nil), meta["exclude"]...)
}

func deriveRunAt(meta Metadata) RunAt {
	value := strings.ToLower(meta.First("run-at"))
	switch {
	case strings.Contains(value, "document-start"):
		return RunAtDocumentStart
	case strings.Contains(value, "document-end"), strings.Contains(value, "document-ready"):
		return RunAtDocumentEnd
	default:
		return RunAtDocumentIdle
	}
}

func deriveNoFrames(meta Metadata) bool {
	_, ok := meta["noframes"]
	return ok
}

func deriveAllFrames(meta Metadata) bool {
	for _, v := range meta["all-frames"] {
		if strings.EqualFold(v, "true") {
			return true
		}
	}
	return false
}

func deriveMatchAboutBlank(meta Metadata) bool {
	values := meta["match-about-blank"]
	if len(values) == 0 {
		values = meta["matchaboutblank"]
	}
	for _, v := range values {
		if strings.EqualFold(v, "true") {
			return true
		}
	}
	return false
}

func deriveGrants(meta Metadata) []string {
	grants := make([]string, 0, len(meta["grant"]))
	for _, g := range meta["grant"] {
		if strings.EqualFold(g, "none") {
			continue
		}
		grants = append(grants, g)
	}
	return grants
}

func deriveName(meta Metadata, origin string) string {
	if name := meta.First("name"); name != "" {
		return name
	}
	parsed, err := url.Parse(origin)
	if err == nil {
		segments := strings.Split(parsed.Path, "/")
		if last := segments[len(segments)-1]; last != "" {
			return last
		}
	}
	return origin
}

// BuildInput carries everything needed to construct a Record from source
// code. Requires are pre-resolved by the caller; rebuild passes Prior so id,
// enabled state, and auto-update bookkeeping survive the rebuild.
type BuildInput struct {
	Code       string
	SourceURL  string
	FileName   string
	SourceType SourceType
	ImportMode ImportMode
	Requires   []Require
	Prior      *Record
	Now        time.Time
}

// Build constructs a normalized Record from in. The code must carry a
// ==UserScript== metadata block; importing annotation-less code is refused
// so malformed sources surface at the import boundary instead of silently
// matching every URL.
func Build(in BuildInput) (Record, error) {
	meta, ok := ParseMetadata(in.Code)
	if !ok {
		return Record{}, tamperr.New(tamperr.CodeScriptImportMalformed,
			"missing ==UserScript== metadata block", tamperr.FieldURL(in.SourceURL))
	}

	origin := in.SourceURL
	if origin == "" {
		origin = in.FileName
	}
	if origin == "" {
		origin = "local-file"
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rec := Record{
		ID:              uuid.NewString(),
		Name:            deriveName(meta, origin),
		Description:     meta.First("description"),
		Version:         meta.First("version"),
		SourceType:      in.SourceType,
		SourceURL:       in.SourceURL,
		FileName:        in.FileName,
		Code:            in.Code,
		Matches:         deriveMatches(meta),
		Excludes:        deriveExcludes(meta),
		Requires:        in.Requires,
		RunAt:           deriveRunAt(meta),
		NoFrames:        deriveNoFrames(meta),
		AllFrames:       deriveAllFrames(meta),
		MatchAboutBlank: deriveMatchAboutBlank(meta),
		Grants:          deriveGrants(meta),
		ImportMode:      in.ImportMode,
		Enabled:         true,
		LastUpdated:     now,
	}

	if in.SourceType == SourceRemote && UpdatableSource(in.SourceURL) {
		rec.AutoUpdateEnabled = true
	}

	if in.Prior != nil {
		rec.ID = in.Prior.ID
		rec.Enabled = in.Prior.Enabled
		rec.AutoUpdateEnabled = in.Prior.AutoUpdateEnabled
		rec.AutoUpdateLastChecked = in.Prior.AutoUpdateLastChecked
	}

	return Normalize(rec), nil
}
