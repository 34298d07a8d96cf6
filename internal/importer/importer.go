// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

// Package importer turns a script source (remote URL, local file, or raw
// code) into a stored Record. Importing is strict: a source without a
// metadata block or with an unfetchable dependency is rejected outright,
// unlike the best-effort refresh paths.
package importer

import (
	"context"
	"os"
	"path/filepath"

	"github.com/opentamper/tamperd/internal/require"
	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/store"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// Importer builds and persists script records from their sources.
type Importer struct {
	store    store.ScriptStore
	resolver *require.Resolver
}

// New creates an Importer.
func New(scripts store.ScriptStore, resolver *require.Resolver) *Importer {
	return &Importer{store: scripts, resolver: resolver}
}

// FromURL imports a script by fetching rawURL. file:// URLs are read from
// disk and recorded as local sources.
func (i *Importer) FromURL(ctx context.Context, rawURL string, mode script.ImportMode) (script.Record, error) {
	if script.IsFileURL(rawURL) {
		path, err := require.FileURLPath(rawURL)
		if err != nil {
			return script.Record{}, err
		}
		return i.FromFile(ctx, path, mode)
	}

	code, err := i.resolver.Fetch(ctx, rawURL)
	if err != nil {
		return script.Record{}, err
	}
	return i.build(ctx, script.BuildInput{
		Code:       code,
		SourceURL:  rawURL,
		SourceType: script.SourceRemote,
		ImportMode: mode,
	})
}

// FromFile imports a script from a local path. The record keeps a file://
// source URL so refresh paths can re-read it.
func (i *Importer) FromFile(ctx context.Context, path string, mode script.ImportMode) (script.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return script.Record{}, tamperr.Wrapf(err, tamperr.CodeScriptImportMalformed, "reading script file %s", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return i.build(ctx, script.BuildInput{
		Code:       string(data),
		SourceURL:  "file://" + filepath.ToSlash(abs),
		FileName:   filepath.Base(path),
		SourceType: script.SourceLocal,
		ImportMode: mode,
	})
}

// FromCode imports raw script text pasted or posted directly.
func (i *Importer) FromCode(ctx context.Context, code, sourceURL string, mode script.ImportMode) (script.Record, error) {
	sourceType := script.SourceRemote
	if sourceURL == "" || script.IsFileURL(sourceURL) {
		sourceType = script.SourceLocal
	}
	return i.build(ctx, script.BuildInput{
		Code:       code,
		SourceURL:  sourceURL,
		SourceType: sourceType,
		ImportMode: mode,
	})
}

func (i *Importer) build(ctx context.Context, in script.BuildInput) (script.Record, error) {
	meta, ok := script.ParseMetadata(in.Code)
	if !ok {
		return script.Record{}, tamperr.New(tamperr.CodeScriptImportMalformed,
			"missing ==UserScript== metadata block", tamperr.FieldURL(in.SourceURL))
	}

	reqs, err := i.resolver.ResolveRaw(ctx, meta.RequireURLs(), in.SourceURL)
	if err != nil {
		return script.Record{}, err
	}
	in.Requires = reqs

	rec, err := script.Build(in)
	if err != nil {
		return script.Record{}, err
	}

	if err := i.store.Put(ctx, rec); err != nil {
		return script.Record{}, err
	}
	return rec, nil
}
