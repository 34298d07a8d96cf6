// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

// Package store persists script records and notifies subscribers of
// changes. Backends are expected to be eventually consistent with callers;
// the engine recomputes its derived state from a full List on every
// reconciliation pass rather than tracking deltas.
package store

import (
	"context"

	"github.com/opentamper/tamperd/internal/script"
)

// ScriptStore is the persistent collection of managed scripts.
// All reads return normalized records.
type ScriptStore interface {
	// List returns every stored record.
	List(ctx context.Context) ([]script.Record, error)

	// Get returns the record with the given id.
	Get(ctx context.Context, id string) (script.Record, error)

	// Put inserts or replaces one record.
	Put(ctx context.Context, rec script.Record) error

	// Delete removes the record with the given id. Deleting an unknown id
	// is not an error.
	Delete(ctx context.Context, id string) error

	// Replace swaps the entire collection in one operation.
	Replace(ctx context.Context, recs []script.Record) error

	// Subscribe registers fn to be invoked after every successful mutation.
	// Callbacks run on the mutating goroutine and must not block.
	Subscribe(fn func())

	Close() error
}
