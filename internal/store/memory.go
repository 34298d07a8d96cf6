// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/opentamper/tamperd/internal/script"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// Compile-time interface check.
var _ ScriptStore = (*Memory)(nil)

// Memory is an in-process ScriptStore used for tests and the memory backend.
type Memory struct {
	mu          sync.RWMutex
	records     map[string]script.Record
	subscribers []func()
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]script.Record)}
}

func (m *Memory) List(_ context.Context) ([]script.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := make([]script.Record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, script.Normalize(rec))
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

func (m *Memory) Get(_ context.Context, id string) (script.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return script.Record{}, tamperr.New(tamperr.CodeScriptNotFound, "script not found", tamperr.FieldScriptID(id))
	}
	return script.Normalize(rec), nil
}

func (m *Memory) Put(_ context.Context, rec script.Record) error {
	if rec.ID == "" {
		return tamperr.New(tamperr.CodeScriptInvalidInput, "script record requires an id")
	}

	m.mu.Lock()
	m.records[rec.ID] = script.Normalize(rec)
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) Replace(_ context.Context, recs []script.Record) error {
	next := make(map[string]script.Record, len(recs))
	for _, rec := range recs {
		if rec.ID == "" {
			return tamperr.New(tamperr.CodeScriptInvalidInput, "script record requires an id")
		}
		next[rec.ID] = script.Normalize(rec)
	}

	m.mu.Lock()
	m.records = next
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) Subscribe(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) notify() {
	m.mu.RLock()
	subs := append([]func(){}, m.subscribers...)
	m.mu.RUnlock()

	for _, fn := range subs {
		fn()
	}
}
