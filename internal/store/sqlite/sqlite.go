// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

// Package sqlite implements the script store on a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/store"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// Compile-time interface check.
var _ store.ScriptStore = (*Store)(nil)

// Store persists script records as their flat JSON shape in a scripts table.
type Store struct {
	db *sql.DB

	mu          sync.RWMutex
	subscribers []func()
}

// New opens (or creates) the scripts database under dataDir.
func New(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "scripts.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, tamperr.Wrap(err, tamperr.CodeStoreOpenFailure, "opening scripts db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, tamperr.Wrap(err, tamperr.CodeStoreOpenFailure, "pinging scripts db")
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, tamperr.Wrap(err, tamperr.CodeStoreOpenFailure, "migrating scripts db")
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS scripts (
	id         TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`
	_, err := db.Exec(ddl)
	return err
}

func (s *Store) List(ctx context.Context) ([]script.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM scripts ORDER BY id`)
	if err != nil {
		return nil, tamperr.Wrap(err, tamperr.CodeStoreDatabaseFailure, "listing scripts")
	}
	defer rows.Close()

	var recs []script.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, tamperr.Wrap(err, tamperr.CodeStoreDatabaseFailure, "scanning script row")
		}
		rec, err := script.Decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, tamperr.Wrap(err, tamperr.CodeStoreDatabaseFailure, "iterating script rows")
	}
	return recs, nil
}

func (s *Store) Get(ctx context.Context, id string) (script.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM scripts WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return script.Record{}, tamperr.New(tamperr.CodeScriptNotFound, "script not found", tamperr.FieldScriptID(id))
	}
	if err != nil {
		return script.Record{}, tamperr.Wrap(err, tamperr.CodeStoreDatabaseFailure, "reading script", tamperr.FieldScriptID(id))
	}
	return script.Decode([]byte(raw))
}

func (s *Store) Put(ctx context.Context, rec script.Record) error {
	if rec.ID == "" {
		return tamperr.New(tamperr.CodeScriptInvalidInput, "script record requires an id")
	}

	data, err := script.Normalize(rec).Encode()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO scripts (id, record, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		rec.ID, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return tamperr.Wrap(err, tamperr.CodeStoreDatabaseFailure, "storing script", tamperr.FieldScriptID(rec.ID))
	}

	s.notify()
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id = ?`, id); err != nil {
		return tamperr.Wrap(err, tamperr.CodeStoreDatabaseFailure, "deleting script", tamperr.FieldScriptID(id))
	}

	s.notify()
	return nil
}

func (s *Store) Replace(ctx context.Context, recs []script.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tamperr.Wrap(err, tamperr.CodeStoreDatabaseFailure, "beginning replace")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scripts`); err != nil {
		return tamperr.Wrap(err, tamperr.CodeStoreDatabaseFailure, "clearing scripts")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, rec := range recs {
		if rec.ID == "" {
			return tamperr.New(tamperr.CodeScriptInvalidInput, "script record requires an id")
		}
		data, err := script.Normalize(rec).Encode()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scripts (id, record, updated_at) VALUES (?, ?, ?)`,
			rec.ID, string(data), now); err != nil {
			return tamperr.Wrap(err, tamperr.CodeStoreDatabaseFailure, "storing script", tamperr.FieldScriptID(rec.ID))
		}
	}

	if err := tx.Commit(); err != nil {
		return tamperr.Wrap(err, tamperr.CodeStoreDatabaseFailure, "committing replace")
	}

	s.notify()
	return nil
}

func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) notify() {
	s.mu.RLock()
	subs := append([]func(){}, s.subscribers...)
	s.mu.RUnlock()

	for _, fn := range subs {
		fn()
	}
}
