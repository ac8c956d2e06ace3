// Package store persists pipeline runs in SQLite: run summaries, findings,
// indicator values, canonical records and stage events.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// insertChunk keeps multi-row inserts below SQLite's bound-variable limit.
const insertChunk = 50

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		registry_version TEXT,
		started_at DATETIME,
		duration_ms INTEGER,
		records INTEGER,
		findings INTEGER,
		indicator_values INTEGER,
		summary TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS findings (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		stage TEXT,
		severity TEXT,
		rule_id TEXT,
		record_ref TEXT,
		field TEXT,
		message TEXT,
		detected_value TEXT,
		PRIMARY KEY (run_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_rule ON findings (run_id, rule_id)`,
	`CREATE TABLE IF NOT EXISTS indicator_values (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		indicator TEXT NOT NULL,
		key TEXT NOT NULL,
		key_json TEXT,
		key_order TEXT,
		value REAL,
		confidence TEXT,
		contributing TEXT,
		PRIMARY KEY (run_id, indicator, key)
	)`,
	`CREATE TABLE IF NOT EXISTS canonical_records (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ref TEXT NOT NULL,
		source_id TEXT,
		row_index INTEGER,
		values_json TEXT,
		provenance_json TEXT,
		PRIMARY KEY (run_id, ref)
	)`,
	`CREATE TABLE IF NOT EXISTS stage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		stage TEXT,
		start_time DATETIME,
		end_time DATETIME,
		duration_ms INTEGER,
		records_in INTEGER,
		records_out INTEGER,
		findings INTEGER,
		worker_count INTEGER
	)`,
}

// Store is a SQLite-backed run repository. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: migrate: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) query(ctx context.Context, b sq.SelectBuilder) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return s.db.QueryContext(ctx, query, args...)
}
