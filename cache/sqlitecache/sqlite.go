//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlitecache persists materialized results in a SQLite database, so
// cached nodes survive process restarts. It implements cache.Saver.
package sqlitecache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no cgo

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS results (
	fingerprint TEXT PRIMARY KEY,
	schema      TEXT NOT NULL,
	rows        BLOB NOT NULL,
	row_count   INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);`

// Saver stores results in a SQLite file, one row per fingerprint. Cell
// values are encoded as JSON and restored to their logical types through the
// stored schema.
type Saver struct {
	db *sql.DB
}

// Open creates or opens the cache database at path. ":memory:" gives an
// ephemeral database for tests.
func Open(path string) (*Saver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitecache: open %s: %w", path, err)
	}
	// The driver serializes writes per connection; a single connection
	// avoids SQLITE_BUSY when workers save concurrently.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitecache: init schema: %w", err)
	}
	return &Saver{db: db}, nil
}

// Save implements cache.Saver.
func (s *Saver) Save(ctx context.Context, fingerprint string, t *frame.Table) error {
	schemaJSON, err := json.Marshal(t.Schema)
	if err != nil {
		return fmt.Errorf("sqlitecache: encode schema: %w", err)
	}
	cells := make([][]any, len(t.Rows))
	for i, row := range t.Rows {
		rec := make([]any, len(t.Schema))
		for j, f := range t.Schema {
			rec[j] = encodeCell(row[f.Name])
		}
		cells[i] = rec
	}
	rowsJSON, err := json.Marshal(cells)
	if err != nil {
		return fmt.Errorf("sqlitecache: encode rows: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (fingerprint, schema, rows, row_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			schema = excluded.schema,
			rows = excluded.rows,
			row_count = excluded.row_count,
			created_at = excluded.created_at`,
		fingerprint, string(schemaJSON), rowsJSON, len(t.Rows), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlitecache: save %s: %w", fingerprint, err)
	}
	return nil
}

// Load implements cache.Saver.
func (s *Saver) Load(ctx context.Context, fingerprint string) (*frame.Table, bool, error) {
	var schemaJSON, rowsJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT schema, rows FROM results WHERE fingerprint = ?`, fingerprint).
		Scan(&schemaJSON, &rowsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitecache: load %s: %w", fingerprint, err)
	}
	var schema frame.Schema
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return nil, false, fmt.Errorf("sqlitecache: decode schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(rowsJSON))
	dec.UseNumber()
	var cells [][]any
	if err := dec.Decode(&cells); err != nil {
		return nil, false, fmt.Errorf("sqlitecache: decode rows: %w", err)
	}
	rows := make([]frame.Row, len(cells))
	for i, rec := range cells {
		if len(rec) != len(schema) {
			return nil, false, fmt.Errorf("sqlitecache: row %d has %d cells, schema has %d",
				i, len(rec), len(schema))
		}
		row := make(frame.Row, len(schema))
		for j, f := range schema {
			v, err := decodeCell(rec[j], f.Type)
			if err != nil {
				return nil, false, fmt.Errorf("sqlitecache: row %d column %q: %w", i, f.Name, err)
			}
			row[f.Name] = v
		}
		rows[i] = row
	}
	return &frame.Table{Schema: schema, Rows: rows}, true, nil
}

// Delete implements cache.Saver.
func (s *Saver) Delete(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM results WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("sqlitecache: delete %s: %w", fingerprint, err)
	}
	return nil
}

// Clear implements cache.Saver.
func (s *Saver) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM results`); err != nil {
		return fmt.Errorf("sqlitecache: clear: %w", err)
	}
	return nil
}

// Close implements cache.Saver.
func (s *Saver) Close() error { return s.db.Close() }

func encodeCell(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func decodeCell(v any, t frame.DataType) (any, error) {
	if v == nil {
		return nil, nil
	}
	if n, ok := v.(json.Number); ok {
		switch t {
		case frame.TypeInt64:
			return n.Int64()
		case frame.TypeFloat64:
			return n.Float64()
		default:
			if i, err := n.Int64(); err == nil {
				return frame.CoerceValue(i, t)
			}
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("unparsable number %q", n.String())
			}
			return frame.CoerceValue(f, t)
		}
	}
	return frame.CoerceValue(v, t)
}
