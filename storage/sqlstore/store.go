// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package sqlstore implements the embedded-SQL substrate backend.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"

	"miniflare.dev/miniflare/storage"
)

// Error is the default sqlstore error class.
var Error = errs.Class("sqlstore")

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expiration INTEGER,
	metadata   TEXT
)`

// Store implements a substrate backend over an embedded sqlite database.
type Store struct {
	db    *sql.DB
	path  string
	clock storage.Clock
}

var _ storage.Store = (*Store)(nil)
var _ storage.SQLer = (*Store)(nil)

// New opens (creating if needed) a sqlite-backed store at path. Use
// ":memory:" for an ephemeral database.
func New(path string, clock storage.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// sqlite handles are not safe for concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return &Store{db: db, path: path, clock: clock}, nil
}

// load reads a live row, lazily deleting it when expired.
func (store *Store) load(ctx context.Context, key string, withValue bool) (*storage.Entry, error) {
	column := "value"
	if !withValue {
		column = "NULL"
	}
	row := store.db.QueryRowContext(ctx,
		`SELECT `+column+`, expiration, metadata FROM entries WHERE key = ?`, key)

	var value []byte
	var expiration sql.NullInt64
	var metadata sql.NullString
	err := row.Scan(&value, &expiration, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	entry := &storage.Entry{Value: value, Expiration: expiration.Int64}
	if metadata.Valid {
		entry.Metadata = json.RawMessage(metadata.String)
	}
	if entry.Expired(store.clock.Now()) {
		_, _ = store.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key)
		return nil, nil
	}
	return entry, nil
}

// Has reports whether key holds a live entry.
func (store *Store) Has(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	entry, err := store.load(ctx, key, false)
	return entry != nil, err
}

// Head returns the entry meta without its value.
func (store *Store) Head(ctx context.Context, key string) (*storage.Meta, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	entry, err := store.load(ctx, key, false)
	if err != nil || entry == nil {
		return nil, err
	}
	meta := entry.Meta()
	return &meta, nil
}

// Get reads the entry at key.
func (store *Store) Get(ctx context.Context, key string, skipMetadata bool) (*storage.Entry, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	entry, err := store.load(ctx, key, true)
	if err != nil || entry == nil {
		return nil, err
	}
	if skipMetadata {
		entry.Metadata = nil
	}
	return entry, nil
}

// GetRange reads a byte range of the entry at key.
func (store *Store) GetRange(ctx context.Context, key string, opts storage.RangeOptions) (*storage.RangeEntry, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	entry, err := store.load(ctx, key, true)
	if err != nil || entry == nil {
		return nil, err
	}
	rng, err := opts.Resolve(int64(len(entry.Value)))
	if err != nil {
		return nil, err
	}
	entry.Value = entry.Value[rng.Offset : rng.Offset+rng.Length]
	return &storage.RangeEntry{Entry: *entry, Range: rng}, nil
}

// Put upserts the row for key.
func (store *Store) Put(ctx context.Context, key string, entry storage.Entry) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	var expiration sql.NullInt64
	if entry.Expiration != 0 {
		expiration = sql.NullInt64{Int64: entry.Expiration, Valid: true}
	}
	var metadata sql.NullString
	if len(entry.Metadata) > 0 {
		metadata = sql.NullString{String: string(entry.Metadata), Valid: true}
	}
	_, err := store.db.ExecContext(ctx, `
		INSERT INTO entries (key, value, expiration, metadata) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			expiration = excluded.expiration,
			metadata = excluded.metadata`,
		key, entry.Value, expiration, metadata)
	return Error.Wrap(err)
}

// Delete removes the row for key, reporting whether a live entry existed.
func (store *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	entry, err := store.load(ctx, key, false)
	if err != nil || entry == nil {
		return false, err
	}
	result, err := store.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key)
	if err != nil {
		return false, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return affected > 0, nil
}

// List scans live rows in key order, then applies the shared delimiter
// and cursor handling.
func (store *Store) List(ctx context.Context, opts storage.ListOptions, skipMetadata bool) (*storage.ListResult, error) {
	nowMs := store.clock.Now()
	rows, err := store.db.QueryContext(ctx, `
		SELECT key, expiration, metadata FROM entries
		WHERE expiration IS NULL OR expiration * 1000 > ?
		ORDER BY key`, nowMs)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []storage.KeyInfo
	for rows.Next() {
		var info storage.KeyInfo
		var expiration sql.NullInt64
		var metadata sql.NullString
		if err := rows.Scan(&info.Name, &expiration, &metadata); err != nil {
			return nil, Error.Wrap(err)
		}
		info.Expiration = expiration.Int64
		if metadata.Valid && !skipMetadata {
			info.Metadata = json.RawMessage(metadata.String)
		}
		candidates = append(candidates, info)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return storage.ApplyList(candidates, opts)
}

// SQLPath implements storage.SQLer with the backing database itself.
func (store *Store) SQLPath() string { return store.path }

// Close closes the database handle.
func (store *Store) Close() error {
	return Error.Wrap(store.db.Close())
}
