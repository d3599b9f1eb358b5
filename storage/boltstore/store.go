// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package boltstore implements a bolt-backed substrate backend, used as
// the durable-object persistence option.
package boltstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"

	"miniflare.dev/miniflare/storage"
)

// Error is the default boltstore error class.
var Error = errs.Class("boltstore")

var (
	defaultTimeout = 1 * time.Second
	entriesBucket  = []byte("entries")
)

// fileMode sets permissions so owner can read and write.
const fileMode = 0600

// record is the on-disk encoding of an entry.
type record struct {
	Value      []byte          `json:"value"`
	Expiration int64           `json:"expiration,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Store implements a substrate backend over a bolt database.
type Store struct {
	db    *bolt.DB
	clock storage.Clock
}

var _ storage.Store = (*Store)(nil)

// New opens a bolt-backed store at path.
func New(path string, clock storage.Clock) (*Store, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return &Store{db: db, clock: clock}, nil
}

// load reads a live entry inside a read transaction, recording expired
// keys for lazy deletion afterwards.
func (store *Store) load(key string) (*storage.Entry, error) {
	var entry *storage.Entry
	expired := false
	err := store.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(entriesBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		loaded := storage.Entry{Value: rec.Value, Expiration: rec.Expiration, Metadata: rec.Metadata}
		if loaded.Expired(store.clock.Now()) {
			expired = true
			return nil
		}
		entry = &loaded
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if expired {
		err := store.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(entriesBucket).Delete([]byte(key))
		})
		return nil, Error.Wrap(err)
	}
	return entry, nil
}

// Has reports whether key holds a live entry.
func (store *Store) Has(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	entry, err := store.load(key)
	return entry != nil, err
}

// Head returns the entry meta without its value.
func (store *Store) Head(ctx context.Context, key string) (*storage.Meta, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	entry, err := store.load(key)
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
	entry, err := store.load(key)
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
	entry, err := store.load(key)
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

// Put stores the entry under key.
func (store *Store) Put(ctx context.Context, key string, entry storage.Entry) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	raw, err := json.Marshal(record{Value: entry.Value, Expiration: entry.Expiration, Metadata: entry.Metadata})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(key), raw)
	}))
}

// Delete removes key, reporting whether a live entry existed.
func (store *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	entry, err := store.load(key)
	if err != nil || entry == nil {
		return false, err
	}
	err = store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(key))
	})
	return err == nil, Error.Wrap(err)
}

// List scans live keys in bucket order, then applies the shared listing
// algorithm.
func (store *Store) List(ctx context.Context, opts storage.ListOptions, skipMetadata bool) (*storage.ListResult, error) {
	now := store.clock.Now()
	var candidates []storage.KeyInfo
	err := store.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if (storage.Entry{Expiration: rec.Expiration}).Expired(now) {
				return nil
			}
			info := storage.KeyInfo{Name: string(k), Expiration: rec.Expiration}
			if !skipMetadata {
				info.Metadata = rec.Metadata
			}
			candidates = append(candidates, info)
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return storage.ApplyList(candidates, opts)
}

// Close closes the bolt database.
func (store *Store) Close() error {
	return Error.Wrap(store.db.Close())
}
