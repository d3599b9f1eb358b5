// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package memstore implements the in-memory substrate backend.
package memstore

import (
	"context"
	"sort"
	"sync"

	"miniflare.dev/miniflare/storage"
)

// item is a stored key/entry pair kept in key order.
type item struct {
	key   string
	entry storage.Entry
}

// Store implements an in-memory key value store over a sorted slice.
type Store struct {
	mu    sync.Mutex
	items []item
	clock storage.Clock
}

var _ storage.Store = (*Store)(nil)
var _ storage.SQLer = (*Store)(nil)

// New creates an in-memory store using the given clock.
func New(clock storage.Clock) *Store {
	return &Store{clock: clock}
}

// indexOf finds the index of key or where it could be inserted.
func (store *Store) indexOf(key string) (int, bool) {
	i := sort.Search(len(store.items), func(k int) bool {
		return store.items[k].key >= key
	})
	if i >= len(store.items) {
		return i, false
	}
	return i, store.items[i].key == key
}

// lookup returns the live entry at key, expiring it lazily.
// Callers must hold the mutex.
func (store *Store) lookup(key string) (storage.Entry, bool) {
	i, found := store.indexOf(key)
	if !found {
		return storage.Entry{}, false
	}
	entry := store.items[i].entry
	if entry.Expired(store.clock.Now()) {
		store.removeAt(i)
		return storage.Entry{}, false
	}
	return entry, true
}

func (store *Store) removeAt(i int) {
	copy(store.items[i:], store.items[i+1:])
	store.items = store.items[:len(store.items)-1]
}

// Has reports whether key holds a live entry.
func (store *Store) Has(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	_, ok := store.lookup(key)
	return ok, nil
}

// Head returns the entry meta without its value.
func (store *Store) Head(ctx context.Context, key string) (*storage.Meta, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	entry, ok := store.lookup(key)
	if !ok {
		return nil, nil
	}
	meta := entry.Clone().Meta()
	return &meta, nil
}

// Get returns a copy of the entry at key.
func (store *Store) Get(ctx context.Context, key string, skipMetadata bool) (*storage.Entry, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	entry, ok := store.lookup(key)
	if !ok {
		return nil, nil
	}
	clone := entry.Clone()
	if skipMetadata {
		clone.Metadata = nil
	}
	return &clone, nil
}

// GetRange returns a copy of a byte range of the entry at key.
func (store *Store) GetRange(ctx context.Context, key string, opts storage.RangeOptions) (*storage.RangeEntry, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	entry, ok := store.lookup(key)
	if !ok {
		return nil, nil
	}
	rng, err := opts.Resolve(int64(len(entry.Value)))
	if err != nil {
		return nil, err
	}
	clone := entry.Clone()
	clone.Value = clone.Value[rng.Offset : rng.Offset+rng.Length]
	return &storage.RangeEntry{Entry: clone, Range: rng}, nil
}

// Put stores a copy of entry under key.
func (store *Store) Put(ctx context.Context, key string, entry storage.Entry) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	i, found := store.indexOf(key)
	if found {
		store.items[i].entry = entry.Clone()
		return nil
	}
	store.items = append(store.items, item{})
	copy(store.items[i+1:], store.items[i:])
	store.items[i] = item{key: key, entry: entry.Clone()}
	return nil
}

// Delete removes key, reporting whether a live entry existed.
func (store *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.lookup(key); !ok {
		return false, nil
	}
	i, _ := store.indexOf(key)
	store.removeAt(i)
	return true, nil
}

// List pages over live keys.
func (store *Store) List(ctx context.Context, opts storage.ListOptions, skipMetadata bool) (*storage.ListResult, error) {
	store.mu.Lock()
	now := store.clock.Now()
	candidates := make([]storage.KeyInfo, 0, len(store.items))
	for _, item := range store.items {
		if item.entry.Expired(now) {
			continue
		}
		info := storage.KeyInfo{Name: item.key, Expiration: item.entry.Expiration}
		if !skipMetadata {
			info.Metadata = item.entry.Clone().Metadata
		}
		candidates = append(candidates, info)
	}
	store.mu.Unlock()

	return storage.ApplyList(candidates, opts)
}

// SQLPath implements storage.SQLer with an in-memory database.
func (store *Store) SQLPath() string { return ":memory:" }

// Close releases nothing; it exists to satisfy the contract.
func (store *Store) Close() error { return nil }
