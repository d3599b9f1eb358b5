// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package storage

import "context"

// BatchEntry pairs a key with an entry for PutMany.
type BatchEntry struct {
	Key   string
	Entry Entry
}

// GetMany fetches entries for each key, nil where absent. A Transactable
// store runs the reads inside a single transaction.
func GetMany(ctx context.Context, store Store, keys []string, skipMetadata bool) (entries []*Entry, err error) {
	err = maybeTransact(ctx, store, func(ctx context.Context, store Store) error {
		entries = make([]*Entry, 0, len(keys))
		for _, key := range keys {
			entry, err := store.Get(ctx, key, skipMetadata)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// PutMany stores every batch entry.
func PutMany(ctx context.Context, store Store, batch ...BatchEntry) error {
	return maybeTransact(ctx, store, func(ctx context.Context, store Store) error {
		for _, item := range batch {
			if err := store.Put(ctx, item.Key, item.Entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteMany deletes every key, returning how many live entries existed.
func DeleteMany(ctx context.Context, store Store, keys ...string) (deleted int, err error) {
	err = maybeTransact(ctx, store, func(ctx context.Context, store Store) error {
		deleted = 0
		for _, key := range keys {
			existed, err := store.Delete(ctx, key)
			if err != nil {
				return err
			}
			if existed {
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

// HasMany reports how many of the keys exist.
func HasMany(ctx context.Context, store Store, keys ...string) (count int, err error) {
	err = maybeTransact(ctx, store, func(ctx context.Context, store Store) error {
		count = 0
		for _, key := range keys {
			ok, err := store.Has(ctx, key)
			if err != nil {
				return err
			}
			if ok {
				count++
			}
		}
		return nil
	})
	return count, err
}

func maybeTransact(ctx context.Context, store Store, fn func(context.Context, Store) error) error {
	if txn, ok := store.(Transactable); ok {
		return txn.Transact(ctx, fn)
	}
	return fn(ctx, store)
}
