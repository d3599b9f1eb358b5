// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package redisstore implements the optional remote substrate backend.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/zeebo/errs"

	"miniflare.dev/miniflare/storage"
)

// Error is the default redisstore error class.
var Error = errs.Class("redisstore")

// Store implements a substrate backend over a redis server. Values and
// metadata live under separate keys inside a namespace prefix; expiry is
// delegated to the server.
type Store struct {
	client *redis.Client
	ns     string
}

var _ storage.Store = (*Store)(nil)

// meta is the JSON stored under the metadata key. Expiration is repeated
// here so listings can report it without consulting PTTL.
type meta struct {
	Expiration int64           `json:"expiration,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// New creates a redis-backed store in the given namespace.
func New(client *redis.Client, namespace string) *Store {
	return &Store{client: client, ns: namespace}
}

func (store *Store) valueKey(key string) string { return store.ns + ":v:" + key }
func (store *Store) metaKey(key string) string  { return store.ns + ":m:" + key }

// load pipelines the value fetch, metadata fetch and TTL probe.
func (store *Store) load(ctx context.Context, key string, withValue bool) (*storage.Entry, error) {
	pipe := store.client.Pipeline()
	valueCmd := pipe.Get(ctx, store.valueKey(key))
	metaCmd := pipe.Get(ctx, store.metaKey(key))
	pipe.PTTL(ctx, store.valueKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, Error.Wrap(err)
	}

	value, err := valueCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !withValue {
		value = nil
	}

	entry := &storage.Entry{Value: value}
	if raw, err := metaCmd.Bytes(); err == nil {
		var m meta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, Error.Wrap(err)
		}
		entry.Expiration = m.Expiration
		entry.Metadata = m.Metadata
	} else if !errors.Is(err, redis.Nil) {
		return nil, Error.Wrap(err)
	}
	return entry, nil
}

// Has reports whether key holds a live entry.
func (store *Store) Has(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	n, err := store.client.Exists(ctx, store.valueKey(key)).Result()
	return n > 0, Error.Wrap(err)
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
	result := entry.Meta()
	return &result, nil
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

// Put stores the entry, delegating expiry to the server.
func (store *Store) Put(ctx context.Context, key string, entry storage.Entry) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	pipe := store.client.TxPipeline()
	pipe.Set(ctx, store.valueKey(key), entry.Value, 0)
	if entry.Expiration != 0 || len(entry.Metadata) > 0 {
		raw, err := json.Marshal(meta{Expiration: entry.Expiration, Metadata: entry.Metadata})
		if err != nil {
			return Error.Wrap(err)
		}
		pipe.Set(ctx, store.metaKey(key), raw, 0)
	} else {
		pipe.Del(ctx, store.metaKey(key))
	}
	if entry.Expiration != 0 {
		at := time.UnixMilli(entry.Expiration * 1000)
		pipe.PExpireAt(ctx, store.valueKey(key), at)
		pipe.PExpireAt(ctx, store.metaKey(key), at)
	}
	_, err := pipe.Exec(ctx)
	return Error.Wrap(err)
}

// Delete removes key, reporting whether a live entry existed.
func (store *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	pipe := store.client.TxPipeline()
	delValue := pipe.Del(ctx, store.valueKey(key))
	pipe.Del(ctx, store.metaKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, Error.Wrap(err)
	}
	return delValue.Val() > 0, nil
}

// List scans the namespace server-side, then reapplies the shared
// listing algorithm locally since server ordering is not guaranteed.
func (store *Store) List(ctx context.Context, opts storage.ListOptions, skipMetadata bool) (*storage.ListResult, error) {
	prefix := store.ns + ":v:"
	var candidates []storage.KeyInfo

	iter := store.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		name := iter.Val()[len(prefix):]
		info := storage.KeyInfo{Name: name}
		raw, err := store.client.Get(ctx, store.metaKey(name)).Bytes()
		if err == nil {
			var m meta
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, Error.Wrap(err)
			}
			info.Expiration = m.Expiration
			if !skipMetadata {
				info.Metadata = m.Metadata
			}
		} else if !errors.Is(err, redis.Nil) {
			return nil, Error.Wrap(err)
		}
		candidates = append(candidates, info)
	}
	if err := iter.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return storage.ApplyList(candidates, opts)
}

// Close closes the redis client.
func (store *Store) Close() error {
	return Error.Wrap(store.client.Close())
}
