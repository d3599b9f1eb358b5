// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package kv implements the keyed value-store gateway: TTL mapped onto
// substrate expiration, prefix listing, and a small read-through cache
// modelling the platform's edge cache.
package kv

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"miniflare.dev/miniflare/storage"
)

var mon = monkit.Package()

var (
	// Error is the default kv gateway error class.
	Error = errs.Class("kv")

	// ErrInvalidExpiration is returned for TTLs below the platform
	// minimum or expirations in the past.
	ErrInvalidExpiration = errs.Class("invalid expiration")

	// ErrInvalidLimit is returned for out-of-range listing limits.
	ErrInvalidLimit = errs.Class("invalid limit")
)

const (
	// MinTTL is the platform's minimum expiration TTL in seconds.
	MinTTL = 60
	// MaxListLimit bounds a single listing page.
	MaxListLimit = 1000
	// MaxValueSize bounds a stored value.
	MaxValueSize = 25 * 1024 * 1024
	// MaxMetadataSize bounds serialized metadata.
	MaxMetadataSize = 1024
)

// Gateway is a thin facade over a substrate backend.
type Gateway struct {
	log   *zap.Logger
	store storage.Store
	clock storage.Clock

	cacheMu sync.Mutex
	cache   map[string]cacheSlot
}

// cacheSlot is one read-through cache entry; a nil entry caches absence.
type cacheSlot struct {
	entry    *storage.Entry
	storedMs int64
	ttlMs    int64
}

// New creates a KV gateway over store.
func New(log *zap.Logger, store storage.Store, clock storage.Clock) *Gateway {
	return &Gateway{
		log:   log,
		store: store,
		clock: clock,
		cache: make(map[string]cacheSlot),
	}
}

// PutOptions control expiration and metadata of a put.
type PutOptions struct {
	// Expiration is an absolute unix-second expiration.
	Expiration int64
	// ExpirationTTL is a relative expiration in seconds, at least
	// MinTTL. It overrides Expiration when both are set.
	ExpirationTTL int64
	Metadata      json.RawMessage
}

// GetOptions control the read-through cache.
type GetOptions struct {
	// CacheTTL caches the result (including absence) for the given
	// number of seconds.
	CacheTTL int64
}

// Get returns the entry at key, or nil when absent.
func (gateway *Gateway) Get(ctx context.Context, key string, opts GetOptions) (_ *storage.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.CacheTTL > 0 {
		if entry, ok := gateway.cached(key); ok {
			return entry, nil
		}
	}
	entry, err := gateway.store.Get(ctx, key, false)
	if err != nil {
		return nil, err
	}
	if opts.CacheTTL > 0 {
		gateway.fill(key, entry, opts.CacheTTL)
	}
	return entry, nil
}

func (gateway *Gateway) cached(key string) (*storage.Entry, bool) {
	gateway.cacheMu.Lock()
	defer gateway.cacheMu.Unlock()
	slot, ok := gateway.cache[key]
	if !ok {
		return nil, false
	}
	if gateway.clock.Now() >= slot.storedMs+slot.ttlMs {
		delete(gateway.cache, key)
		return nil, false
	}
	if slot.entry == nil {
		return nil, true
	}
	clone := slot.entry.Clone()
	return &clone, true
}

func (gateway *Gateway) fill(key string, entry *storage.Entry, ttlSeconds int64) {
	gateway.cacheMu.Lock()
	defer gateway.cacheMu.Unlock()
	slot := cacheSlot{storedMs: gateway.clock.Now(), ttlMs: ttlSeconds * 1000}
	if entry != nil {
		clone := entry.Clone()
		slot.entry = &clone
	}
	gateway.cache[key] = slot
}

func (gateway *Gateway) invalidate(key string) {
	gateway.cacheMu.Lock()
	defer gateway.cacheMu.Unlock()
	delete(gateway.cache, key)
}

// Put stores value under key.
func (gateway *Gateway) Put(ctx context.Context, key string, value []byte, opts PutOptions) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(value) > MaxValueSize {
		return Error.New("value length of %d bytes exceeds limit of %d", len(value), MaxValueSize)
	}
	if len(opts.Metadata) > MaxMetadataSize {
		return Error.New("metadata length of %d bytes exceeds limit of %d", len(opts.Metadata), MaxMetadataSize)
	}

	nowSec := gateway.clock.Now() / 1000
	expiration := opts.Expiration
	if opts.ExpirationTTL != 0 {
		if opts.ExpirationTTL < MinTTL {
			return ErrInvalidExpiration.New("expiration TTL of %d is below the minimum of %d seconds", opts.ExpirationTTL, MinTTL)
		}
		expiration = nowSec + opts.ExpirationTTL
	} else if expiration != 0 && expiration < nowSec+MinTTL {
		return ErrInvalidExpiration.New("expiration of %d is less than %d seconds in the future", expiration, MinTTL)
	}

	err = gateway.store.Put(ctx, key, storage.Entry{
		Value:      value,
		Expiration: expiration,
		Metadata:   opts.Metadata,
	})
	if err != nil {
		return err
	}
	gateway.invalidate(key)
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (gateway *Gateway) Delete(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := gateway.store.Delete(ctx, key); err != nil {
		return err
	}
	gateway.invalidate(key)
	return nil
}

// ListOptions page a prefix listing.
type ListOptions struct {
	Prefix string
	Limit  int
	Cursor string
}

// List pages keys under a prefix in lexicographic order.
func (gateway *Gateway) List(ctx context.Context, opts ListOptions) (_ *storage.ListResult, err error) {
	defer mon.Task()(&ctx)(&err)

	limit := opts.Limit
	if limit == 0 {
		limit = MaxListLimit
	}
	if limit < 1 || limit > MaxListLimit {
		return nil, ErrInvalidLimit.New("limit of %d is out of range [1, %d]", opts.Limit, MaxListLimit)
	}
	return gateway.store.List(ctx, storage.ListOptions{
		Prefix: opts.Prefix,
		Limit:  limit,
		Cursor: opts.Cursor,
	}, false)
}
