// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package storage defines the key/value substrate shared by every gateway.
package storage

import (
	"context"
	"encoding/json"

	"github.com/zeebo/errs"
)

var (
	// Error is the default storage error class.
	Error = errs.Class("storage")

	// ErrInvalidKey is returned for keys that are empty, longer than
	// MaxKeySize bytes, or not valid UTF-8.
	ErrInvalidKey = errs.Class("invalid key")

	// ErrTraversal is returned when a resolved key path escapes the
	// backend root.
	ErrTraversal = errs.Class("key traverses out of root")

	// ErrNamespaceKeyChild is returned when a key's parent path is
	// already a key file.
	ErrNamespaceKeyChild = errs.Class("key is a child of an existing key")

	// ErrInvalidRange is returned for unsatisfiable range options.
	ErrInvalidRange = errs.Class("invalid range")

	// ErrInvalidCursor is returned when a listing cursor does not decode.
	ErrInvalidCursor = errs.Class("invalid cursor")
)

// MaxKeySize is the maximum UTF-8 byte length of a key.
const MaxKeySize = 1024

// Entry is a stored value with optional expiration and metadata.
type Entry struct {
	Value []byte
	// Expiration is a unix timestamp in seconds; zero means no expiry.
	// The entry is absent once the clock reaches it.
	Expiration int64
	Metadata   json.RawMessage
}

// Clone returns a deep copy of the entry so callers cannot mutate
// stored state.
func (entry Entry) Clone() Entry {
	clone := Entry{
		Value:      append([]byte(nil), entry.Value...),
		Expiration: entry.Expiration,
	}
	if entry.Metadata != nil {
		clone.Metadata = append(json.RawMessage(nil), entry.Metadata...)
	}
	return clone
}

// Expired reports whether the entry is past its expiration at nowMs.
func (entry Entry) Expired(nowMs int64) bool {
	return entry.Expiration != 0 && nowMs >= entry.Expiration*1000
}

// Meta is the expiration and metadata of an entry, without its value.
type Meta struct {
	Expiration int64
	Metadata   json.RawMessage
}

// Meta returns the entry's metadata view.
func (entry Entry) Meta() Meta {
	return Meta{Expiration: entry.Expiration, Metadata: entry.Metadata}
}

// Range locates a byte range inside a value.
type Range struct {
	Offset int64
	Length int64
}

// RangeEntry is an entry whose value is a sub-range of the stored value.
type RangeEntry struct {
	Entry
	Range Range
}

// Store is the substrate contract implemented by every backend.
//
// Reads that observe an expired entry return absence and may lazily
// delete it. Listings skip expired entries. Implementations must be safe
// for concurrent callers at single-operation granularity.
type Store interface {
	// Has reports whether the key exists and is not expired.
	Has(ctx context.Context, key string) (bool, error)
	// Head returns the entry's meta, or nil when absent.
	Head(ctx context.Context, key string) (*Meta, error)
	// Get returns the entry, or nil when absent. With skipMetadata the
	// backend may omit loading metadata.
	Get(ctx context.Context, key string, skipMetadata bool) (*Entry, error)
	// GetRange returns a sub-range of the entry, or nil when absent.
	GetRange(ctx context.Context, key string, opts RangeOptions) (*RangeEntry, error)
	// Put stores the entry under key, replacing any previous entry.
	Put(ctx context.Context, key string, entry Entry) error
	// Delete removes the key, reporting whether a live entry existed.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns keys matching opts in the fixed
	// filter/sort/cursor/delimiter/limit order.
	List(ctx context.Context, opts ListOptions, skipMetadata bool) (*ListResult, error)
	// Close releases backend resources.
	Close() error
}

// Transactable is implemented by backends that support optimistic
// multi-key transactions. The closure may be invoked multiple times.
type Transactable interface {
	Transact(ctx context.Context, fn func(ctx context.Context, store Store) error) error
}

// SQLer is implemented by backends that carry an embedded SQL handle
// location for callers that need one (the object-store metadata database).
type SQLer interface {
	SQLPath() string
}
