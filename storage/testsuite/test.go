// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package testsuite runs common storage.Store tests against a backend.
package testsuite

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"miniflare.dev/miniflare/internal/testcontext"
	"miniflare.dev/miniflare/storage"
)

// NewStoreFunc constructs a fresh store for one test plus a function
// that advances its notion of time. Fake clocks must be seeded with the
// current wall time so the expiry tests can compute absolute timestamps.
type NewStoreFunc func(t *testing.T, ctx *testcontext.Context) (storage.Store, func(time.Duration))

// RunTests runs the common substrate contract tests.
func RunTests(t *testing.T, newStore NewStoreFunc) {
	run := func(name string, test func(t *testing.T, ctx *testcontext.Context, store storage.Store, advance func(time.Duration))) {
		t.Run(name, func(t *testing.T) {
			ctx := testcontext.New(t)
			defer ctx.Cleanup()
			store, advance := newStore(t, ctx)
			defer ctx.Check(store.Close)
			test(t, ctx, store, advance)
		})
	}

	run("CRUD", testCRUD)
	run("Constraints", testConstraints)
	run("Expiry", testExpiry)
	run("Range", testRange)
	run("List", testList)
	run("ListCursor", testListCursor)
	run("ListDelimiter", testListDelimiter)
	run("Parallel", testParallel)
}

func testCRUD(t *testing.T, ctx *testcontext.Context, store storage.Store, advance func(time.Duration)) {
	ok, err := store.Has(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	entry, err := store.Get(ctx, "missing", false)
	require.NoError(t, err)
	require.Nil(t, entry)

	existed, err := store.Delete(ctx, "missing")
	require.NoError(t, err)
	require.False(t, existed)

	require.NoError(t, store.Put(ctx, "key", storage.Entry{
		Value:    []byte("value"),
		Metadata: []byte(`{"tag":7}`),
	}))

	ok, err = store.Has(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)

	entry, err = store.Get(ctx, "key", false)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, []byte("value"), entry.Value)
	require.JSONEq(t, `{"tag":7}`, string(entry.Metadata))

	// skipMetadata omits metadata but never the value
	entry, err = store.Get(ctx, "key", true)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), entry.Value)
	require.Nil(t, entry.Metadata)

	meta, err := store.Head(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.JSONEq(t, `{"tag":7}`, string(meta.Metadata))

	require.NoError(t, store.Put(ctx, "key", storage.Entry{Value: []byte("replaced")}))
	entry, err = store.Get(ctx, "key", false)
	require.NoError(t, err)
	require.Equal(t, []byte("replaced"), entry.Value)
	require.Empty(t, entry.Metadata)

	existed, err = store.Delete(ctx, "key")
	require.NoError(t, err)
	require.True(t, existed)

	entry, err = store.Get(ctx, "key", false)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func testConstraints(t *testing.T, ctx *testcontext.Context, store storage.Store, advance func(time.Duration)) {
	err := store.Put(ctx, "", storage.Entry{Value: []byte("x")})
	require.True(t, storage.ErrInvalidKey.Has(err))

	err = store.Put(ctx, strings.Repeat("k", storage.MaxKeySize+1), storage.Entry{Value: []byte("x")})
	require.True(t, storage.ErrInvalidKey.Has(err))

	err = store.Put(ctx, "bad\xed\xa0\x80key", storage.Entry{Value: []byte("x")})
	require.True(t, storage.ErrInvalidKey.Has(err))

	_, err = store.Get(ctx, "", false)
	require.True(t, storage.ErrInvalidKey.Has(err))
}

func testExpiry(t *testing.T, ctx *testcontext.Context, store storage.Store, advance func(time.Duration)) {
	now := time.Now().UnixMilli()
	require.NoError(t, store.Put(ctx, "k", storage.Entry{
		Value:      []byte("v"),
		Expiration: now/1000 + 2,
	}))

	advance(time.Second)

	entry, err := store.Get(ctx, "k", false)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, []byte("v"), entry.Value)

	listing, err := store.List(ctx, storage.ListOptions{Prefix: "k"}, false)
	require.NoError(t, err)
	require.Len(t, listing.Keys, 1)
	require.Equal(t, "k", listing.Keys[0].Name)

	advance(2 * time.Second)

	entry, err = store.Get(ctx, "k", false)
	require.NoError(t, err)
	require.Nil(t, entry)

	ok, err := store.Has(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	meta, err := store.Head(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, meta)

	listing, err = store.List(ctx, storage.ListOptions{Prefix: "k"}, false)
	require.NoError(t, err)
	require.Empty(t, listing.Keys)

	existed, err := store.Delete(ctx, "k")
	require.NoError(t, err)
	require.False(t, existed)
}

func testRange(t *testing.T, ctx *testcontext.Context, store storage.Store, advance func(time.Duration)) {
	require.NoError(t, store.Put(ctx, "range", storage.Entry{Value: []byte("0123456789")}))

	ptr := func(v int64) *int64 { return &v }

	type test struct {
		name   string
		opts   storage.RangeOptions
		value  string
		offset int64
		fails  bool
	}
	tests := []test{
		{name: "full", opts: storage.RangeOptions{}, value: "0123456789", offset: 0},
		{name: "offset", opts: storage.RangeOptions{Offset: ptr(4)}, value: "456789", offset: 4},
		{name: "offset and length", opts: storage.RangeOptions{Offset: ptr(2), Length: ptr(3)}, value: "234", offset: 2},
		{name: "length clamped", opts: storage.RangeOptions{Offset: ptr(8), Length: ptr(10)}, value: "89", offset: 8},
		{name: "suffix", opts: storage.RangeOptions{Suffix: ptr(int64(3))}, value: "789", offset: 7},
		{name: "suffix clamped", opts: storage.RangeOptions{Suffix: ptr(int64(100))}, value: "0123456789", offset: 0},
		{name: "negative offset", opts: storage.RangeOptions{Offset: ptr(-1)}, fails: true},
		{name: "offset past end", opts: storage.RangeOptions{Offset: ptr(11)}, fails: true},
		{name: "zero length", opts: storage.RangeOptions{Length: ptr(0)}, fails: true},
		{name: "zero suffix", opts: storage.RangeOptions{Suffix: ptr(int64(0))}, fails: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.GetRange(ctx, "range", tt.opts)
			if tt.fails {
				require.True(t, storage.ErrInvalidRange.Has(err), "expected range error, got %v", err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, tt.value, string(got.Value))
			require.Equal(t, tt.offset, got.Range.Offset)
			require.Equal(t, int64(len(tt.value)), got.Range.Length)
		})
	}

	missing, err := store.GetRange(ctx, "missing", storage.RangeOptions{})
	require.NoError(t, err)
	require.Nil(t, missing)
}
