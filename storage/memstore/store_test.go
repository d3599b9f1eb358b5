// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package memstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"miniflare.dev/miniflare/internal/testclock"
	"miniflare.dev/miniflare/internal/testcontext"
	"miniflare.dev/miniflare/storage"
	"miniflare.dev/miniflare/storage/memstore"
	"miniflare.dev/miniflare/storage/testsuite"
)

func TestSuite(t *testing.T) {
	testsuite.RunTests(t, func(t *testing.T, ctx *testcontext.Context) (storage.Store, func(time.Duration)) {
		clock := testclock.New(time.Now().UnixMilli())
		return memstore.New(clock.Now), clock.Advance
	})
}

func TestCloneOnPut(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	clock := testclock.New(time.Now().UnixMilli())
	store := memstore.New(clock.Now)
	defer ctx.Check(store.Close)

	value := []byte("value")
	require.NoError(t, store.Put(ctx, "key", storage.Entry{Value: value}))
	value[0] = 'X'

	entry, err := store.Get(ctx, "key", false)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), entry.Value)

	// mutating the returned value must not affect stored state either
	entry.Value[0] = 'Y'
	entry, err = store.Get(ctx, "key", false)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), entry.Value)
}

func TestSQLPath(t *testing.T) {
	clock := testclock.New(0)
	store := memstore.New(clock.Now)
	require.Equal(t, ":memory:", store.SQLPath())
}
