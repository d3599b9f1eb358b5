// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package kv_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"miniflare.dev/miniflare/internal/testclock"
	"miniflare.dev/miniflare/internal/testcontext"
	"miniflare.dev/miniflare/kv"
	"miniflare.dev/miniflare/storage/memstore"
)

func newGateway(t *testing.T) (*kv.Gateway, *testclock.Clock) {
	clock := testclock.New(time.Now().UnixMilli())
	store := memstore.New(clock.Now)
	return kv.New(zaptest.NewLogger(t), store, clock.Now), clock
}

func TestRoundTripWithTTL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, clock := newGateway(t)

	// the platform enforces a 60 second TTL floor, so expiry is
	// exercised at minute scale
	require.NoError(t, gateway.Put(ctx, "k", []byte("v"), kv.PutOptions{ExpirationTTL: 120}))

	clock.Advance(60 * time.Second)
	entry, err := gateway.Get(ctx, "k", kv.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, []byte("v"), entry.Value)

	listing, err := gateway.List(ctx, kv.ListOptions{Prefix: "k"})
	require.NoError(t, err)
	require.Len(t, listing.Keys, 1)
	require.Equal(t, "k", listing.Keys[0].Name)

	clock.Advance(120 * time.Second)
	entry, err = gateway.Get(ctx, "k", kv.GetOptions{})
	require.NoError(t, err)
	require.Nil(t, entry)

	listing, err = gateway.List(ctx, kv.ListOptions{Prefix: "k"})
	require.NoError(t, err)
	require.Empty(t, listing.Keys)
}

func TestPutValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, clock := newGateway(t)

	err := gateway.Put(ctx, "k", []byte("v"), kv.PutOptions{ExpirationTTL: 30})
	require.True(t, kv.ErrInvalidExpiration.Has(err))

	err = gateway.Put(ctx, "k", []byte("v"), kv.PutOptions{Expiration: clock.Now()/1000 + 10})
	require.True(t, kv.ErrInvalidExpiration.Has(err))

	require.NoError(t, gateway.Put(ctx, "k", []byte("v"), kv.PutOptions{Expiration: clock.Now()/1000 + 90}))
}

func TestDeleteAbsent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t)
	require.NoError(t, gateway.Delete(ctx, "missing"))
}

func TestReadThroughCache(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, clock := newGateway(t)

	require.NoError(t, gateway.Put(ctx, "k", []byte("old"), kv.PutOptions{}))

	entry, err := gateway.Get(ctx, "k", kv.GetOptions{CacheTTL: 60})
	require.NoError(t, err)
	require.Equal(t, []byte("old"), entry.Value)

	// a write through the gateway invalidates the cached slot
	require.NoError(t, gateway.Put(ctx, "k", []byte("new"), kv.PutOptions{}))
	entry, err = gateway.Get(ctx, "k", kv.GetOptions{CacheTTL: 60})
	require.NoError(t, err)
	require.Equal(t, []byte("new"), entry.Value)

	// cached absence expires with the cache TTL
	require.NoError(t, gateway.Delete(ctx, "k"))
	entry, err = gateway.Get(ctx, "k", kv.GetOptions{CacheTTL: 60})
	require.NoError(t, err)
	require.Nil(t, entry)

	require.NoError(t, gateway.Put(ctx, "k", []byte("again"), kv.PutOptions{}))
	clock.Advance(61 * time.Second)
	entry, err = gateway.Get(ctx, "k", kv.GetOptions{CacheTTL: 60})
	require.NoError(t, err)
	require.Equal(t, []byte("again"), entry.Value)
}

func TestListPagination(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t)

	for _, key := range []string{"p/a", "p/b", "p/c", "q/z"} {
		require.NoError(t, gateway.Put(ctx, key, []byte("v"), kv.PutOptions{}))
	}

	page, err := gateway.List(ctx, kv.ListOptions{Prefix: "p/", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Keys, 2)
	require.NotEmpty(t, page.Cursor)

	rest, err := gateway.List(ctx, kv.ListOptions{Prefix: "p/", Limit: 2, Cursor: page.Cursor})
	require.NoError(t, err)
	require.Len(t, rest.Keys, 1)
	require.Equal(t, "p/c", rest.Keys[0].Name)
	require.Empty(t, rest.Cursor)

	_, err = gateway.List(ctx, kv.ListOptions{Limit: 2000})
	require.True(t, kv.ErrInvalidLimit.Has(err))
}
