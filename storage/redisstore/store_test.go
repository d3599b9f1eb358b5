// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package redisstore_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"miniflare.dev/miniflare/internal/testcontext"
	"miniflare.dev/miniflare/storage"
	"miniflare.dev/miniflare/storage/redisstore"
	"miniflare.dev/miniflare/storage/testsuite"
)

func TestSuite(t *testing.T) {
	testsuite.RunTests(t, func(t *testing.T, ctx *testcontext.Context) (storage.Store, func(time.Duration)) {
		server := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		store := redisstore.New(client, "test")
		return store, server.FastForward
	})
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer func() { _ = client.Close() }()

	first := redisstore.New(client, "ns1")
	second := redisstore.New(client, "ns2")

	require.NoError(t, first.Put(ctx, "key", storage.Entry{Value: []byte("one")}))
	require.NoError(t, second.Put(ctx, "key", storage.Entry{Value: []byte("two")}))

	entry, err := first.Get(ctx, "key", false)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), entry.Value)

	listing, err := second.List(ctx, storage.ListOptions{}, true)
	require.NoError(t, err)
	require.Len(t, listing.Keys, 1)
	require.Equal(t, "key", listing.Keys[0].Name)
}
