// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package boltstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"miniflare.dev/miniflare/internal/testclock"
	"miniflare.dev/miniflare/internal/testcontext"
	"miniflare.dev/miniflare/storage"
	"miniflare.dev/miniflare/storage/boltstore"
	"miniflare.dev/miniflare/storage/testsuite"
)

func TestSuite(t *testing.T) {
	testsuite.RunTests(t, func(t *testing.T, ctx *testcontext.Context) (storage.Store, func(time.Duration)) {
		clock := testclock.New(time.Now().UnixMilli())
		store, err := boltstore.New(ctx.File("bolt", "entries.db"), clock.Now)
		require.NoError(t, err)
		return store, clock.Advance
	})
}
