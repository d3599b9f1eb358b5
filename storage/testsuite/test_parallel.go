// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package testsuite

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"miniflare.dev/miniflare/internal/testcontext"
	"miniflare.dev/miniflare/storage"
)

// testParallel hammers a single key from concurrent workers; backends
// promise single-operation safety, so every read observes either
// absence or a complete value.
func testParallel(t *testing.T, ctx *testcontext.Context, store storage.Store, advance func(time.Duration)) {
	const workers = 4
	const rounds = 50

	for worker := 0; worker < workers; worker++ {
		worker := worker
		ctx.Go(func() error {
			bg := context.Background()
			value := []byte("worker-" + strconv.Itoa(worker))
			for round := 0; round < rounds; round++ {
				if err := store.Put(bg, "shared", storage.Entry{Value: value}); err != nil {
					return err
				}
				entry, err := store.Get(bg, "shared", false)
				if err != nil {
					return err
				}
				if entry != nil && len(entry.Value) == 0 {
					return storage.Error.New("observed a torn value")
				}
				if _, err := store.Delete(bg, "shared"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, ctx.Wait())

	entry, err := store.Get(ctx, "shared", false)
	require.NoError(t, err)
	if entry != nil {
		require.NotEmpty(t, entry.Value)
	}
}
