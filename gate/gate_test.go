// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package gate_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"miniflare.dev/miniflare/gate"
	"miniflare.dev/miniflare/internal/testcontext"
)

func TestGateOpenByDefault(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	g := gate.New()
	require.NoError(t, g.Wait(ctx))
}

func TestGateBlocksUntilReleased(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	g := gate.New()
	release := g.Close()

	var observed int64
	ctx.Go(func() error {
		if err := g.Wait(ctx); err != nil {
			return err
		}
		if atomic.LoadInt64(&observed) != 1 {
			return gate.Error.New("waiter ran before release")
		}
		return nil
	})

	time.Sleep(10 * time.Millisecond)
	atomic.StoreInt64(&observed, 1)
	release()
}

func TestGateCountsClosers(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	g := gate.New()
	first := g.Close()
	second := g.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, g.Wait(waitCtx))

	first()
	first() // releasing twice is a no-op

	waitCtx2, cancel2 := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel2()
	require.Error(t, g.Wait(waitCtx2))

	second()
	require.NoError(t, g.Wait(ctx))
}

func TestSubrequestBudget(t *testing.T) {
	request := gate.NewRequest(2)
	require.NoError(t, request.CountSubrequest())
	require.NoError(t, request.CountSubrequest())
	require.ErrorIs(t, request.CountSubrequest(), gate.ErrSubrequestLimit)
	require.Equal(t, 2, request.Subrequests())

	// a durable-object scope gets a fresh counter
	scope := request.DurableScope()
	require.NoError(t, scope.CountSubrequest())
	require.Equal(t, 1, scope.Subrequests())
	require.Equal(t, 2, request.Subrequests())
	require.Equal(t, 2, scope.RequestDepth)
}

func TestUnlimitedBudget(t *testing.T) {
	request := gate.NewRequest(0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, request.CountSubrequest())
	}
}
