// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package queue_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"miniflare.dev/miniflare/internal/testcontext"
	"miniflare.dev/miniflare/queue"
)

func TestWALAppendAndRead(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := filepath.Join(ctx.Dir("queues"), "orders.log")

	wal, err := queue.OpenWAL(path)
	require.NoError(t, err)
	require.NoError(t, wal.Record("send", &queue.Message{
		ID:   "0123456789abcdef",
		Body: queue.Body{ContentType: queue.ContentTypeText, Raw: []byte("first")},
	}))
	require.NoError(t, wal.Record("send", &queue.Message{
		ID:   "fedcba9876543210",
		Body: queue.Body{ContentType: queue.ContentTypeBytes, Raw: []byte{0x01, 0x02}},
	}))
	require.NoError(t, wal.Close())

	// append mode picks up where the previous handle stopped
	wal, err = queue.OpenWAL(path)
	require.NoError(t, err)
	require.NoError(t, wal.Record("ack", &queue.Message{
		ID:   "0123456789abcdef",
		Body: queue.Body{ContentType: queue.ContentTypeText, Raw: []byte("first")},
	}))
	require.NoError(t, wal.Close())

	records, err := queue.ReadWAL(path)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "send", records[0].Op)
	require.Equal(t, "0123456789abcdef", records[0].ID)
	require.Equal(t, queue.ContentTypeText, records[0].ContentType)
	require.Equal(t, []byte("first"), records[0].Body)
	require.Equal(t, []byte{0x01, 0x02}, records[1].Body)
	require.Equal(t, "ack", records[2].Op)

	missing, err := queue.ReadWAL(filepath.Join(ctx.Dir("queues"), "absent.log"))
	require.NoError(t, err)
	require.Empty(t, missing)
}
