// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package filestore_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"miniflare.dev/miniflare/internal/testclock"
	"miniflare.dev/miniflare/internal/testcontext"
	"miniflare.dev/miniflare/storage"
	"miniflare.dev/miniflare/storage/filestore"
	"miniflare.dev/miniflare/storage/testsuite"
)

func TestSuite(t *testing.T) {
	testsuite.RunTests(t, func(t *testing.T, ctx *testcontext.Context) (storage.Store, func(time.Duration)) {
		clock := testclock.New(time.Now().UnixMilli())
		store, err := filestore.New(ctx.Dir("files"), clock.Now, true)
		require.NoError(t, err)
		return store, clock.Advance
	})
}

func TestSanitisation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	clock := testclock.New(time.Now().UnixMilli())
	root := ctx.Dir("files")
	store, err := filestore.New(root, clock.Now, true)
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	// path-unsafe characters are rewritten on disk but the original key
	// survives through the sidecar
	key := `dir/what?*:"key`
	require.NoError(t, store.Put(ctx, key, storage.Entry{
		Value:    []byte("v"),
		Metadata: []byte(`{"a":1}`),
	}))

	entry, err := store.Get(ctx, key, false)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), entry.Value)

	listing, err := store.List(ctx, storage.ListOptions{}, false)
	require.NoError(t, err)
	require.Len(t, listing.Keys, 1)
	require.Equal(t, key, listing.Keys[0].Name)

	_, err = os.Stat(filepath.Join(root, "dir", `what___`+`_key`))
	require.NoError(t, err)
}

func TestTraversal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	clock := testclock.New(time.Now().UnixMilli())
	store, err := filestore.New(ctx.Dir("files"), clock.Now, false)
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	err = store.Put(ctx, "../escape", storage.Entry{Value: []byte("v")})
	require.True(t, storage.ErrTraversal.Has(err))
}

func TestNamespaceKeyChild(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	clock := testclock.New(time.Now().UnixMilli())
	store, err := filestore.New(ctx.Dir("files"), clock.Now, true)
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	require.NoError(t, store.Put(ctx, "parent", storage.Entry{Value: []byte("v")}))
	err = store.Put(ctx, "parent/child", storage.Entry{Value: []byte("v")})
	require.True(t, storage.ErrNamespaceKeyChild.Has(err))
}

func TestBlobs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	blobs, err := filestore.NewBlobs(ctx.Dir("blobs"))
	require.NoError(t, err)

	writer, err := blobs.Create(ctx, "one")
	require.NoError(t, err)
	_, err = writer.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = writer.Write([]byte("blob"))
	require.NoError(t, err)

	// not visible until committed
	_, err = blobs.Open(ctx, "one")
	require.True(t, filestore.ErrBlobNotFound.Has(err))

	require.NoError(t, writer.Commit())

	reader, err := blobs.Open(ctx, "one")
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, "hello blob", string(data))

	size, err := reader.Size()
	require.NoError(t, err)
	require.Equal(t, int64(10), size)
	require.NoError(t, reader.Close())

	// cancelled blobs leave nothing behind
	writer, err = blobs.Create(ctx, "two")
	require.NoError(t, err)
	_, err = writer.Write([]byte("discard"))
	require.NoError(t, err)
	require.NoError(t, writer.Cancel())
	_, err = blobs.Open(ctx, "two")
	require.True(t, filestore.ErrBlobNotFound.Has(err))

	require.NoError(t, blobs.Delete(ctx, "one"))
	_, err = blobs.Open(ctx, "one")
	require.True(t, filestore.ErrBlobNotFound.Has(err))

	// deleting a missing blob is not an error
	require.NoError(t, blobs.Delete(ctx, "missing"))
}
