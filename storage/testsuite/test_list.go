// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package testsuite

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"miniflare.dev/miniflare/internal/testcontext"
	"miniflare.dev/miniflare/storage"
)

func seedKeys(t *testing.T, ctx *testcontext.Context, store storage.Store, keys ...string) {
	for _, key := range keys {
		require.NoError(t, store.Put(ctx, key, storage.Entry{Value: []byte(key)}))
	}
}

func names(result *storage.ListResult) []string {
	out := []string{}
	for _, key := range result.Keys {
		out = append(out, key.Name)
	}
	return out
}

func testList(t *testing.T, ctx *testcontext.Context, store storage.Store, advance func(time.Duration)) {
	seedKeys(t, ctx, store,
		"path/0", "path/1", "path/2", "path/3", "path/4", "path/5",
		"other/0",
	)

	type test struct {
		name     string
		opts     storage.ListOptions
		expected []string
	}
	tests := []test{
		{"all", storage.ListOptions{},
			[]string{"other/0", "path/0", "path/1", "path/2", "path/3", "path/4", "path/5"}},
		{"prefix", storage.ListOptions{Prefix: "path/"},
			[]string{"path/0", "path/1", "path/2", "path/3", "path/4", "path/5"}},
		{"prefix and limit", storage.ListOptions{Prefix: "path/", Limit: 3},
			[]string{"path/0", "path/1", "path/2"}},
		{"start inclusive", storage.ListOptions{Start: "path/2"},
			[]string{"path/2", "path/3", "path/4", "path/5"}},
		{"end exclusive", storage.ListOptions{Start: "path/1", End: "path/4"},
			[]string{"path/1", "path/2", "path/3"}},
		{"reverse", storage.ListOptions{Prefix: "path/", Reverse: true, Limit: 3},
			[]string{"path/5", "path/4", "path/3"}},
		{"no matches", storage.ListOptions{Prefix: "zzz"},
			[]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := store.List(ctx, tt.opts, true)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.expected, names(result)); diff != "" {
				t.Fatalf("keys mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func testListCursor(t *testing.T, ctx *testcontext.Context, store storage.Store, advance func(time.Duration)) {
	all := []string{"a", "b", "c", "d", "e"}
	seedKeys(t, ctx, store, all...)

	// paginating with the returned cursor walks the whole set
	var pages []string
	cursor := ""
	for {
		result, err := store.List(ctx, storage.ListOptions{Limit: 2, Cursor: cursor}, true)
		require.NoError(t, err)
		pages = append(pages, names(result)...)
		if result.Cursor == "" {
			break
		}
		cursor = result.Cursor
	}
	if diff := cmp.Diff(all, pages); diff != "" {
		t.Fatalf("pagination mismatch (-want +got):\n%s", diff)
	}

	// an exact-limit final page reports exhaustion on the next call
	result, err := store.List(ctx, storage.ListOptions{Limit: 5}, true)
	require.NoError(t, err)
	require.Empty(t, result.Cursor)

	// reverse pagination
	pages = nil
	cursor = ""
	for {
		result, err := store.List(ctx, storage.ListOptions{Limit: 2, Cursor: cursor, Reverse: true}, true)
		require.NoError(t, err)
		pages = append(pages, names(result)...)
		if result.Cursor == "" {
			break
		}
		cursor = result.Cursor
	}
	if diff := cmp.Diff([]string{"e", "d", "c", "b", "a"}, pages); diff != "" {
		t.Fatalf("reverse pagination mismatch (-want +got):\n%s", diff)
	}

	_, err = store.List(ctx, storage.ListOptions{Cursor: "!!!not-base64!!!"}, true)
	require.True(t, storage.ErrInvalidCursor.Has(err))
}

func testListDelimiter(t *testing.T, ctx *testcontext.Context, store storage.Store, advance func(time.Duration)) {
	seedKeys(t, ctx, store,
		"dir1/file1", "dir1/file2", "dir2/file1", "top1", "top2",
	)

	result, err := store.List(ctx, storage.ListOptions{Delimiter: "/"}, true)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"dir1/", "dir2/"}, result.DelimitedPrefixes); diff != "" {
		t.Fatalf("prefixes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"top1", "top2"}, names(result)); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}

	// the delimiter applies to the suffix after the prefix
	result, err = store.List(ctx, storage.ListOptions{Prefix: "dir1/", Delimiter: "/"}, true)
	require.NoError(t, err)
	require.Empty(t, result.DelimitedPrefixes)
	if diff := cmp.Diff([]string{"dir1/file1", "dir1/file2"}, names(result)); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}

	// prefixes count against the limit and pagination resumes after the
	// swallowed group
	result, err = store.List(ctx, storage.ListOptions{Delimiter: "/", Limit: 1}, true)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"dir1/"}, result.DelimitedPrefixes); diff != "" {
		t.Fatalf("prefixes mismatch (-want +got):\n%s", diff)
	}
	require.NotEmpty(t, result.Cursor)

	result, err = store.List(ctx, storage.ListOptions{Delimiter: "/", Limit: 10, Cursor: result.Cursor}, true)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"dir2/"}, result.DelimitedPrefixes); diff != "" {
		t.Fatalf("prefixes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"top1", "top2"}, names(result)); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
}
