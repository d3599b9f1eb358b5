// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package r2_test

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"miniflare.dev/miniflare/internal/testclock"
	"miniflare.dev/miniflare/internal/testcontext"
	"miniflare.dev/miniflare/r2"
	"miniflare.dev/miniflare/storage"
)

func newGateway(t *testing.T, ctx *testcontext.Context) (*r2.Gateway, *testclock.Clock) {
	clock := testclock.New(time.Now().UnixMilli())
	gateway, err := r2.Open(zaptest.NewLogger(t), ":memory:", ctx.Dir("blobs"), clock.Now)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, gateway.Close()) })
	return gateway, clock
}

func put(t *testing.T, ctx *testcontext.Context, gateway *r2.Gateway, key, body string) *r2.ObjectEntry {
	entry, err := gateway.Put(ctx, key, strings.NewReader(body), r2.PutOptions{})
	require.NoError(t, err)
	return entry
}

func readAll(t *testing.T, reader io.ReadCloser) string {
	defer func() { require.NoError(t, reader.Close()) }()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	return string(data)
}

func TestPutHeadGetDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, clock := newGateway(t, ctx)

	entry := put(t, ctx, gateway, "doc.txt", "hello world")
	sum := md5.Sum([]byte("hello world"))
	require.Equal(t, hex.EncodeToString(sum[:]), entry.ETag)
	require.Equal(t, `"`+entry.ETag+`"`, entry.HTTPETag())
	require.Equal(t, int64(11), entry.Size)
	require.Equal(t, clock.Now(), entry.Uploaded)

	head, err := gateway.Head(ctx, "doc.txt")
	require.NoError(t, err)
	require.Equal(t, entry.ETag, head.ETag)
	require.Equal(t, entry.Version, head.Version)

	got, body, err := gateway.Get(ctx, "doc.txt", r2.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, entry.Version, got.Version)
	require.Equal(t, "hello world", readAll(t, body))

	// a new put replaces the version
	replaced := put(t, ctx, gateway, "doc.txt", "changed")
	require.NotEqual(t, entry.Version, replaced.Version)

	require.NoError(t, gateway.Delete(ctx, "doc.txt", "absent"))
	head, err = gateway.Head(ctx, "doc.txt")
	require.NoError(t, err)
	require.Nil(t, head)
}

func TestGetRange(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, ctx)
	put(t, ctx, gateway, "k", "0123456789")

	offset, length := int64(2), int64(3)
	_, body, err := gateway.Get(ctx, "k", r2.GetOptions{
		Range: &storage.RangeOptions{Offset: &offset, Length: &length},
	})
	require.NoError(t, err)
	require.Equal(t, "234", readAll(t, body))

	suffix := int64(4)
	_, body, err = gateway.Get(ctx, "k", r2.GetOptions{
		Range: &storage.RangeOptions{Suffix: &suffix},
	})
	require.NoError(t, err)
	require.Equal(t, "6789", readAll(t, body))

	bad := int64(-1)
	_, _, err = gateway.Get(ctx, "k", r2.GetOptions{
		Range: &storage.RangeOptions{Suffix: &bad},
	})
	require.True(t, storage.ErrInvalidRange.Has(err))
}

func TestPutValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, ctx)

	_, err := gateway.Put(ctx, strings.Repeat("k", 1025), strings.NewReader("v"), r2.PutOptions{})
	require.True(t, r2.ErrInvalidObjectName.Has(err))

	_, err = gateway.Put(ctx, "bad\xff", strings.NewReader("v"), r2.PutOptions{})
	require.True(t, r2.ErrInvalidObjectName.Has(err))

	_, err = gateway.Put(ctx, "k", strings.NewReader("v"), r2.PutOptions{
		CustomMetadata: map[string]string{"key": strings.Repeat("x", 2048)},
	})
	require.True(t, r2.ErrMetadataTooLarge.Has(err))

	// wide strings count two bytes per code unit
	_, err = gateway.Put(ctx, "k", strings.NewReader("v"), r2.PutOptions{
		CustomMetadata: map[string]string{"key": strings.Repeat("é", 1023)},
	})
	require.True(t, r2.ErrMetadataTooLarge.Has(err))
}

func TestChecksums(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, ctx)

	body := "checksummed"
	sum := sha256.Sum256([]byte(body))
	entry, err := gateway.Put(ctx, "k", strings.NewReader(body), r2.PutOptions{
		Hashes: r2.Hashes{"sha256": hex.EncodeToString(sum[:])},
	})
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(sum[:]), entry.Checksums.SHA256)
	require.NotEmpty(t, entry.Checksums.MD5)

	_, err = gateway.Put(ctx, "k", strings.NewReader(body), r2.PutOptions{
		Hashes: r2.Hashes{"sha256": strings.Repeat("0", 64)},
	})
	require.True(t, r2.ErrBadDigest.Has(err))

	// a rejected put leaves the previous version intact
	head, err := gateway.Head(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, entry.Version, head.Version)
}

func TestConditionalPut(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, clock := newGateway(t, ctx)

	entry := put(t, ctx, gateway, "k", "v1")

	// etagMatches passes against the current etag
	updated, err := gateway.Put(ctx, "k", strings.NewReader("v2"), r2.PutOptions{
		OnlyIf: r2.Conditions{ETagMatches: entry.ETag},
	})
	require.NoError(t, err)

	// and fails against the stale one, reporting the stored metadata
	_, err = gateway.Put(ctx, "k", strings.NewReader("v3"), r2.PutOptions{
		OnlyIf: r2.Conditions{ETagMatches: entry.ETag},
	})
	precondition, ok := r2.IsPrecondition(err)
	require.True(t, ok)
	require.NotNil(t, precondition.Stored)
	require.Equal(t, updated.ETag, precondition.Stored.ETag)

	head, err := gateway.Head(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, updated.ETag, head.ETag)

	// absent objects fail explicit matches but pass none-matches
	_, err = gateway.Put(ctx, "fresh", strings.NewReader("v"), r2.PutOptions{
		OnlyIf: r2.Conditions{ETagMatches: "anything"},
	})
	_, ok = r2.IsPrecondition(err)
	require.True(t, ok)
	_, err = gateway.Put(ctx, "fresh", strings.NewReader("v"), r2.PutOptions{
		OnlyIf: r2.Conditions{ETagDoesNotMatch: "anything"},
	})
	require.NoError(t, err)

	// date bounds compare against the upload time
	before := clock.Now()
	clock.Advance(time.Minute)
	stamped := put(t, ctx, gateway, "stamped", "v")
	_, err = gateway.Put(ctx, "stamped", strings.NewReader("v2"), r2.PutOptions{
		OnlyIf: r2.Conditions{UploadedBefore: before},
	})
	_, ok = r2.IsPrecondition(err)
	require.True(t, ok)
	_, err = gateway.Put(ctx, "stamped", strings.NewReader("v2"), r2.PutOptions{
		OnlyIf: r2.Conditions{UploadedAfter: before},
	})
	require.NoError(t, err)
	_ = stamped
}

func TestConditionalGet(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, ctx)
	entry := put(t, ctx, gateway, "k", "v")

	got, body, err := gateway.Get(ctx, "k", r2.GetOptions{
		OnlyIf: r2.Conditions{ETagMatches: entry.ETag},
	})
	require.NoError(t, err)
	require.Equal(t, "v", readAll(t, body))
	require.Equal(t, entry.ETag, got.ETag)

	_, _, err = gateway.Get(ctx, "k", r2.GetOptions{
		OnlyIf: r2.Conditions{ETagDoesNotMatch: entry.ETag},
	})
	precondition, ok := r2.IsPrecondition(err)
	require.True(t, ok)
	require.Equal(t, entry.ETag, precondition.Stored.ETag)
}

func TestList(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, ctx)

	for _, key := range []string{"dir/a", "dir/b", "dir/sub/c", "top"} {
		put(t, ctx, gateway, key, "v")
	}

	page, err := gateway.List(ctx, r2.ListOptions{Prefix: "dir/"})
	require.NoError(t, err)
	require.Len(t, page.Objects, 3)

	// delimiter groups nested keys
	page, err = gateway.List(ctx, r2.ListOptions{Prefix: "dir/", Delimiter: "/"})
	require.NoError(t, err)
	require.Len(t, page.Objects, 2)
	require.Equal(t, []string{"dir/sub/"}, page.DelimitedPrefixes)

	// cursor pagination
	page, err = gateway.List(ctx, r2.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Objects, 2)
	require.NotEmpty(t, page.Cursor)
	rest, err := gateway.List(ctx, r2.ListOptions{Limit: 2, Cursor: page.Cursor})
	require.NoError(t, err)
	require.Len(t, rest.Objects, 2)
	require.Empty(t, rest.Cursor)

	// startAfter is exclusive
	page, err = gateway.List(ctx, r2.ListOptions{StartAfter: "dir/b"})
	require.NoError(t, err)
	require.Len(t, page.Objects, 2)
	require.Equal(t, "dir/sub/c", page.Objects[0].Key)

	_, err = gateway.List(ctx, r2.ListOptions{Limit: 1001})
	require.True(t, r2.ErrInvalidMaxKeys.Has(err))
}

func TestListPrefixWildcards(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, ctx)

	// prefixes with LIKE wildcards match literally
	for _, key := range []string{"a_b", "axb", "p%q", "pxq"} {
		put(t, ctx, gateway, key, "v")
	}

	page, err := gateway.List(ctx, r2.ListOptions{Prefix: "a_"})
	require.NoError(t, err)
	require.Len(t, page.Objects, 1)
	require.Equal(t, "a_b", page.Objects[0].Key)

	page, err = gateway.List(ctx, r2.ListOptions{Prefix: "p%"})
	require.NoError(t, err)
	require.Len(t, page.Objects, 1)
	require.Equal(t, "p%q", page.Objects[0].Key)
}

func TestListInclude(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, ctx)

	_, err := gateway.Put(ctx, "k", strings.NewReader("v"), r2.PutOptions{
		HTTPMetadata:   r2.HTTPMetadata{ContentType: "text/plain"},
		CustomMetadata: map[string]string{"tag": "blue"},
	})
	require.NoError(t, err)

	page, err := gateway.List(ctx, r2.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, page.Objects[0].HTTPMetadata.ContentType)
	require.Nil(t, page.Objects[0].CustomMetadata)

	page, err = gateway.List(ctx, r2.ListOptions{IncludeHTTPMetadata: true, IncludeCustomMetadata: true})
	require.NoError(t, err)
	require.Equal(t, "text/plain", page.Objects[0].HTTPMetadata.ContentType)
	require.Equal(t, map[string]string{"tag": "blue"}, page.Objects[0].CustomMetadata)
}

func TestMultipart(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, ctx)

	upload, err := gateway.CreateMultipartUpload(ctx, "big", r2.MultipartOptions{
		HTTPMetadata: r2.HTTPMetadata{ContentType: "application/octet-stream"},
	})
	require.NoError(t, err)

	partOne := bytes.Repeat([]byte("a"), r2.MinMultipartPartSize)
	partTwo := []byte("tail")

	first, err := gateway.UploadPart(ctx, "big", upload.UploadID, 1, bytes.NewReader(partOne))
	require.NoError(t, err)
	second, err := gateway.UploadPart(ctx, "big", upload.UploadID, 2, bytes.NewReader(partTwo))
	require.NoError(t, err)

	entry, err := gateway.CompleteMultipartUpload(ctx, "big", upload.UploadID, []r2.UploadedPart{first, second})
	require.NoError(t, err)
	require.Equal(t, int64(len(partOne)+len(partTwo)), entry.Size)
	require.Equal(t, "application/octet-stream", entry.HTTPMetadata.ContentType)

	// composite etag: md5 over the raw part digests, dash, part count
	sumOne := md5.Sum(partOne)
	sumTwo := md5.Sum(partTwo)
	composite := md5.Sum(append(sumOne[:], sumTwo[:]...))
	require.Equal(t, hex.EncodeToString(composite[:])+"-2", entry.ETag)

	_, body, err := gateway.Get(ctx, "big", r2.GetOptions{})
	require.NoError(t, err)
	got := readAll(t, body)
	require.Equal(t, string(partOne)+string(partTwo), got)

	// the upload is gone once completed
	_, err = gateway.UploadPart(ctx, "big", upload.UploadID, 3, bytes.NewReader([]byte("x")))
	require.True(t, r2.ErrNoSuchUpload.Has(err))
}

func TestMultipartPartTooSmall(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, ctx)

	upload, err := gateway.CreateMultipartUpload(ctx, "small", r2.MultipartOptions{})
	require.NoError(t, err)
	first, err := gateway.UploadPart(ctx, "small", upload.UploadID, 1, strings.NewReader("tiny"))
	require.NoError(t, err)
	second, err := gateway.UploadPart(ctx, "small", upload.UploadID, 2, strings.NewReader("tail"))
	require.NoError(t, err)

	_, err = gateway.CompleteMultipartUpload(ctx, "small", upload.UploadID, []r2.UploadedPart{first, second})
	require.True(t, r2.ErrEntityTooLarge.Has(err))
}

func TestMultipartCompleteWithoutParts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, ctx)

	upload, err := gateway.CreateMultipartUpload(ctx, "empty", r2.MultipartOptions{})
	require.NoError(t, err)

	_, err = gateway.CompleteMultipartUpload(ctx, "empty", upload.UploadID, nil)
	require.True(t, r2.ErrInvalidPart.Has(err))

	// the upload survives a rejected completion
	head, err := gateway.Head(ctx, "empty")
	require.NoError(t, err)
	require.Nil(t, head)
	_, err = gateway.UploadPart(ctx, "empty", upload.UploadID, 1, strings.NewReader("payload"))
	require.NoError(t, err)
}

func TestMultipartCopyAndAbort(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, ctx)

	put(t, ctx, gateway, "source", "0123456789")
	upload, err := gateway.CreateMultipartUpload(ctx, "copy", r2.MultipartOptions{})
	require.NoError(t, err)

	offset, length := int64(2), int64(3)
	part, err := gateway.UploadPartCopy(ctx, "copy", upload.UploadID, 1, "source",
		&storage.RangeOptions{Offset: &offset, Length: &length})
	require.NoError(t, err)
	sum := md5.Sum([]byte("234"))
	require.Equal(t, hex.EncodeToString(sum[:]), part.ETag)

	require.NoError(t, gateway.AbortMultipartUpload(ctx, "copy", upload.UploadID))
	require.True(t, r2.ErrNoSuchUpload.Has(gateway.AbortMultipartUpload(ctx, "copy", upload.UploadID)))

	head, err := gateway.Head(ctx, "copy")
	require.NoError(t, err)
	require.Nil(t, head)
}
