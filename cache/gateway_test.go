// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package cache_test

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"miniflare.dev/miniflare/cache"
	"miniflare.dev/miniflare/internal/testclock"
	"miniflare.dev/miniflare/internal/testcontext"
	"miniflare.dev/miniflare/storage/memstore"
)

func newGateway(t *testing.T, options cache.Options) (*cache.Gateway, *testclock.Clock) {
	clock := testclock.New(time.Now().UnixMilli())
	store := memstore.New(clock.Now)
	return cache.New(zaptest.NewLogger(t), store, clock.Now, options), clock
}

func getRequest(url string, header http.Header) *http.Request {
	request := httptest.NewRequest(http.MethodGet, url, nil)
	for key, values := range header {
		request.Header[key] = values
	}
	return request
}

func response(status int, body string, headerPairs ...string) cache.Response {
	headers := make(http.Header)
	for i := 0; i+1 < len(headerPairs); i += 2 {
		headers.Set(headerPairs[i], headerPairs[i+1])
	}
	return cache.Response{StatusCode: status, Headers: headers, Body: []byte(body)}
}

func TestPutMatchDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, cache.Options{})

	url := "http://localhost/cached"
	stored := response(200, "hello", "Cache-Control", "max-age=3600", "Content-Type", "text/plain")
	require.NoError(t, gateway.Put(ctx, http.MethodGet, url, "", stored))

	match, err := gateway.Match(ctx, getRequest(url, nil), "")
	require.NoError(t, err)
	require.NotNil(t, match)
	require.Equal(t, 200, match.StatusCode)
	require.Equal(t, "hello", string(match.Body))
	require.Equal(t, "HIT", match.Headers.Get("CF-Cache-Status"))
	require.Equal(t, "5", match.Headers.Get("Content-Length"))

	existed, err := gateway.Delete(ctx, http.MethodGet, url, "")
	require.NoError(t, err)
	require.True(t, existed)

	match, err = gateway.Match(ctx, getRequest(url, nil), "")
	require.NoError(t, err)
	require.Nil(t, match)

	existed, err = gateway.Delete(ctx, http.MethodGet, url, "")
	require.NoError(t, err)
	require.False(t, existed)
}

func TestPutPolicy(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, cache.Options{})

	rejected := []cache.Response{
		response(200, "x", "Cache-Control", "private, max-age=3600"),
		response(200, "x", "Cache-Control", "no-store"),
		response(200, "x", "Cache-Control", "no-cache"),
		response(200, "x", "Cache-Control", "max-age=3600", "Set-Cookie", "id=1"),
		response(200, "x", "Cache-Control", "max-age=3600", "Vary", "*"),
		response(200, "x"),
		response(200, "x", "Cache-Control", "max-age=0"),
		response(500, "x", "Cache-Control", "max-age=3600"),
		response(302, "x", "Cache-Control", "max-age=3600"),
	}
	for i, res := range rejected {
		url := "http://localhost/reject/" + string(rune('a'+i))
		require.NoError(t, gateway.Put(ctx, http.MethodGet, url, "", res))
		match, err := gateway.Match(ctx, getRequest(url, nil), "")
		require.NoError(t, err)
		require.Nil(t, match, "response %d should not have been stored", i)
	}

	// Set-Cookie is tolerated when explicitly excluded from privacy
	url := "http://localhost/cookie-ok"
	res := response(200, "x", "Cache-Control", "max-age=3600, private=set-cookie", "Set-Cookie", "id=1")
	require.NoError(t, gateway.Put(ctx, http.MethodGet, url, "", res))
	match, err := gateway.Match(ctx, getRequest(url, nil), "")
	require.NoError(t, err)
	require.NotNil(t, match)

	// a cacheable 404 is stored like any other response
	url = "http://localhost/missing"
	require.NoError(t, gateway.Put(ctx, http.MethodGet, url, "", response(404, "not here", "Cache-Control", "max-age=3600")))
	match, err = gateway.Match(ctx, getRequest(url, nil), "")
	require.NoError(t, err)
	require.NotNil(t, match)
	require.Equal(t, 404, match.StatusCode)
}

func TestTTLResolution(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, clock := newGateway(t, cache.Options{})

	// s-maxage beats max-age
	url := "http://localhost/smaxage"
	res := response(200, "x", "Cache-Control", "max-age=10, s-maxage=3600")
	require.NoError(t, gateway.Put(ctx, http.MethodGet, url, "", res))
	clock.Advance(30 * time.Second)
	match, err := gateway.Match(ctx, getRequest(url, nil), "")
	require.NoError(t, err)
	require.NotNil(t, match)

	// Expires is the fallback
	url = "http://localhost/expires"
	expires := time.UnixMilli(clock.Now()).UTC().Add(time.Hour).Format(http.TimeFormat)
	require.NoError(t, gateway.Put(ctx, http.MethodGet, url, "", response(200, "x", "Expires", expires)))
	match, err = gateway.Match(ctx, getRequest(url, nil), "")
	require.NoError(t, err)
	require.NotNil(t, match)

	// Age backdates the stored time
	url = "http://localhost/aged"
	require.NoError(t, gateway.Put(ctx, http.MethodGet, url, "", response(200, "x", "Cache-Control", "max-age=60", "Age", "30")))
	clock.Advance(40 * time.Second)
	match, err = gateway.Match(ctx, getRequest(url, nil), "")
	require.NoError(t, err)
	require.Nil(t, match)
}

func TestExpiry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, clock := newGateway(t, cache.Options{})

	url := "http://localhost/short"
	require.NoError(t, gateway.Put(ctx, http.MethodGet, url, "", response(200, "x", "Cache-Control", "max-age=60")))

	match, err := gateway.Match(ctx, getRequest(url, nil), "")
	require.NoError(t, err)
	require.NotNil(t, match)

	clock.Advance(61 * time.Second)
	match, err = gateway.Match(ctx, getRequest(url, nil), "")
	require.NoError(t, err)
	require.Nil(t, match)
}

func TestConditionalRequests(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, cache.Options{})

	url := "http://localhost/conditional"
	modified := time.Now().UTC().Add(-time.Hour).Format(http.TimeFormat)
	res := response(200, "body",
		"Cache-Control", "max-age=3600",
		"ETag", `"x"`,
		"Last-Modified", modified,
	)
	require.NoError(t, gateway.Put(ctx, http.MethodGet, url, "", res))

	header := http.Header{"If-None-Match": {`"x"`}}
	match, err := gateway.Match(ctx, getRequest(url, header), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotModified, match.StatusCode)
	require.Empty(t, match.Body)
	require.Equal(t, "HIT", match.Headers.Get("CF-Cache-Status"))

	for _, value := range []string{`W/"x"`, `"y", "x"`, "*"} {
		match, err = gateway.Match(ctx, getRequest(url, http.Header{"If-None-Match": {value}}), "")
		require.NoError(t, err)
		require.Equal(t, http.StatusNotModified, match.StatusCode, "If-None-Match: %s", value)
	}

	match, err = gateway.Match(ctx, getRequest(url, http.Header{"If-None-Match": {`"y"`}}), "")
	require.NoError(t, err)
	require.Equal(t, 200, match.StatusCode)
	require.Equal(t, "body", string(match.Body))

	since := time.Now().UTC().Format(http.TimeFormat)
	match, err = gateway.Match(ctx, getRequest(url, http.Header{"If-Modified-Since": {since}}), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotModified, match.StatusCode)

	stale := time.Now().UTC().Add(-2 * time.Hour).Format(http.TimeFormat)
	match, err = gateway.Match(ctx, getRequest(url, http.Header{"If-Modified-Since": {stale}}), "")
	require.NoError(t, err)
	require.Equal(t, 200, match.StatusCode)
}

func TestRangeRequests(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, cache.Options{})

	url := "http://localhost/ranged"
	res := response(200, "0123456789", "Cache-Control", "max-age=3600", "Content-Type", "text/plain")
	require.NoError(t, gateway.Put(ctx, http.MethodGet, url, "", res))

	match, err := gateway.Match(ctx, getRequest(url, http.Header{"Range": {"bytes=2-4"}}), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusPartialContent, match.StatusCode)
	require.Equal(t, "234", string(match.Body))
	require.Equal(t, "bytes 2-4/10", match.Headers.Get("Content-Range"))
	require.Equal(t, "3", match.Headers.Get("Content-Length"))

	match, err = gateway.Match(ctx, getRequest(url, http.Header{"Range": {"bytes=1-3,5-6"}}), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusPartialContent, match.StatusCode)
	mediaType, params, err := mime.ParseMediaType(match.Headers.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/byteranges", mediaType)

	reader := multipart.NewReader(strings.NewReader(string(match.Body)), params["boundary"])
	var parts []string
	var contentRanges []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(part)
		require.NoError(t, err)
		parts = append(parts, string(body))
		contentRanges = append(contentRanges, part.Header.Get("Content-Range"))
	}
	require.Equal(t, []string{"123", "56"}, parts)
	require.Equal(t, []string{"bytes 1-3/10", "bytes 5-6/10"}, contentRanges)

	match, err = gateway.Match(ctx, getRequest(url, http.Header{"Range": {"bytes=15-"}}), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, match.StatusCode)
	require.Equal(t, "bytes */10", match.Headers.Get("Content-Range"))

	// suffix form
	match, err = gateway.Match(ctx, getRequest(url, http.Header{"Range": {"bytes=-3"}}), "")
	require.NoError(t, err)
	require.Equal(t, http.StatusPartialContent, match.StatusCode)
	require.Equal(t, "789", string(match.Body))
}

func TestCustomCacheKey(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, cache.Options{})

	require.NoError(t, gateway.Put(ctx, http.MethodGet, "http://localhost/a", "shared",
		response(200, "x", "Cache-Control", "max-age=3600")))

	// a different URL with the same key hits
	match, err := gateway.Match(ctx, getRequest("http://localhost/b", nil), "shared")
	require.NoError(t, err)
	require.NotNil(t, match)

	// the URL alone misses
	match, err = gateway.Match(ctx, getRequest("http://localhost/a", nil), "")
	require.NoError(t, err)
	require.Nil(t, match)
}

func TestDisabled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	gateway, _ := newGateway(t, cache.Options{Disabled: true})

	url := "http://localhost/disabled"
	require.NoError(t, gateway.Put(ctx, http.MethodGet, url, "", response(200, "x", "Cache-Control", "max-age=3600")))

	match, err := gateway.Match(ctx, getRequest(url, nil), "")
	require.NoError(t, err)
	require.Nil(t, match)

	existed, err := gateway.Delete(ctx, http.MethodGet, url, "")
	require.NoError(t, err)
	require.False(t, existed)
}
