// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package cache implements the HTTP response cache gateway.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"miniflare.dev/miniflare/storage"
)

var mon = monkit.Package()

// Error is the default cache gateway error class.
var Error = errs.Class("cache")

// cacheableStatus is the set of response statuses that may be stored.
var cacheableStatus = map[int]bool{
	200: true, 203: true, 204: true, 206: true, 300: true,
	301: true, 404: true, 405: true, 410: true, 414: true, 501: true,
}

// Response is a stored or reconstructed HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// storedMeta is the JSON metadata persisted alongside a cached body.
type storedMeta struct {
	Status int         `json:"status"`
	Header http.Header `json:"headers"`
	// StoredAtMs backdates by the Age header so freshness math uses the
	// origin's clock.
	StoredAtMs int64 `json:"storedAt"`
}

// Options configure a cache gateway.
type Options struct {
	// Disabled turns every operation into a no-op: puts are silently
	// dropped and matches always miss.
	Disabled bool
	// WarnUsage emits a single warning on the first put, for workers
	// deployed on a non-custom subdomain where the cache is inert.
	WarnUsage bool
}

// Gateway maps request fingerprints to previously stored responses.
type Gateway struct {
	log     *zap.Logger
	store   storage.Store
	clock   storage.Clock
	options Options

	warnOnce sync.Once
}

// New creates a cache gateway over store. Named caches use separately
// namespaced stores.
func New(log *zap.Logger, store storage.Store, clock storage.Clock, options Options) *Gateway {
	return &Gateway{log: log, store: store, clock: clock, options: options}
}

// fingerprint derives the storage key for a request. Only the method and
// URL (or the per-operation override key) participate.
func fingerprint(method, url, cacheKey string) string {
	if cacheKey != "" {
		url = cacheKey
	}
	key := method + ":" + url
	if len(key) > storage.MaxKeySize {
		sum := sha256.Sum256([]byte(key))
		key = method + ":" + hex.EncodeToString(sum[:])
	}
	return key
}

// Put stores a response for a GET request. Responses the policy forbids
// are silently dropped.
func (gateway *Gateway) Put(ctx context.Context, method, url, cacheKey string, response Response) (err error) {
	defer mon.Task()(&ctx)(&err)

	if gateway.options.Disabled {
		return nil
	}
	if gateway.options.WarnUsage {
		gateway.warnOnce.Do(func() {
			gateway.log.Warn("Cache operations will have no impact if you deploy to a workers.dev subdomain!")
		})
	}
	if method != http.MethodGet {
		return nil
	}
	if !cacheableStatus[response.StatusCode] {
		return nil
	}

	directives := parseCacheControl(response.Headers.Get("Cache-Control"))
	if directives.has("private") || directives.has("no-store") || directives.has("no-cache") {
		return nil
	}
	if response.Headers.Get("Set-Cookie") != "" && directives.get("private") != "set-cookie" {
		return nil
	}
	if response.Headers.Get("Vary") == "*" {
		return nil
	}

	nowMs := gateway.clock.Now()
	ttlSeconds := resolveTTL(response.Headers, directives, nowMs)
	if ttlSeconds <= 0 {
		return nil
	}
	storedAtMs := nowMs
	if age, err := strconv.ParseInt(response.Headers.Get("Age"), 10, 64); err == nil && age > 0 {
		storedAtMs -= age * 1000
	}
	expiration := storedAtMs/1000 + ttlSeconds
	if expiration*1000 <= nowMs {
		return nil
	}

	meta, err := json.Marshal(storedMeta{
		Status:     response.StatusCode,
		Header:     response.Headers,
		StoredAtMs: storedAtMs,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return gateway.store.Put(ctx, fingerprint(method, url, cacheKey), storage.Entry{
		Value:      response.Body,
		Expiration: expiration,
		Metadata:   meta,
	})
}

// Match looks up a stored response and applies conditional and range
// request handling against it. A nil response is a miss.
func (gateway *Gateway) Match(ctx context.Context, request *http.Request, cacheKey string) (_ *Response, err error) {
	defer mon.Task()(&ctx)(&err)

	if gateway.options.Disabled || request.Method != http.MethodGet {
		return nil, nil
	}
	entry, err := gateway.store.Get(ctx, fingerprint(request.Method, request.URL.String(), cacheKey), false)
	if err != nil || entry == nil {
		return nil, err
	}
	var meta storedMeta
	if err := json.Unmarshal(entry.Metadata, &meta); err != nil {
		return nil, Error.Wrap(err)
	}

	headers := cloneHeader(meta.Header)
	headers.Set("CF-Cache-Status", "HIT")

	// conditionals evaluate against the stored response, never the
	// live worker
	if ifNoneMatch := request.Header.Get("If-None-Match"); ifNoneMatch != "" {
		if etagMatches(ifNoneMatch, headers.Get("ETag")) {
			return notModified(headers), nil
		}
	} else if ifModifiedSince := request.Header.Get("If-Modified-Since"); ifModifiedSince != "" {
		if notModifiedSince(ifModifiedSince, headers.Get("Last-Modified")) {
			return notModified(headers), nil
		}
	}

	if rangeHeader := request.Header.Get("Range"); rangeHeader != "" {
		return buildRangeResponse(rangeHeader, meta.Status, headers, entry.Value)
	}

	headers.Set("Content-Length", strconv.Itoa(len(entry.Value)))
	return &Response{StatusCode: meta.Status, Headers: headers, Body: entry.Value}, nil
}

// Delete removes a stored response by fingerprint.
func (gateway *Gateway) Delete(ctx context.Context, method, url, cacheKey string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if gateway.options.Disabled {
		return false, nil
	}
	return gateway.store.Delete(ctx, fingerprint(method, url, cacheKey))
}

func notModified(headers http.Header) *Response {
	headers = cloneHeader(headers)
	headers.Del("Content-Length")
	return &Response{StatusCode: http.StatusNotModified, Headers: headers}
}

func cloneHeader(header http.Header) http.Header {
	clone := make(http.Header, len(header))
	for key, values := range header {
		clone[key] = append([]string(nil), values...)
	}
	return clone
}
