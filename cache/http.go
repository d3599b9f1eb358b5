// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package cache

import (
	"net/http"
	"strconv"
	"strings"
)

// directives holds parsed Cache-Control directives, lower-cased, with
// quoted values unwrapped.
type directives map[string]string

func (d directives) has(name string) bool {
	_, ok := d[name]
	return ok
}

func (d directives) get(name string) string { return d[name] }

func parseCacheControl(value string) directives {
	parsed := make(directives)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, _ := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		val = strings.Trim(strings.TrimSpace(val), `"`)
		parsed[name] = strings.ToLower(val)
	}
	return parsed
}

// resolveTTL returns the freshness lifetime in seconds, preferring
// s-maxage over max-age over an absolute Expires date.
func resolveTTL(headers http.Header, d directives, nowMs int64) int64 {
	if value, ok := d["s-maxage"]; ok {
		if ttl, err := strconv.ParseInt(value, 10, 64); err == nil {
			return ttl
		}
	}
	if value, ok := d["max-age"]; ok {
		if ttl, err := strconv.ParseInt(value, 10, 64); err == nil {
			return ttl
		}
	}
	if expires := headers.Get("Expires"); expires != "" {
		at, err := http.ParseTime(expires)
		if err != nil {
			// an unparseable Expires means already stale
			return 0
		}
		return at.UnixMilli()/1000 - nowMs/1000
	}
	return 0
}

// etagMatches implements the If-None-Match weak comparison over a
// comma-separated candidate list.
func etagMatches(ifNoneMatch, etag string) bool {
	if etag == "" {
		return false
	}
	stored := weakenETag(etag)
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if weakenETag(candidate) == stored {
			return true
		}
	}
	return false
}

func weakenETag(etag string) string {
	return strings.TrimPrefix(etag, "W/")
}

// notModifiedSince reports whether the stored Last-Modified date is not
// newer than the client's If-Modified-Since date.
func notModifiedSince(ifModifiedSince, lastModified string) bool {
	if lastModified == "" {
		return false
	}
	since, err := http.ParseTime(ifModifiedSince)
	if err != nil {
		return false
	}
	modified, err := http.ParseTime(lastModified)
	if err != nil {
		return false
	}
	return !modified.After(since)
}
