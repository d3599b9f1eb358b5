// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package r2

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
	"unicode/utf8"
)

const (
	// MaxKeySize bounds an object key in bytes.
	MaxKeySize = 1024
	// MaxValueSize bounds an object body.
	MaxValueSize = 5_000_000_000
	// MaxMetadataSize bounds serialized custom metadata, measured in
	// JS string code units (wide strings count two bytes per unit).
	MaxMetadataSize = 2048
	// MinMultipartPartSize is the minimum size of a non-final part.
	MinMultipartPartSize = 5 * 1024 * 1024
	// MaxListLimit bounds a single listing page.
	MaxListLimit = 1000
)

// HTTPMetadata mirrors the cache-relevant response headers stored with
// an object.
type HTTPMetadata struct {
	ContentType        string `json:"contentType,omitempty"`
	ContentLanguage    string `json:"contentLanguage,omitempty"`
	ContentDisposition string `json:"contentDisposition,omitempty"`
	ContentEncoding    string `json:"contentEncoding,omitempty"`
	CacheControl       string `json:"cacheControl,omitempty"`
	CacheExpiry        int64  `json:"cacheExpiry,omitempty"`
}

// Checksums records the digests verified at put time, hex encoded.
type Checksums struct {
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	SHA384 string `json:"sha384,omitempty"`
	SHA512 string `json:"sha512,omitempty"`
}

// ObjectEntry is the stored metadata of one object version.
type ObjectEntry struct {
	Key            string
	Version        string
	Size           int64
	ETag           string
	Uploaded       int64
	HTTPMetadata   HTTPMetadata
	CustomMetadata map[string]string
	Checksums      Checksums
}

// HTTPETag returns the quoted form used on the wire.
func (entry *ObjectEntry) HTTPETag() string { return `"` + entry.ETag + `"` }

// validateKey rejects oversized keys and byte sequences that are not
// well formed UTF-8 (which is where unpaired surrogates end up).
func validateKey(key string) error {
	if len(key) > MaxKeySize {
		return ErrInvalidObjectName.New("key length of %d bytes exceeds limit of %d", len(key), MaxKeySize)
	}
	if !utf8.ValidString(key) {
		return ErrInvalidObjectName.New("key is not valid UTF-8")
	}
	return nil
}

// metadataSize measures custom metadata the way a JS engine sizes the
// strings: one byte per UTF-16 code unit, doubled for any string
// containing a code unit of 256 or above.
func metadataSize(metadata map[string]string) int {
	total := 0
	for key, value := range metadata {
		total += jsStringSize(key) + jsStringSize(value)
	}
	return total
}

func jsStringSize(s string) int {
	units, wide := 0, false
	for _, r := range s {
		if r >= 0x10000 {
			units += 2
			wide = true
			continue
		}
		units++
		if r >= 256 {
			wide = true
		}
	}
	if wide {
		return units * 2
	}
	return units
}

// Conditions are the RFC 7232-like preconditions of a get or put,
// evaluated against the currently stored metadata.
type Conditions struct {
	// ETagMatches passes when unset or equal to the stored etag.
	ETagMatches string
	// ETagDoesNotMatch passes when unset or different from the stored
	// etag.
	ETagDoesNotMatch string
	// UploadedBefore passes when unset or the stored upload time is not
	// after it (unix ms).
	UploadedBefore int64
	// UploadedAfter passes when unset or the stored upload time is
	// after it (unix ms).
	UploadedAfter int64
	// SecondsGranularity truncates date comparisons to whole seconds.
	SecondsGranularity bool
}

// check evaluates the conditions; stored is nil for an absent object.
func (c Conditions) check(stored *ObjectEntry) bool {
	truncate := func(ms int64) int64 {
		if c.SecondsGranularity {
			return ms / 1000 * 1000
		}
		return ms
	}
	if stored == nil {
		// an explicit match or modified-since check cannot pass
		// without an object
		return c.ETagMatches == "" && c.UploadedAfter == 0
	}
	etag := stripQuotes(stored.ETag)
	matchPassed := c.ETagMatches != "" && stripQuotes(c.ETagMatches) == etag
	noneMatchPassed := c.ETagDoesNotMatch != "" && stripQuotes(c.ETagDoesNotMatch) != etag
	if c.ETagMatches != "" && !matchPassed {
		return false
	}
	if c.ETagDoesNotMatch != "" && !noneMatchPassed {
		return false
	}
	uploaded := truncate(stored.Uploaded)
	if c.UploadedBefore != 0 && uploaded > truncate(c.UploadedBefore) && !matchPassed {
		return false
	}
	if c.UploadedAfter != 0 && uploaded <= truncate(c.UploadedAfter) && !noneMatchPassed {
		return false
	}
	return true
}

func stripQuotes(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// digester accumulates every requested hash in one pass over the body.
type digester struct {
	md5    hash.Hash
	extras map[string]hash.Hash
}

// Hashes are caller-provided expected digests, hex encoded by
// algorithm name (md5, sha1, sha256, sha384, sha512).
type Hashes map[string]string

func newDigester(expected Hashes) (*digester, error) {
	d := &digester{md5: md5.New(), extras: make(map[string]hash.Hash)}
	for algorithm := range expected {
		switch algorithm {
		case "md5":
		case "sha1":
			d.extras[algorithm] = sha1.New()
		case "sha256":
			d.extras[algorithm] = sha256.New()
		case "sha384":
			d.extras[algorithm] = sha512.New384()
		case "sha512":
			d.extras[algorithm] = sha512.New()
		default:
			return nil, Error.New("unsupported hash algorithm %q", algorithm)
		}
	}
	return d, nil
}

func (d *digester) Write(p []byte) (int, error) {
	d.md5.Write(p)
	for _, h := range d.extras {
		h.Write(p)
	}
	return len(p), nil
}

// verify compares computed digests with the expected ones and builds
// the stored checksum record.
func (d *digester) verify(expected Hashes) (Checksums, error) {
	computed := map[string]string{"md5": hex.EncodeToString(d.md5.Sum(nil))}
	for algorithm, h := range d.extras {
		computed[algorithm] = hex.EncodeToString(h.Sum(nil))
	}
	for algorithm, want := range expected {
		got := computed[algorithm]
		if !strings.EqualFold(want, got) {
			return Checksums{}, ErrBadDigest.New(
				"the %s checksum you specified did not match what we received: expected %s, computed %s",
				algorithm, want, got)
		}
	}
	checksums := Checksums{MD5: computed["md5"]}
	for algorithm := range d.extras {
		switch algorithm {
		case "sha1":
			checksums.SHA1 = computed[algorithm]
		case "sha256":
			checksums.SHA256 = computed[algorithm]
		case "sha384":
			checksums.SHA384 = computed[algorithm]
		case "sha512":
			checksums.SHA512 = computed[algorithm]
		}
	}
	return checksums, nil
}
