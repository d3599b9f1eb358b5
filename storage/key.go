// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package storage

import (
	"unicode/utf8"
)

// ValidateKey checks the substrate key constraints: non-empty, at most
// MaxKeySize UTF-8 bytes, no unpaired surrogates (which appear as invalid
// UTF-8 in Go strings).
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey.New("key is empty")
	}
	if len(key) > MaxKeySize {
		return ErrInvalidKey.New("key %q exceeds %d bytes", truncateKey(key), MaxKeySize)
	}
	if !utf8.ValidString(key) {
		return ErrInvalidKey.New("key %q contains unpaired surrogates", truncateKey(key))
	}
	return nil
}

func truncateKey(key string) string {
	const max = 64
	if len(key) <= max {
		return key
	}
	return key[:max] + "..."
}
