// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package storage

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
)

// KeyInfo describes a listed key.
type KeyInfo struct {
	Name       string
	Expiration int64
	Metadata   json.RawMessage
}

// ListOptions filter and paginate a listing. Keys are compared in
// lexicographic byte order. Empty string fields are unset.
type ListOptions struct {
	Prefix string
	// Start is the inclusive lower bound, End the exclusive upper bound.
	Start string
	End   string
	// Reverse lists in descending order.
	Reverse bool
	// Limit bounds keys plus delimited prefixes; zero means unlimited.
	Limit int
	// Cursor resumes a previous listing after its last emitted key.
	Cursor string
	// Delimiter groups keys sharing a prefix segment into a single
	// delimited prefix.
	Delimiter string
}

// ListResult is one page of a listing.
type ListResult struct {
	Keys              []KeyInfo
	Cursor            string
	DelimitedPrefixes []string
}

// EncodeCursor encodes the last emitted key as an opaque cursor.
func EncodeCursor(key string) string {
	return base64.StdEncoding.EncodeToString([]byte(key))
}

// DecodeCursor reverses EncodeCursor.
func DecodeCursor(cursor string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", ErrInvalidCursor.Wrap(err)
	}
	return string(raw), nil
}

// ApplyList runs the fixed filter, sort, cursor, delimiter and limit
// steps over an unordered candidate set. Callers must already have
// dropped expired entries.
func ApplyList(items []KeyInfo, opts ListOptions) (*ListResult, error) {
	filtered := make([]KeyInfo, 0, len(items))
	for _, item := range items {
		if !strings.HasPrefix(item.Name, opts.Prefix) {
			continue
		}
		if opts.Start != "" && item.Name < opts.Start {
			continue
		}
		if opts.End != "" && item.Name >= opts.End {
			continue
		}
		filtered = append(filtered, item)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if opts.Reverse {
			return filtered[i].Name > filtered[j].Name
		}
		return filtered[i].Name < filtered[j].Name
	})

	start := 0
	if opts.Cursor != "" {
		last, err := DecodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		for start < len(filtered) {
			name := filtered[start].Name
			if opts.Reverse {
				if name < last {
					break
				}
			} else if name > last {
				break
			}
			start++
		}
	}

	result := &ListResult{}
	count := 0
	lastConsumed := ""
	i := start
	for i < len(filtered) {
		if opts.Limit > 0 && count >= opts.Limit {
			break
		}
		item := filtered[i]
		if opts.Delimiter != "" {
			suffix := item.Name[len(opts.Prefix):]
			if p := strings.Index(suffix, opts.Delimiter); p >= 0 {
				group := item.Name[:len(opts.Prefix)+p+len(opts.Delimiter)]
				result.DelimitedPrefixes = append(result.DelimitedPrefixes, group)
				count++
				for i < len(filtered) && strings.HasPrefix(filtered[i].Name, group) {
					lastConsumed = filtered[i].Name
					i++
				}
				continue
			}
		}
		result.Keys = append(result.Keys, item)
		lastConsumed = item.Name
		count++
		i++
	}
	if i < len(filtered) {
		result.Cursor = EncodeCursor(lastConsumed)
	}
	return result, nil
}
