// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package storage

// RangeOptions selects a byte range of a value. Nil fields are unset.
type RangeOptions struct {
	Offset *int64
	Length *int64
	// Suffix selects the trailing Suffix bytes and overrides Offset and
	// Length when set.
	Suffix *int64
}

// IsZero reports whether no range was requested.
func (opts RangeOptions) IsZero() bool {
	return opts.Offset == nil && opts.Length == nil && opts.Suffix == nil
}

// Resolve maps the options onto a value of the given size.
//
// Suffix must be positive and is clamped to size. Offset defaults to
// zero and must lie within the value; Length defaults to the remainder,
// must be positive, and is clamped to the remainder.
func (opts RangeOptions) Resolve(size int64) (Range, error) {
	if opts.Suffix != nil {
		suffix := *opts.Suffix
		if suffix <= 0 {
			return Range{}, ErrInvalidRange.New("Suffix must be > 0")
		}
		if suffix > size {
			suffix = size
		}
		return Range{Offset: size - suffix, Length: suffix}, nil
	}

	var offset int64
	if opts.Offset != nil {
		offset = *opts.Offset
	}
	if offset < 0 {
		return Range{}, ErrInvalidRange.New("Offset must be >= 0")
	}
	if offset > size {
		return Range{}, ErrInvalidRange.New("Offset must be <= size: offset=%d size=%d", offset, size)
	}

	length := size - offset
	if opts.Length != nil {
		length = *opts.Length
	}
	if length <= 0 {
		return Range{}, ErrInvalidRange.New("Length must be > 0")
	}
	if offset+length > size {
		length = size - offset
	}
	return Range{Offset: offset, Length: length}, nil
}
