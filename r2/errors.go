// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package r2

import (
	"github.com/zeebo/errs"
)

var (
	// Error is the default object gateway error class.
	Error = errs.Class("r2")

	// ErrBadDigest is returned when a caller-provided hash disagrees
	// with the computed one.
	ErrBadDigest = errs.Class("BadDigest")

	// ErrEntityTooLarge is returned for bodies over the value limit and
	// for undersized non-final multipart parts at completion.
	ErrEntityTooLarge = errs.Class("EntityTooLarge")

	// ErrMetadataTooLarge is returned when serialized custom metadata
	// exceeds the limit.
	ErrMetadataTooLarge = errs.Class("MetadataTooLarge")

	// ErrInvalidObjectName is returned for oversized or malformed keys.
	ErrInvalidObjectName = errs.Class("InvalidObjectName")

	// ErrInvalidMaxKeys is returned for out-of-range listing limits.
	ErrInvalidMaxKeys = errs.Class("InvalidMaxKeys")

	// ErrNoSuchUpload is returned for operations on an unknown or
	// already finished multipart upload.
	ErrNoSuchUpload = errs.Class("NoSuchUpload")

	// ErrInvalidPart is returned at completion when a listed part does
	// not match a stored one.
	ErrInvalidPart = errs.Class("InvalidPart")
)

// PreconditionError reports a failed conditional operation and carries
// the stored metadata the condition was evaluated against.
type PreconditionError struct {
	// Stored is nil when the object was absent.
	Stored *ObjectEntry
}

// Error implements error.
func (p *PreconditionError) Error() string {
	return "PreconditionFailed: the conditions specified were not met"
}

// IsPrecondition reports whether err is a failed conditional, returning
// the stored metadata it carries.
func IsPrecondition(err error) (*PreconditionError, bool) {
	var precondition *PreconditionError
	if errs.IsFunc(err, func(err error) bool {
		p, ok := err.(*PreconditionError)
		if ok {
			precondition = p
		}
		return ok
	}) {
		return precondition, true
	}
	return nil, false
}
