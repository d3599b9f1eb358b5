// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package structclone encodes and decodes object graphs with
// structured-clone semantics: cycles and shared references survive a
// round trip, and the JS value kinds that have no JSON equivalent
// (Map, Set, Date, RegExp, Error, binary buffers) are preserved.
package structclone

import (
	"github.com/zeebo/errs"
)

// ErrDataClone is returned for values that cannot be cloned, such as
// functions or unknown host objects.
var ErrDataClone = errs.Class("DataCloneError")

// Object is a string-keyed record. Being a map type, two Object values
// share identity exactly when they share the underlying map.
type Object map[string]any

// Array is an ordered list. Always handled through a pointer so shared
// references and cycles keep their identity.
type Array struct {
	Items []any
}

// MapEntry is one key/value pair of a Map.
type MapEntry struct {
	Key, Value any
}

// Map preserves entry order and non-string keys.
type Map struct {
	Entries []MapEntry
}

// Set preserves insertion order.
type Set struct {
	Values []any
}

// Date is a timestamp in unix milliseconds.
type Date struct {
	UnixMs int64
}

// RegExp is a source pattern plus flags.
type RegExp struct {
	Source string
	Flags  string
}

// ErrorValue carries the cloneable parts of an error: name, message,
// stack and a recursively cloned cause.
type ErrorValue struct {
	Name    string
	Message string
	Stack   string
	Cause   any
}

// ArrayBuffer is a raw byte buffer, possibly shared by several views.
type ArrayBuffer struct {
	Data []byte
}

// TypedArray is a view over an ArrayBuffer. Kind names the JS
// constructor, for example "Uint8Array" or "Float64Array".
type TypedArray struct {
	Kind       string
	Buffer     *ArrayBuffer
	ByteOffset int
	ByteLength int
}
