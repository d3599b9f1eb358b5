// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package storage

import "time"

// Clock returns the current unix time in milliseconds. Backends take a
// Clock so tests can inject a fake one.
type Clock func() int64

// SystemClock is the wall clock.
func SystemClock() int64 {
	return time.Now().UnixMilli()
}

// orSystem defaults a nil clock to the system clock.
func (clock Clock) orSystem() Clock {
	if clock == nil {
		return SystemClock
	}
	return clock
}

// Now is a convenience for calling a possibly nil clock.
func (clock Clock) Now() int64 {
	return clock.orSystem()()
}
