// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package testclock provides a controllable clock for tests.
package testclock

import (
	"sync"
	"time"
)

// Clock is a fake unix-millisecond clock. Pass clock.Now as the
// storage.Clock and call Advance to move time.
type Clock struct {
	mu sync.Mutex
	ms int64
}

// New creates a clock at the given unix-millisecond time.
func New(ms int64) *Clock {
	return &Clock{ms: ms}
}

// Now returns the current fake time in unix milliseconds.
func (clock *Clock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.ms
}

// Advance moves the clock forward.
func (clock *Clock) Advance(d time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.ms += d.Milliseconds()
}

// Set jumps the clock to the given unix-millisecond time.
func (clock *Clock) Set(ms int64) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.ms = ms
}
