// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package gate implements the input/output gates and subrequest budget
// carried by every request context.
package gate

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
)

// Error is the default gate error class.
var Error = errs.Class("gate")

// Gate is a counted condition: it is open while no closer is held.
// Waiters block until every closer has been released.
type Gate struct {
	mu      sync.Mutex
	pending int
	opened  chan struct{}
}

// New creates an open gate.
func New() *Gate {
	opened := make(chan struct{})
	close(opened)
	return &Gate{opened: opened}
}

// Close closes the gate and returns a release function. The gate opens
// once every release function has been called. Releasing twice is a
// no-op.
func (gate *Gate) Close() (release func()) {
	gate.mu.Lock()
	defer gate.mu.Unlock()
	gate.pending++
	if gate.pending == 1 {
		gate.opened = make(chan struct{})
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			gate.mu.Lock()
			defer gate.mu.Unlock()
			gate.pending--
			if gate.pending == 0 {
				close(gate.opened)
			}
		})
	}
}

// Wait blocks until the gate is open or the context is done.
func (gate *Gate) Wait(ctx context.Context) error {
	for {
		gate.mu.Lock()
		if gate.pending == 0 {
			gate.mu.Unlock()
			return nil
		}
		opened := gate.opened
		gate.mu.Unlock()

		select {
		case <-opened:
		case <-ctx.Done():
			return Error.Wrap(ctx.Err())
		}
	}
}
