// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package queue

import (
	"sort"
	"sync"
	"time"
)

// Timers is the broker's scheduling surface, abstracted so tests can
// drive dispatch on fake time.
type Timers interface {
	// Now returns the current time in unix milliseconds.
	Now() int64
	// Schedule runs task after delay. The returned cancel stops the
	// task if it has not started.
	Schedule(delay time.Duration, task func()) (cancel func())
}

// SystemTimers runs on the wall clock.
func SystemTimers() Timers { return systemTimers{} }

type systemTimers struct{}

func (systemTimers) Now() int64 { return time.Now().UnixMilli() }

func (systemTimers) Schedule(delay time.Duration, task func()) func() {
	timer := time.AfterFunc(delay, task)
	return func() { timer.Stop() }
}

// FakeTimers is a deterministic Timers for tests: time only moves when
// advanced, and WaitForTasks blocks until every started task returns.
type FakeTimers struct {
	mu      sync.Mutex
	nowMs   int64
	nextID  int
	pending map[int]*fakeTask
	running sync.WaitGroup
}

type fakeTask struct {
	id   int
	due  int64
	task func()
}

// NewFakeTimers creates fake timers starting at nowMs.
func NewFakeTimers(nowMs int64) *FakeTimers {
	return &FakeTimers{nowMs: nowMs, pending: make(map[int]*fakeTask)}
}

// Now implements Timers.
func (timers *FakeTimers) Now() int64 {
	timers.mu.Lock()
	defer timers.mu.Unlock()
	return timers.nowMs
}

// Schedule implements Timers. Zero-delay tasks start immediately.
func (timers *FakeTimers) Schedule(delay time.Duration, task func()) func() {
	timers.mu.Lock()
	if delay <= 0 {
		timers.mu.Unlock()
		timers.run(task)
		return func() {}
	}
	id := timers.nextID
	timers.nextID++
	timers.pending[id] = &fakeTask{id: id, due: timers.nowMs + delay.Milliseconds(), task: task}
	timers.mu.Unlock()

	return func() {
		timers.mu.Lock()
		defer timers.mu.Unlock()
		delete(timers.pending, id)
	}
}

func (timers *FakeTimers) run(task func()) {
	timers.running.Add(1)
	go func() {
		defer timers.running.Done()
		task()
	}()
}

// AdvanceTime moves the clock forward, starting every task that came
// due, oldest first.
func (timers *FakeTimers) AdvanceTime(d time.Duration) {
	timers.mu.Lock()
	timers.nowMs += d.Milliseconds()

	var due []*fakeTask
	for id, task := range timers.pending {
		if task.due <= timers.nowMs {
			due = append(due, task)
			delete(timers.pending, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].due < due[j].due })
	timers.mu.Unlock()

	for _, task := range due {
		timers.run(task.task)
	}
}

// WaitForTasks blocks until all started tasks have returned.
func (timers *FakeTimers) WaitForTasks() {
	timers.running.Wait()
}
