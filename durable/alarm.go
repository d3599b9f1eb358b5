// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package durable

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"miniflare.dev/miniflare/storage"
)

// AlarmKey is the reserved substrate key holding the pending alarm time.
const AlarmKey = "__alarm__"

// AlarmHandler dispatches a fired alarm into the worker.
type AlarmHandler func(ctx context.Context, scheduledMs int64) error

// AlarmConfig bounds alarm dispatch retries.
type AlarmConfig struct {
	MaxRetries int           `help:"how many times a failing alarm dispatch is retried" default:"6"`
	Backoff    time.Duration `help:"initial retry back-off, doubled per attempt" default:"100ms"`
	MaxBackoff time.Duration `help:"retry back-off cap" default:"10s"`
}

// AlarmScheduler stores at most one pending alarm per namespace and
// dispatches it when due. Failed dispatches retry with back-off up to a
// cap, then the alarm is dropped with a warning.
type AlarmScheduler struct {
	log     *zap.Logger
	store   storage.Store
	clock   storage.Clock
	handler AlarmHandler
	config  AlarmConfig

	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
	pending sync.WaitGroup
}

// NewAlarmScheduler creates an alarm scheduler persisting into store.
func NewAlarmScheduler(log *zap.Logger, store storage.Store, clock storage.Clock, config AlarmConfig, handler AlarmHandler) *AlarmScheduler {
	return &AlarmScheduler{
		log:     log,
		store:   store,
		clock:   clock,
		handler: handler,
		config:  config,
	}
}

// GetAlarm returns the pending alarm time in unix milliseconds, or nil.
func (scheduler *AlarmScheduler) GetAlarm(ctx context.Context) (*int64, error) {
	entry, err := scheduler.store.Get(ctx, AlarmKey, true)
	if err != nil || entry == nil {
		return nil, err
	}
	at, err := strconv.ParseInt(string(entry.Value), 10, 64)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &at, nil
}

// SetAlarm replaces the pending alarm.
func (scheduler *AlarmScheduler) SetAlarm(ctx context.Context, scheduledMs int64) error {
	err := scheduler.store.Put(ctx, AlarmKey, storage.Entry{
		Value: []byte(strconv.FormatInt(scheduledMs, 10)),
	})
	if err != nil {
		return err
	}
	scheduler.schedule(scheduledMs)
	return nil
}

// DeleteAlarm clears the pending alarm.
func (scheduler *AlarmScheduler) DeleteAlarm(ctx context.Context) error {
	_, err := scheduler.store.Delete(ctx, AlarmKey)
	if err != nil {
		return err
	}
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	scheduler.disarmLocked()
	return nil
}

// disarmLocked stops a pending timer, balancing its wait-group slot.
func (scheduler *AlarmScheduler) disarmLocked() {
	if scheduler.timer != nil {
		if scheduler.timer.Stop() {
			scheduler.pending.Done()
		}
		scheduler.timer = nil
	}
}

// schedule arms the dispatch timer, replacing any previous one.
func (scheduler *AlarmScheduler) schedule(scheduledMs int64) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if scheduler.closed {
		return
	}
	scheduler.disarmLocked()
	delay := time.Duration(scheduledMs-scheduler.clock.Now()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	scheduler.pending.Add(1)
	scheduler.timer = time.AfterFunc(delay, func() {
		defer scheduler.pending.Done()
		scheduler.fire(scheduledMs)
	})
}

// fire clears the persisted alarm and dispatches it, retrying failures.
func (scheduler *AlarmScheduler) fire(scheduledMs int64) {
	ctx := context.Background()
	if _, err := scheduler.store.Delete(ctx, AlarmKey); err != nil {
		scheduler.log.Error("failed to clear fired alarm", zap.Error(err))
	}

	backoff := scheduler.config.Backoff
	for attempt := 1; ; attempt++ {
		err := scheduler.handler(ctx, scheduledMs)
		if err == nil {
			return
		}
		if attempt > scheduler.config.MaxRetries {
			scheduler.log.Warn("dropping alarm after failed attempts",
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return
		}
		scheduler.log.Debug("retrying alarm dispatch",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > scheduler.config.MaxBackoff {
			backoff = scheduler.config.MaxBackoff
		}
	}
}

// Resume re-arms the timer from persisted state, for use after restart.
func (scheduler *AlarmScheduler) Resume(ctx context.Context) error {
	at, err := scheduler.GetAlarm(ctx)
	if err != nil || at == nil {
		return err
	}
	scheduler.schedule(*at)
	return nil
}

// Close stops the timer and waits for an in-flight dispatch.
func (scheduler *AlarmScheduler) Close() error {
	scheduler.mu.Lock()
	scheduler.closed = true
	scheduler.disarmLocked()
	scheduler.mu.Unlock()
	scheduler.pending.Wait()
	return nil
}
