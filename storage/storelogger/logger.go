// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package storelogger wraps any substrate backend with debug logging.
package storelogger

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"miniflare.dev/miniflare/storage"
)

var mon = monkit.Package()

var id int64

// Logger implements storage.Store, logging every operation.
type Logger struct {
	log   *zap.Logger
	store storage.Store
}

var _ storage.Store = (*Logger)(nil)

// New creates a new Logger with log and store.
func New(log *zap.Logger, store storage.Store) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	name := strconv.Itoa(int(loggerid))
	return &Logger{log: log.Named(name), store: store}
}

// Has reports whether key holds a live entry.
func (logger *Logger) Has(ctx context.Context, key string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Has", zap.String("key", key))
	return logger.store.Has(ctx, key)
}

// Head returns the entry meta.
func (logger *Logger) Head(ctx context.Context, key string) (_ *storage.Meta, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Head", zap.String("key", key))
	return logger.store.Head(ctx, key)
}

// Get reads the entry at key.
func (logger *Logger) Get(ctx context.Context, key string, skipMetadata bool) (_ *storage.Entry, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Get", zap.String("key", key), zap.Bool("skip metadata", skipMetadata))
	return logger.store.Get(ctx, key, skipMetadata)
}

// GetRange reads a byte range of the entry at key.
func (logger *Logger) GetRange(ctx context.Context, key string, opts storage.RangeOptions) (_ *storage.RangeEntry, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("GetRange", zap.String("key", key))
	return logger.store.GetRange(ctx, key, opts)
}

// Put stores the entry under key.
func (logger *Logger) Put(ctx context.Context, key string, entry storage.Entry) (err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Put",
		zap.String("key", key),
		zap.Int("value length", len(entry.Value)),
		zap.Int64("expiration", entry.Expiration),
	)
	return logger.store.Put(ctx, key, entry)
}

// Delete removes key.
func (logger *Logger) Delete(ctx context.Context, key string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Delete", zap.String("key", key))
	return logger.store.Delete(ctx, key)
}

// List pages over live keys.
func (logger *Logger) List(ctx context.Context, opts storage.ListOptions, skipMetadata bool) (_ *storage.ListResult, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("List",
		zap.String("prefix", opts.Prefix),
		zap.String("start", opts.Start),
		zap.String("end", opts.End),
		zap.Bool("reverse", opts.Reverse),
		zap.Int("limit", opts.Limit),
	)
	return logger.store.List(ctx, opts, skipMetadata)
}

// Transact forwards to the wrapped store when it supports transactions.
func (logger *Logger) Transact(ctx context.Context, fn func(ctx context.Context, store storage.Store) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	txn, ok := logger.store.(storage.Transactable)
	if !ok {
		return storage.Error.New("store does not support transactions")
	}
	logger.log.Debug("Transact")
	return txn.Transact(ctx, fn)
}

// Close closes the wrapped store.
func (logger *Logger) Close() error {
	logger.log.Debug("Close")
	return logger.store.Close()
}
