// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package durable implements the transactional store backing durable
// objects: optimistic multi-key transactions over any substrate backend,
// plus alarm scheduling.
package durable

import (
	"context"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"miniflare.dev/miniflare/storage"
)

var mon = monkit.Package()

var (
	// Error is the default durable store error class.
	Error = errs.Class("durable")

	// ErrRolledBack is returned by operations on a rolled-back
	// transaction; it indicates a caller bug, not a conflict.
	ErrRolledBack = errs.Class("transaction rolled back")
)

// committedRingSize bounds how many committed write-sets are retained
// for validation. Transactions older than the ring conservatively
// conflict.
const committedRingSize = 16

// Store provides serializable multi-key transactions over a substrate
// backend using optimistic concurrency control.
type Store struct {
	log     *zap.Logger
	backend storage.Store
	alarms  *AlarmScheduler

	// commitMu serializes validation and write-back.
	commitMu  sync.Mutex
	txnCount  uint64
	committed map[uint64]map[string]struct{}
}

// NewStore creates a transactional store over backend.
func NewStore(log *zap.Logger, backend storage.Store) *Store {
	return &Store{
		log:       log,
		backend:   backend,
		committed: make(map[uint64]map[string]struct{}),
	}
}

// SetAlarmScheduler attaches the alarm scheduler used by transactional
// alarm writes.
func (store *Store) SetAlarmScheduler(alarms *AlarmScheduler) {
	store.alarms = alarms
}

// Txn is the operation view inside a transaction closure. It is not
// safe for concurrent use.
type Txn struct {
	store        *Store
	startVersion uint64
	readSet      map[string]struct{}
	// copies shadows the backend; nil marks a tombstone.
	copies     map[string]*storage.Entry
	rolledBack bool

	// alarm writes are deferred to commit.
	alarmSet    *int64
	alarmDelete bool
}

// Transact runs fn inside a transaction, replaying it until commit
// validation succeeds. Retries are unbounded; a transaction that
// observes no concurrent writes to its read set always commits.
func (store *Store) Transact(ctx context.Context, fn func(ctx context.Context, txn *Txn) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	for {
		txn := store.begin()
		if err := fn(ctx, txn); err != nil {
			return err
		}
		ok, err := store.commit(ctx, txn)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		store.log.Debug("transaction conflict, replaying")
	}
}

func (store *Store) begin() *Txn {
	store.commitMu.Lock()
	defer store.commitMu.Unlock()
	return &Txn{
		store:        store,
		startVersion: store.txnCount,
		readSet:      make(map[string]struct{}),
		copies:       make(map[string]*storage.Entry),
	}
}

// commit validates the read set against concurrently committed write
// sets and applies the shadow copies. It reports false when the
// transaction must be replayed.
func (store *Store) commit(ctx context.Context, txn *Txn) (ok bool, err error) {
	store.commitMu.Lock()
	defer store.commitMu.Unlock()

	if txn.rolledBack {
		return true, nil
	}

	if txn.startVersion+committedRingSize < store.txnCount {
		// the ring no longer covers this snapshot
		return false, nil
	}
	for version := txn.startVersion + 1; version <= store.txnCount; version++ {
		writeSet := store.committed[version]
		for key := range txn.readSet {
			if _, conflict := writeSet[key]; conflict {
				return false, nil
			}
		}
	}

	writeSet := make(map[string]struct{}, len(txn.copies))
	for key, entry := range txn.copies {
		if entry == nil {
			if _, err := store.backend.Delete(ctx, key); err != nil {
				return false, err
			}
		} else {
			if err := store.backend.Put(ctx, key, *entry); err != nil {
				return false, err
			}
		}
		writeSet[key] = struct{}{}
	}

	store.txnCount++
	store.committed[store.txnCount] = writeSet
	if store.txnCount > committedRingSize {
		delete(store.committed, store.txnCount-committedRingSize)
	}

	if store.alarms != nil {
		if txn.alarmDelete {
			if err := store.alarms.DeleteAlarm(ctx); err != nil {
				return false, err
			}
		} else if txn.alarmSet != nil {
			if err := store.alarms.SetAlarm(ctx, *txn.alarmSet); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

func (txn *Txn) check() error {
	if txn.rolledBack {
		return ErrRolledBack.New("operation on rolled back transaction")
	}
	return nil
}

// Get reads key, preferring the transaction's own writes.
func (txn *Txn) Get(ctx context.Context, key string) (*storage.Entry, error) {
	if err := txn.check(); err != nil {
		return nil, err
	}
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	txn.readSet[key] = struct{}{}
	if entry, shadowed := txn.copies[key]; shadowed {
		if entry == nil {
			return nil, nil
		}
		clone := entry.Clone()
		return &clone, nil
	}
	return txn.store.backend.Get(ctx, key, false)
}

// Put buffers a write of entry under key.
func (txn *Txn) Put(ctx context.Context, key string, entry storage.Entry) error {
	if err := txn.check(); err != nil {
		return err
	}
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	clone := entry.Clone()
	txn.copies[key] = &clone
	return nil
}

// Delete buffers a tombstone for key and reports whether a live entry
// existed. Deletes join the read set since the count depends on
// pre-existence.
func (txn *Txn) Delete(ctx context.Context, key string) (bool, error) {
	if err := txn.check(); err != nil {
		return false, err
	}
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	txn.readSet[key] = struct{}{}
	existed := false
	if entry, shadowed := txn.copies[key]; shadowed {
		existed = entry != nil
	} else {
		var err error
		existed, err = txn.store.backend.Has(ctx, key)
		if err != nil {
			return false, err
		}
	}
	txn.copies[key] = nil
	return existed, nil
}

// DeleteAll tombstones every live key.
func (txn *Txn) DeleteAll(ctx context.Context) error {
	if err := txn.check(); err != nil {
		return err
	}
	listing, err := txn.store.backend.List(ctx, storage.ListOptions{}, true)
	if err != nil {
		return err
	}
	for _, key := range listing.Keys {
		txn.readSet[key.Name] = struct{}{}
		txn.copies[key.Name] = nil
	}
	for key, entry := range txn.copies {
		if entry != nil {
			txn.copies[key] = nil
			txn.readSet[key] = struct{}{}
		}
	}
	return nil
}

// List runs the substrate listing, recording matched keys in the read
// set. The coarse read-set recording keeps listings serializable.
func (txn *Txn) List(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := txn.check(); err != nil {
		return nil, err
	}
	result, err := txn.store.backend.List(ctx, opts, false)
	if err != nil {
		return nil, err
	}
	for _, key := range result.Keys {
		txn.readSet[key.Name] = struct{}{}
	}
	return result, nil
}

// SetAlarm schedules the namespace alarm at commit time.
func (txn *Txn) SetAlarm(ctx context.Context, scheduledMs int64) error {
	if err := txn.check(); err != nil {
		return err
	}
	at := scheduledMs
	txn.alarmSet = &at
	txn.alarmDelete = false
	return nil
}

// DeleteAlarm clears any pending alarm at commit time.
func (txn *Txn) DeleteAlarm(ctx context.Context) error {
	if err := txn.check(); err != nil {
		return err
	}
	txn.alarmSet = nil
	txn.alarmDelete = true
	return nil
}

// Rollback discards the transaction. Further operations on it fail.
func (txn *Txn) Rollback() error {
	if txn.rolledBack {
		return ErrRolledBack.New("rollback called twice")
	}
	txn.rolledBack = true
	return nil
}
