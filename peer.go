// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package miniflare wires the storage backends, gateways, queue broker
// and HTTP front-end into one local edge-worker simulator peer.
package miniflare

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"miniflare.dev/miniflare/cache"
	"miniflare.dev/miniflare/durable"
	"miniflare.dev/miniflare/kv"
	"miniflare.dev/miniflare/queue"
	"miniflare.dev/miniflare/r2"
	"miniflare.dev/miniflare/server"
	"miniflare.dev/miniflare/storage"
	"miniflare.dev/miniflare/storage/boltstore"
	"miniflare.dev/miniflare/storage/filestore"
	"miniflare.dev/miniflare/storage/memstore"
	"miniflare.dev/miniflare/storage/redisstore"
	"miniflare.dev/miniflare/storage/sqlstore"
	"miniflare.dev/miniflare/storage/storelogger"
)

var (
	// Error is the default peer error class.
	Error = errs.Class("miniflare")

	// ErrNoWorkers rejects a peer configured without any worker.
	ErrNoWorkers = errs.Class("ERR_NO_WORKERS")

	// ErrDuplicateName rejects two workers sharing a name.
	ErrDuplicateName = errs.Class("ERR_DUPLICATE_NAME")
)

// Worker is a provided worker implementation; the simulator dispatches
// fetch, scheduled and queue events into it.
type Worker interface {
	server.Worker
	Queue(ctx context.Context, batch *queue.Batch) error
}

// AlarmWorker is implemented by workers handling durable object alarms.
type AlarmWorker interface {
	Alarm(ctx context.Context, scheduledMs int64) error
}

// NamedWorker binds a worker implementation to its service name. The
// first worker of a peer is the entry worker served over HTTP.
type NamedWorker struct {
	Name   string
	Worker Worker
}

// Peer owns every component of one simulator instance. Gateways are
// created lazily per namespace, bucket or cache name and share the
// peer's persistence configuration.
type Peer struct {
	Log    *zap.Logger
	Config Config

	Workers []NamedWorker
	Server  *server.Server
	Queues  *queue.Broker

	clock storage.Clock

	mu       sync.Mutex
	kv       map[string]*kv.Gateway
	caches   map[string]*cache.Gateway
	buckets  map[string]*r2.Gateway
	durables map[string]*durable.Store
	closers  []func() error
}

// New creates a peer dispatching into the given workers.
func New(log *zap.Logger, config Config, workers ...NamedWorker) (*Peer, error) {
	if len(workers) == 0 {
		return nil, ErrNoWorkers.New("no workers defined")
	}
	seen := make(map[string]bool, len(workers))
	for _, worker := range workers {
		if seen[worker.Name] {
			return nil, ErrDuplicateName.New("multiple workers named %q", worker.Name)
		}
		seen[worker.Name] = true
	}

	peer := &Peer{
		Log:     log,
		Config:  config,
		Workers: workers,
		clock:   storage.SystemClock,

		kv:       make(map[string]*kv.Gateway),
		caches:   make(map[string]*cache.Gateway),
		buckets:  make(map[string]*r2.Gateway),
		durables: make(map[string]*durable.Store),
	}
	peer.Server = server.New(log.Named("server"), workers[0].Worker, config.Server)
	peer.Queues = queue.NewBroker(log.Named("queue"), queue.SystemTimers())
	return peer, nil
}

// Worker returns the named worker.
func (peer *Peer) Worker(name string) (Worker, bool) {
	for _, worker := range peer.Workers {
		if worker.Name == name {
			return worker.Worker, true
		}
	}
	return nil, false
}

// openStore creates a substrate backend for one namespace under the
// given persistence location.
func (peer *Peer) openStore(persist, namespace string) (storage.Store, error) {
	store, err := peer.openRawStore(persist, namespace)
	if err != nil {
		return nil, err
	}
	if peer.Config.Verbose {
		store = storelogger.New(peer.Log.Named("storage").With(zap.String("namespace", namespace)), store)
	}
	peer.closers = append(peer.closers, store.Close)
	return store, nil
}

func (peer *Peer) openRawStore(persist, namespace string) (storage.Store, error) {
	switch {
	case persist == "" || persist == "memory:":
		return memstore.New(peer.clock), nil

	case strings.HasPrefix(persist, "redis://"):
		client := redis.NewClient(&redis.Options{Addr: strings.TrimPrefix(persist, "redis://")})
		return redisstore.New(client, namespace), nil

	case strings.HasPrefix(persist, "sqlite://"):
		dir := strings.TrimPrefix(persist, "sqlite://")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, Error.Wrap(err)
		}
		return sqlstore.New(filepath.Join(dir, sanitiseNamespace(namespace)+".sqlite"), peer.clock)

	case strings.HasPrefix(persist, "bolt://"):
		dir := strings.TrimPrefix(persist, "bolt://")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, Error.Wrap(err)
		}
		return boltstore.New(filepath.Join(dir, sanitiseNamespace(namespace)+".bolt"), peer.clock)

	default:
		root := strings.TrimPrefix(persist, "file://")
		return filestore.New(filepath.Join(root, namespace), peer.clock, true)
	}
}

// sanitiseNamespace flattens namespace separators for backends that
// store one file per namespace.
func sanitiseNamespace(namespace string) string {
	return strings.ReplaceAll(namespace, "/", "_")
}

// KVNamespace returns the named KV gateway, creating it on first use.
func (peer *Peer) KVNamespace(name string) (*kv.Gateway, error) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if gateway, ok := peer.kv[name]; ok {
		return gateway, nil
	}
	store, err := peer.openStore(peer.Config.KV.Persist, name)
	if err != nil {
		return nil, err
	}
	gateway := kv.New(peer.Log.Named("kv").With(zap.String("namespace", name)), store, peer.clock)
	peer.kv[name] = gateway
	return gateway, nil
}

// Cache returns the named cache gateway, creating it on first use.
func (peer *Peer) Cache(name string) (*cache.Gateway, error) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if gateway, ok := peer.caches[name]; ok {
		return gateway, nil
	}
	store, err := peer.openStore(peer.Config.Cache.Persist, filepath.Join("cache", name))
	if err != nil {
		return nil, err
	}
	gateway := cache.New(
		peer.Log.Named("cache").With(zap.String("cache", name)),
		store, peer.clock,
		cache.Options{
			Disabled:  peer.Config.Cache.Disabled,
			WarnUsage: peer.Config.Cache.WarnUsage,
		})
	peer.caches[name] = gateway
	return gateway, nil
}

// R2Bucket returns the named bucket gateway, creating it on first use.
// Persisted buckets live at <persist>/<bucket>/db.sqlite with bodies
// under <persist>/<bucket>/blobs.
func (peer *Peer) R2Bucket(name string) (*r2.Gateway, error) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if gateway, ok := peer.buckets[name]; ok {
		return gateway, nil
	}

	persist := peer.Config.R2.Persist
	var dbPath, blobDir string
	if persist == "" || persist == "memory:" {
		tmp, err := os.MkdirTemp("", "miniflare-r2-")
		if err != nil {
			return nil, Error.Wrap(err)
		}
		dbPath, blobDir = ":memory:", tmp
		peer.closers = append(peer.closers, func() error { return os.RemoveAll(tmp) })
	} else {
		root := filepath.Join(strings.TrimPrefix(persist, "file://"), name)
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, Error.Wrap(err)
		}
		dbPath = filepath.Join(root, "db.sqlite")
		blobDir = filepath.Join(root, "blobs")
	}

	gateway, err := r2.Open(peer.Log.Named("r2").With(zap.String("bucket", name)), dbPath, blobDir, peer.clock)
	if err != nil {
		return nil, err
	}
	peer.buckets[name] = gateway
	peer.closers = append(peer.closers, gateway.Close)
	return gateway, nil
}

// DurableObject returns the transactional store of one durable object,
// creating it on first use and resuming any persisted alarm. Alarms
// dispatch into the entry worker when it implements AlarmWorker.
func (peer *Peer) DurableObject(ctx context.Context, namespace, id string) (*durable.Store, error) {
	key := namespace + "/" + id

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if store, ok := peer.durables[key]; ok {
		return store, nil
	}

	backend, err := peer.openStore(peer.Config.Durable.Persist, key)
	if err != nil {
		return nil, err
	}
	log := peer.Log.Named("do").With(zap.String("object", key))
	store := durable.NewStore(log, backend)

	alarms := durable.NewAlarmScheduler(log, backend, peer.clock, peer.Config.Durable.Alarms, peer.alarmHandler(log))
	store.SetAlarmScheduler(alarms)
	if err := alarms.Resume(ctx); err != nil {
		return nil, err
	}
	peer.closers = append(peer.closers, alarms.Close)

	peer.durables[key] = store
	return store, nil
}

func (peer *Peer) alarmHandler(log *zap.Logger) durable.AlarmHandler {
	if alarmer, ok := peer.Workers[0].Worker.(AlarmWorker); ok {
		return alarmer.Alarm
	}
	return func(ctx context.Context, scheduledMs int64) error {
		log.Warn("alarm fired but the entry worker has no alarm handler",
			zap.Int64("scheduled_ms", scheduledMs))
		return nil
	}
}

// ConfigureQueue sets a queue's batching options and, when queue
// persistence is enabled, attaches its write-ahead log at
// <persist>/queues/<name>.log.
func (peer *Peer) ConfigureQueue(name string, opts queue.Options) error {
	if err := peer.Queues.Configure(name, opts); err != nil {
		return err
	}
	if persist := peer.Config.Queues.Persist; persist != "" {
		root := strings.TrimPrefix(persist, "file://")
		wal, err := queue.OpenWAL(filepath.Join(root, "queues", name+".log"))
		if err != nil {
			return err
		}
		peer.Queues.SetWAL(name, wal)
		peer.mu.Lock()
		peer.closers = append(peer.closers, wal.Close)
		peer.mu.Unlock()
	}
	return nil
}

// BindQueueConsumer routes a queue's batches into a worker.
func (peer *Peer) BindQueueConsumer(name string, worker Worker) {
	peer.Queues.SetConsumer(name, worker.Queue)
}

// Run serves the peer until ctx is done.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return peer.Server.Run(ctx)
	})
	return group.Wait()
}

// Close releases every store, gateway and log opened by the peer.
func (peer *Peer) Close() error {
	peer.mu.Lock()
	defer peer.mu.Unlock()

	var group errs.Group
	for i := len(peer.closers) - 1; i >= 0; i-- {
		group.Add(peer.closers[i]())
	}
	peer.closers = nil
	return group.Err()
}
