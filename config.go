// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package miniflare

import (
	"miniflare.dev/miniflare/durable"
	"miniflare.dev/miniflare/server"
)

// Persistence locations accept "memory:" (or empty) for in-memory
// stores, a plain or "file://" directory for the file backend,
// "sqlite://<dir>" for the embedded SQL backend, "bolt://<dir>" for the
// bolt backend and "redis://<addr>" for a remote backend.

// KVConfig configures the KV namespaces.
type KVConfig struct {
	Persist string `help:"kv persistence location, empty for in-memory" default:""`
}

// CacheConfig configures the HTTP caches.
type CacheConfig struct {
	Persist   string `help:"cache persistence location, empty for in-memory" default:""`
	Disabled  bool   `help:"turn every cache operation into a no-op" default:"false"`
	WarnUsage bool   `help:"warn on the first cache write when deploying to a workers.dev subdomain" default:"false"`
}

// R2Config configures the object store buckets.
type R2Config struct {
	Persist string `help:"bucket persistence location, empty for in-memory" default:""`
}

// QueueConfig configures the broker.
type QueueConfig struct {
	Persist string `help:"queue write-ahead log location, empty to disable logging" default:""`
}

// DurableConfig configures durable object namespaces.
type DurableConfig struct {
	Persist string `help:"durable object persistence location, empty for in-memory" default:""`
	Alarms  durable.AlarmConfig
}

// Config is the peer configuration.
type Config struct {
	Server  server.Config
	KV      KVConfig
	Cache   CacheConfig
	R2      R2Config
	Queues  QueueConfig
	Durable DurableConfig

	Verbose bool `help:"log every storage operation" default:"false"`
}
