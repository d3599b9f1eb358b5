// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package filestore implements the file-system substrate backend and a
// temp-file-commit blob store.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/zeebo/errs"

	"miniflare.dev/miniflare/storage"
)

// Error is the default filestore error class.
var Error = errs.Class("filestore")

const metaSuffix = ".meta.json"

// metaFile is the sidecar carrying the original key so sanitisation is
// reversible, plus expiration and metadata.
type metaFile struct {
	Key        string          `json:"key"`
	Expiration int64           `json:"expiration,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Store implements a substrate backend over a directory tree. Each key
// maps to a file holding the raw value and an optional sidecar meta file.
type Store struct {
	mu       sync.Mutex
	root     string
	clock    storage.Clock
	sanitise bool
}

var _ storage.Store = (*Store)(nil)
var _ storage.SQLer = (*Store)(nil)

// New creates a file store rooted at path. Sanitisation rewrites
// path-unsafe key characters; read-only mounts may disable it.
func New(path string, clock storage.Clock, sanitise bool) (*Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{root: abs, clock: clock, sanitise: sanitise}, nil
}

// sanitiseSegment rewrites characters that are unsafe in file names.
func sanitiseSegment(segment string) string {
	if segment == "" || segment == "." || segment == ".." {
		return strings.Repeat("_", len(segment)+1)
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '\\', '|', '?', '*':
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, segment)
}

// resolve maps a key to its value file path, rejecting paths that escape
// the root.
func (store *Store) resolve(key string) (string, error) {
	name := key
	if store.sanitise {
		segments := strings.Split(key, "/")
		for i, segment := range segments {
			segments[i] = sanitiseSegment(segment)
		}
		name = filepath.Join(segments...)
	}
	path := filepath.Join(store.root, filepath.FromSlash(name))
	rel, err := filepath.Rel(store.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", storage.ErrTraversal.New("%q", key)
	}
	return path, nil
}

// readMeta loads the sidecar for path, or nil when there is none.
func readMeta(path string) (*metaFile, error) {
	raw, err := os.ReadFile(path + metaSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var meta metaFile
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, Error.Wrap(err)
	}
	return &meta, nil
}

// lookup stats the value file and loads its sidecar, lazily deleting
// expired entries. Returns the path and meta, or "" when absent.
// Callers must hold the mutex.
func (store *Store) lookup(key string) (string, *metaFile, error) {
	path, err := store.resolve(key)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, Error.Wrap(err)
	}
	meta, err := readMeta(path)
	if err != nil {
		return "", nil, err
	}
	if meta != nil && (storage.Entry{Expiration: meta.Expiration}).Expired(store.clock.Now()) {
		_ = os.Remove(path)
		_ = os.Remove(path + metaSuffix)
		return "", nil, nil
	}
	return path, meta, nil
}

// Has reports whether key holds a live entry.
func (store *Store) Has(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	path, _, err := store.lookup(key)
	return path != "", err
}

// Head returns the entry meta without reading the value.
func (store *Store) Head(ctx context.Context, key string) (*storage.Meta, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	path, meta, err := store.lookup(key)
	if err != nil || path == "" {
		return nil, err
	}
	result := &storage.Meta{}
	if meta != nil {
		result.Expiration = meta.Expiration
		result.Metadata = meta.Metadata
	}
	return result, nil
}

// Get reads the entry at key.
func (store *Store) Get(ctx context.Context, key string, skipMetadata bool) (*storage.Entry, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	path, meta, err := store.lookup(key)
	if err != nil || path == "" {
		return nil, err
	}
	value, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	entry := &storage.Entry{Value: value}
	if meta != nil {
		entry.Expiration = meta.Expiration
		if !skipMetadata {
			entry.Metadata = meta.Metadata
		}
	}
	return entry, nil
}

// GetRange reads a byte range of the entry at key using a positioned read.
func (store *Store) GetRange(ctx context.Context, key string, opts storage.RangeOptions) (*storage.RangeEntry, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	path, meta, err := store.lookup(key)
	if err != nil || path == "" {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	rng, err := opts.Resolve(info.Size())
	if err != nil {
		return nil, err
	}
	value := make([]byte, rng.Length)
	if _, err := file.ReadAt(value, rng.Offset); err != nil {
		return nil, Error.Wrap(err)
	}
	entry := storage.Entry{Value: value}
	if meta != nil {
		entry.Expiration = meta.Expiration
		entry.Metadata = meta.Metadata
	}
	return &storage.RangeEntry{Entry: entry, Range: rng}, nil
}

// Put writes the value file and its sidecar. It rejects keys whose
// parent path is already a key file.
func (store *Store) Put(ctx context.Context, key string, entry storage.Entry) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	path, err := store.resolve(key)
	if err != nil {
		return err
	}
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0755); err != nil {
		if isNotDir(err) {
			return storage.ErrNamespaceKeyChild.New("%q", key)
		}
		return Error.Wrap(err)
	}
	if err := os.WriteFile(path, entry.Value, 0644); err != nil {
		if isNotDir(err) {
			return storage.ErrNamespaceKeyChild.New("%q", key)
		}
		return Error.Wrap(err)
	}

	needsMeta := entry.Expiration != 0 || len(entry.Metadata) > 0
	if !needsMeta {
		// A stale sidecar would resurrect old expiration state.
		_ = os.Remove(path + metaSuffix)
		return nil
	}
	raw, err := json.Marshal(metaFile{Key: key, Expiration: entry.Expiration, Metadata: entry.Metadata})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.WriteFile(path+metaSuffix, raw, 0644))
}

func isNotDir(err error) bool {
	return errors.Is(err, syscall.ENOTDIR) || errors.Is(err, fs.ErrExist)
}

// Delete removes the value file and sidecar.
func (store *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	path, _, err := store.lookup(key)
	if err != nil || path == "" {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		return false, Error.Wrap(err)
	}
	_ = os.Remove(path + metaSuffix)
	return true, nil
}

// List walks the tree collecting live keys, then applies the shared
// listing algorithm.
func (store *Store) List(ctx context.Context, opts storage.ListOptions, skipMetadata bool) (*storage.ListResult, error) {
	store.mu.Lock()
	now := store.clock.Now()
	var candidates []storage.KeyInfo
	err := filepath.WalkDir(store.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return err
		}
		meta, err := readMeta(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(store.root, path)
		if err != nil {
			return Error.Wrap(err)
		}
		name := filepath.ToSlash(rel)
		info := storage.KeyInfo{Name: name}
		if meta != nil {
			if meta.Key != "" {
				info.Name = meta.Key
			}
			if (storage.Entry{Expiration: meta.Expiration}).Expired(now) {
				return nil
			}
			info.Expiration = meta.Expiration
			if !skipMetadata {
				info.Metadata = meta.Metadata
			}
		}
		candidates = append(candidates, info)
		return nil
	})
	store.mu.Unlock()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return storage.ApplyList(candidates, opts)
}

// SQLPath implements storage.SQLer with a database co-located with the
// root directory.
func (store *Store) SQLPath() string { return store.root + ".sqlite" }

// Close releases nothing; it exists to satisfy the contract.
func (store *Store) Close() error { return nil }
