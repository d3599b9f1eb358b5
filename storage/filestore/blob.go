// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package filestore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
)

// ErrBlobNotFound is returned when opening a blob that does not exist.
var ErrBlobNotFound = errs.Class("blob not found")

// BlobReader reads a committed blob.
type BlobReader interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
	// Size returns the size of the blob.
	Size() (int64, error)
}

// BlobWriter writes a new blob that becomes visible on Commit.
type BlobWriter interface {
	io.Writer
	// Cancel discards the blob.
	Cancel() error
	// Commit makes the blob readable by others.
	Commit() error
	// Size returns how much has been written so far.
	Size() (int64, error)
}

// Blobs stores immutable named blobs in a directory, writing through
// temporary files so partially written blobs are never visible.
type Blobs struct {
	dir string
}

// NewBlobs creates a blob store in the specified directory.
func NewBlobs(dir string) (*Blobs, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Blobs{dir: dir}, nil
}

func (blobs *Blobs) path(name string) string {
	return filepath.Join(blobs.dir, name)
}

// Create opens a writer for a new blob.
func (blobs *Blobs) Create(ctx context.Context, name string) (BlobWriter, error) {
	file, err := os.CreateTemp(filepath.Join(blobs.dir, "tmp"), "blob-*")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &blobWriter{file: file, target: blobs.path(name)}, nil
}

// Open opens a reader for a committed blob.
func (blobs *Blobs) Open(ctx context.Context, name string) (BlobReader, error) {
	file, err := os.Open(blobs.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound.New("%q", name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &blobReader{file}, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (blobs *Blobs) Delete(ctx context.Context, name string) error {
	err := os.Remove(blobs.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return Error.Wrap(err)
}

type blobReader struct {
	*os.File
}

func (blob *blobReader) Size() (int64, error) {
	stat, err := blob.Stat()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return stat.Size(), nil
}

type blobWriter struct {
	file   *os.File
	target string
}

func (blob *blobWriter) Write(p []byte) (int, error) {
	return blob.file.Write(p)
}

// Cancel discards the blob.
func (blob *blobWriter) Cancel() error {
	err := blob.file.Close()
	removeErr := os.Remove(blob.file.Name())
	return Error.Wrap(errs.Combine(err, removeErr))
}

// Commit moves the file to the target location.
func (blob *blobWriter) Commit() error {
	if err := blob.file.Close(); err != nil {
		_ = os.Remove(blob.file.Name())
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(blob.file.Name(), blob.target))
}

// Size returns how much has been written so far.
func (blob *blobWriter) Size() (int64, error) {
	p, err := blob.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return p, nil
}
