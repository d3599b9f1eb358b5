// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package r2 implements the object store gateway: blob bodies in a
// file-backed blob store, metadata rows in an embedded SQL database.
package r2

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"miniflare.dev/miniflare/storage"
	"miniflare.dev/miniflare/storage/filestore"
)

var mon = monkit.Package()

const schema = `
CREATE TABLE IF NOT EXISTS objects (
	key             TEXT PRIMARY KEY,
	version         TEXT NOT NULL,
	size            INTEGER NOT NULL,
	etag            TEXT NOT NULL,
	uploaded        INTEGER NOT NULL,
	http_metadata   TEXT NOT NULL,
	custom_metadata TEXT NOT NULL,
	checksums       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS multipart_uploads (
	upload_id       TEXT PRIMARY KEY,
	key             TEXT NOT NULL,
	http_metadata   TEXT NOT NULL,
	custom_metadata TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS multipart_parts (
	upload_id   TEXT NOT NULL,
	part_number INTEGER NOT NULL,
	version     TEXT NOT NULL,
	size        INTEGER NOT NULL,
	etag        TEXT NOT NULL,
	PRIMARY KEY (upload_id, part_number)
);
`

// Gateway is one bucket: a metadata database plus a blob directory.
type Gateway struct {
	log   *zap.Logger
	db    *sql.DB
	blobs *filestore.Blobs
	clock storage.Clock
}

// Open creates a bucket gateway with metadata at dbPath and bodies
// under blobDir. dbPath may be ":memory:".
func Open(log *zap.Logger, dbPath, blobDir string, clock storage.Clock) (*Gateway, error) {
	blobs, err := filestore.NewBlobs(blobDir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// the sqlite driver is not safe for concurrent writers on one file
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return &Gateway{log: log, db: db, blobs: blobs, clock: clock}, nil
}

// Close releases the metadata database.
func (gateway *Gateway) Close() error {
	return Error.Wrap(gateway.db.Close())
}

type objectRow struct {
	entry   ObjectEntry
	version string
}

func (gateway *Gateway) load(ctx context.Context, key string) (*objectRow, error) {
	row := gateway.db.QueryRowContext(ctx, `
		SELECT key, version, size, etag, uploaded, http_metadata, custom_metadata, checksums
		FROM objects WHERE key = ?`, key)

	var entry ObjectEntry
	var httpMeta, customMeta, checksums []byte
	err := row.Scan(&entry.Key, &entry.Version, &entry.Size, &entry.ETag,
		&entry.Uploaded, &httpMeta, &customMeta, &checksums)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := json.Unmarshal(httpMeta, &entry.HTTPMetadata); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := json.Unmarshal(customMeta, &entry.CustomMetadata); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := json.Unmarshal(checksums, &entry.Checksums); err != nil {
		return nil, Error.Wrap(err)
	}
	return &objectRow{entry: entry, version: entry.Version}, nil
}

// Head returns the stored metadata for key, or nil when absent.
func (gateway *Gateway) Head(ctx context.Context, key string) (_ *ObjectEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := validateKey(key); err != nil {
		return nil, err
	}
	row, err := gateway.load(ctx, key)
	if err != nil || row == nil {
		return nil, err
	}
	return &row.entry, nil
}

// GetOptions condition and bound a read.
type GetOptions struct {
	OnlyIf Conditions
	Range  *storage.RangeOptions
}

// Get returns the metadata and a body reader for key. An absent key
// returns nils; a failed precondition returns a PreconditionError
// carrying the stored metadata.
func (gateway *Gateway) Get(ctx context.Context, key string, opts GetOptions) (_ *ObjectEntry, _ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := validateKey(key); err != nil {
		return nil, nil, err
	}
	row, err := gateway.load(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if row == nil {
		if !opts.OnlyIf.check(nil) {
			return nil, nil, &PreconditionError{}
		}
		return nil, nil, nil
	}
	if !opts.OnlyIf.check(&row.entry) {
		return nil, nil, &PreconditionError{Stored: &row.entry}
	}

	blob, err := gateway.blobs.Open(ctx, row.version)
	if err != nil {
		return nil, nil, err
	}
	if opts.Range == nil {
		return &row.entry, blob, nil
	}
	resolved, err := opts.Range.Resolve(row.entry.Size)
	if err != nil {
		_ = blob.Close()
		return nil, nil, err
	}
	return &row.entry, rangeReader(blob, resolved.Offset, resolved.Length), nil
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

func rangeReader(blob filestore.BlobReader, offset, length int64) io.ReadCloser {
	return &limitedReadCloser{
		Reader: io.NewSectionReader(blob, offset, length),
		Closer: blob,
	}
}

// PutOptions attach metadata and conditions to a write.
type PutOptions struct {
	HTTPMetadata   HTTPMetadata
	CustomMetadata map[string]string
	OnlyIf         Conditions
	// Hashes are expected digests, verified against the body.
	Hashes Hashes
}

// Put stores a new object version under key, replacing any existing
// one. The write is atomic: the blob commits first, then the metadata
// row; a failed write sweeps the orphan blob.
func (gateway *Gateway) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (_ *ObjectEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := validateKey(key); err != nil {
		return nil, err
	}
	if size := metadataSize(opts.CustomMetadata); size > MaxMetadataSize {
		return nil, ErrMetadataTooLarge.New("custom metadata size of %d exceeds limit of %d", size, MaxMetadataSize)
	}
	prior, err := gateway.load(ctx, key)
	if err != nil {
		return nil, err
	}
	var priorEntry *ObjectEntry
	if prior != nil {
		priorEntry = &prior.entry
	}
	if !opts.OnlyIf.check(priorEntry) {
		return nil, &PreconditionError{Stored: priorEntry}
	}

	digest, err := newDigester(opts.Hashes)
	if err != nil {
		return nil, err
	}
	version := uuid.NewString()
	writer, err := gateway.blobs.Create(ctx, version)
	if err != nil {
		return nil, err
	}
	size, err := io.Copy(io.MultiWriter(writer, digest), io.LimitReader(body, MaxValueSize+1))
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, writer.Cancel()))
	}
	if size > MaxValueSize {
		return nil, errs.Combine(
			ErrEntityTooLarge.New("body exceeds limit of %d bytes", int64(MaxValueSize)),
			writer.Cancel())
	}
	checksums, err := digest.verify(opts.Hashes)
	if err != nil {
		return nil, errs.Combine(err, writer.Cancel())
	}
	if err := writer.Commit(); err != nil {
		return nil, err
	}

	entry := ObjectEntry{
		Key:            key,
		Version:        version,
		Size:           size,
		ETag:           checksums.MD5,
		Uploaded:       gateway.clock.Now(),
		HTTPMetadata:   opts.HTTPMetadata,
		CustomMetadata: opts.CustomMetadata,
		Checksums:      checksums,
	}
	if err := gateway.upsert(ctx, entry); err != nil {
		// sweep the orphan blob
		_ = gateway.blobs.Delete(ctx, version)
		return nil, err
	}
	if prior != nil {
		_ = gateway.blobs.Delete(ctx, prior.version)
	}
	return &entry, nil
}

func (gateway *Gateway) upsert(ctx context.Context, entry ObjectEntry) error {
	httpMeta, err := json.Marshal(entry.HTTPMetadata)
	if err != nil {
		return Error.Wrap(err)
	}
	customMeta, err := json.Marshal(entry.CustomMetadata)
	if err != nil {
		return Error.Wrap(err)
	}
	checksums, err := json.Marshal(entry.Checksums)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = gateway.db.ExecContext(ctx, `
		INSERT INTO objects (key, version, size, etag, uploaded, http_metadata, custom_metadata, checksums)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			version = excluded.version,
			size = excluded.size,
			etag = excluded.etag,
			uploaded = excluded.uploaded,
			http_metadata = excluded.http_metadata,
			custom_metadata = excluded.custom_metadata,
			checksums = excluded.checksums`,
		entry.Key, entry.Version, entry.Size, entry.ETag, entry.Uploaded,
		httpMeta, customMeta, checksums)
	return Error.Wrap(err)
}

// Delete removes the named objects and their blobs. Absent keys are
// ignored.
func (gateway *Gateway) Delete(ctx context.Context, keys ...string) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return err
		}
		row, err := gateway.load(ctx, key)
		if err != nil {
			return err
		}
		if row == nil {
			continue
		}
		if _, err := gateway.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key); err != nil {
			return Error.Wrap(err)
		}
		_ = gateway.blobs.Delete(ctx, row.version)
	}
	return nil
}

// ListOptions page an object listing.
type ListOptions struct {
	Prefix     string
	Cursor     string
	Limit      int
	Delimiter  string
	StartAfter string
	// Include toggles returning the stored metadata blobs; omitted
	// metadata keeps listing pages small.
	IncludeHTTPMetadata   bool
	IncludeCustomMetadata bool
}

// ListResult is one page of objects and delimited prefixes.
type ListResult struct {
	Objects           []ObjectEntry
	Cursor            string
	DelimitedPrefixes []string
}

// likeEscaper protects LIKE wildcards in caller-supplied prefixes.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(prefix string) string { return likeEscaper.Replace(prefix) }

// List pages objects in key order, grouping by delimiter after fetch.
func (gateway *Gateway) List(ctx context.Context, opts ListOptions) (_ *ListResult, err error) {
	defer mon.Task()(&ctx)(&err)

	limit := opts.Limit
	if limit == 0 {
		limit = MaxListLimit
	}
	if limit < 1 || limit > MaxListLimit {
		return nil, ErrInvalidMaxKeys.New("limit of %d is out of range [1, %d]", opts.Limit, MaxListLimit)
	}

	rows, err := gateway.db.QueryContext(ctx, `
		SELECT key, version, size, etag, uploaded, http_metadata, custom_metadata, checksums
		FROM objects WHERE key LIKE ? ESCAPE '\' ORDER BY key`, escapeLike(opts.Prefix)+"%")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	entries := make(map[string]ObjectEntry)
	var keys []storage.KeyInfo
	for rows.Next() {
		var entry ObjectEntry
		var httpMeta, customMeta, checksums []byte
		err := rows.Scan(&entry.Key, &entry.Version, &entry.Size, &entry.ETag,
			&entry.Uploaded, &httpMeta, &customMeta, &checksums)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if opts.IncludeHTTPMetadata {
			if err := json.Unmarshal(httpMeta, &entry.HTTPMetadata); err != nil {
				return nil, Error.Wrap(err)
			}
		}
		if opts.IncludeCustomMetadata {
			if err := json.Unmarshal(customMeta, &entry.CustomMetadata); err != nil {
				return nil, Error.Wrap(err)
			}
		}
		if err := json.Unmarshal(checksums, &entry.Checksums); err != nil {
			return nil, Error.Wrap(err)
		}
		entries[entry.Key] = entry
		keys = append(keys, storage.KeyInfo{Name: entry.Key})
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	listOpts := storage.ListOptions{
		Prefix:    opts.Prefix,
		Limit:     limit,
		Cursor:    opts.Cursor,
		Delimiter: opts.Delimiter,
	}
	if opts.StartAfter != "" {
		// exclusive bound: the next possible key in byte order
		listOpts.Start = opts.StartAfter + "\x00"
	}
	page, err := storage.ApplyList(keys, listOpts)
	if err != nil {
		return nil, err
	}

	result := &ListResult{Cursor: page.Cursor, DelimitedPrefixes: page.DelimitedPrefixes}
	for _, key := range page.Keys {
		result.Objects = append(result.Objects, entries[key.Name])
	}
	return result, nil
}
