// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package r2

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"miniflare.dev/miniflare/storage"
)

// MultipartUpload identifies an in-progress multipart upload.
type MultipartUpload struct {
	Key      string
	UploadID string
}

// UploadedPart is the caller-visible record of one uploaded part.
type UploadedPart struct {
	PartNumber int
	ETag       string
}

// MultipartOptions carry the metadata attached at creation time and
// applied to the completed object.
type MultipartOptions struct {
	HTTPMetadata   HTTPMetadata
	CustomMetadata map[string]string
}

// CreateMultipartUpload starts a new upload for key.
func (gateway *Gateway) CreateMultipartUpload(ctx context.Context, key string, opts MultipartOptions) (_ *MultipartUpload, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := validateKey(key); err != nil {
		return nil, err
	}
	if size := metadataSize(opts.CustomMetadata); size > MaxMetadataSize {
		return nil, ErrMetadataTooLarge.New("custom metadata size of %d exceeds limit of %d", size, MaxMetadataSize)
	}
	httpMeta, err := json.Marshal(opts.HTTPMetadata)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	customMeta, err := json.Marshal(opts.CustomMetadata)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	uploadID := uuid.NewString()
	_, err = gateway.db.ExecContext(ctx, `
		INSERT INTO multipart_uploads (upload_id, key, http_metadata, custom_metadata)
		VALUES (?, ?, ?, ?)`, uploadID, key, httpMeta, customMeta)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &MultipartUpload{Key: key, UploadID: uploadID}, nil
}

// loadUpload resolves an upload by id, verifying the key matches.
func (gateway *Gateway) loadUpload(ctx context.Context, key, uploadID string) (MultipartOptions, error) {
	row := gateway.db.QueryRowContext(ctx, `
		SELECT key, http_metadata, custom_metadata FROM multipart_uploads WHERE upload_id = ?`, uploadID)
	var storedKey string
	var httpMeta, customMeta []byte
	err := row.Scan(&storedKey, &httpMeta, &customMeta)
	if err == sql.ErrNoRows || (err == nil && storedKey != key) {
		return MultipartOptions{}, ErrNoSuchUpload.New("upload %q does not exist for key %q", uploadID, key)
	}
	if err != nil {
		return MultipartOptions{}, Error.Wrap(err)
	}
	var opts MultipartOptions
	if err := json.Unmarshal(httpMeta, &opts.HTTPMetadata); err != nil {
		return MultipartOptions{}, Error.Wrap(err)
	}
	if err := json.Unmarshal(customMeta, &opts.CustomMetadata); err != nil {
		return MultipartOptions{}, Error.Wrap(err)
	}
	return opts, nil
}

// UploadPart stores one part body. Re-uploading a part number replaces
// the previous body.
func (gateway *Gateway) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader) (_ UploadedPart, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := gateway.loadUpload(ctx, key, uploadID); err != nil {
		return UploadedPart{}, err
	}

	digest := md5.New()
	version := uuid.NewString()
	writer, err := gateway.blobs.Create(ctx, version)
	if err != nil {
		return UploadedPart{}, err
	}
	size, err := io.Copy(io.MultiWriter(writer, digest), body)
	if err != nil {
		return UploadedPart{}, Error.Wrap(errs.Combine(err, writer.Cancel()))
	}
	if err := writer.Commit(); err != nil {
		return UploadedPart{}, err
	}
	etag := hex.EncodeToString(digest.Sum(nil))

	var priorVersion sql.NullString
	err = gateway.db.QueryRowContext(ctx, `
		SELECT version FROM multipart_parts WHERE upload_id = ? AND part_number = ?`,
		uploadID, partNumber).Scan(&priorVersion)
	if err != nil && err != sql.ErrNoRows {
		_ = gateway.blobs.Delete(ctx, version)
		return UploadedPart{}, Error.Wrap(err)
	}
	_, err = gateway.db.ExecContext(ctx, `
		INSERT INTO multipart_parts (upload_id, part_number, version, size, etag)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (upload_id, part_number) DO UPDATE SET
			version = excluded.version,
			size = excluded.size,
			etag = excluded.etag`,
		uploadID, partNumber, version, size, etag)
	if err != nil {
		_ = gateway.blobs.Delete(ctx, version)
		return UploadedPart{}, Error.Wrap(err)
	}
	if priorVersion.Valid {
		_ = gateway.blobs.Delete(ctx, priorVersion.String)
	}
	return UploadedPart{PartNumber: partNumber, ETag: etag}, nil
}

// UploadPartCopy stores a part from an existing object's body, with an
// optional range.
func (gateway *Gateway) UploadPartCopy(ctx context.Context, key, uploadID string, partNumber int, sourceKey string, sourceRange *storage.RangeOptions) (_ UploadedPart, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, body, err := gateway.Get(ctx, sourceKey, GetOptions{Range: sourceRange})
	if err != nil {
		return UploadedPart{}, err
	}
	if entry == nil {
		return UploadedPart{}, Error.New("source object %q does not exist", sourceKey)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(body.Close())) }()
	return gateway.UploadPart(ctx, key, uploadID, partNumber, body)
}

type storedPart struct {
	partNumber int
	version    string
	size       int64
	etag       string
}

func (gateway *Gateway) loadParts(ctx context.Context, uploadID string) (_ map[int]storedPart, err error) {
	rows, err := gateway.db.QueryContext(ctx, `
		SELECT part_number, version, size, etag FROM multipart_parts WHERE upload_id = ?`, uploadID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	parts := make(map[int]storedPart)
	for rows.Next() {
		var part storedPart
		if err := rows.Scan(&part.partNumber, &part.version, &part.size, &part.etag); err != nil {
			return nil, Error.Wrap(err)
		}
		parts[part.partNumber] = part
	}
	return parts, Error.Wrap(rows.Err())
}

// CompleteMultipartUpload assembles the selected parts, in part-number
// order, into the final object. The object's etag is the hex MD5 of the
// concatenated raw part digests suffixed with the part count.
func (gateway *Gateway) CompleteMultipartUpload(ctx context.Context, key, uploadID string, selected []UploadedPart) (_ *ObjectEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	opts, err := gateway.loadUpload(ctx, key, uploadID)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, ErrInvalidPart.New("there must be at least one part")
	}
	stored, err := gateway.loadParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	ordered := append([]UploadedPart(nil), selected...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PartNumber < ordered[j].PartNumber })

	parts := make([]storedPart, 0, len(ordered))
	for _, want := range ordered {
		part, ok := stored[want.PartNumber]
		if !ok || part.etag != want.ETag {
			return nil, ErrInvalidPart.New("part %d was not uploaded or does not match", want.PartNumber)
		}
		parts = append(parts, part)
	}
	for i, part := range parts {
		if i < len(parts)-1 && part.size < MinMultipartPartSize {
			return nil, ErrEntityTooLarge.New(
				"part %d size of %d bytes is below the minimum of %d", part.partNumber, part.size, MinMultipartPartSize)
		}
	}

	etagDigest := md5.New()
	version := uuid.NewString()
	writer, err := gateway.blobs.Create(ctx, version)
	if err != nil {
		return nil, err
	}
	var size int64
	for _, part := range parts {
		raw, err := hex.DecodeString(part.etag)
		if err != nil {
			return nil, Error.Wrap(errs.Combine(err, writer.Cancel()))
		}
		etagDigest.Write(raw)

		blob, err := gateway.blobs.Open(ctx, part.version)
		if err != nil {
			return nil, errs.Combine(err, writer.Cancel())
		}
		n, err := io.Copy(writer, blob)
		if err := errs.Combine(err, blob.Close()); err != nil {
			return nil, Error.Wrap(errs.Combine(err, writer.Cancel()))
		}
		size += n
	}
	if err := writer.Commit(); err != nil {
		return nil, err
	}

	prior, err := gateway.load(ctx, key)
	if err != nil {
		_ = gateway.blobs.Delete(ctx, version)
		return nil, err
	}
	entry := ObjectEntry{
		Key:            key,
		Version:        version,
		Size:           size,
		ETag:           hex.EncodeToString(etagDigest.Sum(nil)) + "-" + strconv.Itoa(len(parts)),
		Uploaded:       gateway.clock.Now(),
		HTTPMetadata:   opts.HTTPMetadata,
		CustomMetadata: opts.CustomMetadata,
	}
	if err := gateway.upsert(ctx, entry); err != nil {
		_ = gateway.blobs.Delete(ctx, version)
		return nil, err
	}
	if prior != nil {
		_ = gateway.blobs.Delete(ctx, prior.version)
	}
	if err := gateway.discardUpload(ctx, uploadID, stored); err != nil {
		return nil, err
	}
	return &entry, nil
}

// AbortMultipartUpload discards the upload and its parts.
func (gateway *Gateway) AbortMultipartUpload(ctx context.Context, key, uploadID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := gateway.loadUpload(ctx, key, uploadID); err != nil {
		return err
	}
	stored, err := gateway.loadParts(ctx, uploadID)
	if err != nil {
		return err
	}
	return gateway.discardUpload(ctx, uploadID, stored)
}

func (gateway *Gateway) discardUpload(ctx context.Context, uploadID string, parts map[int]storedPart) error {
	for _, part := range parts {
		_ = gateway.blobs.Delete(ctx, part.version)
	}
	if _, err := gateway.db.ExecContext(ctx, `DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
		return Error.Wrap(err)
	}
	_, err := gateway.db.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID)
	return Error.Wrap(err)
}
