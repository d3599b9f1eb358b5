// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package queue

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/errs"
)

// WALRecord is one appended write-ahead entry for a queue.
type WALRecord struct {
	Op          string `json:"op"`
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"bodyBytes"`
}

// WAL appends queue operations to a per-queue log file so sends survive
// a restart for inspection and replay.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenWAL opens (creating if needed) the log file for one queue.
func OpenWAL(path string) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &WAL{file: file, enc: json.NewEncoder(file)}, nil
}

// Record appends one operation for a message.
func (wal *WAL) Record(op string, message *Message) error {
	wal.mu.Lock()
	defer wal.mu.Unlock()
	return Error.Wrap(wal.enc.Encode(WALRecord{
		Op:          op,
		ID:          message.ID,
		ContentType: message.Body.ContentType,
		Body:        message.Body.Raw,
	}))
}

// Close closes the underlying file.
func (wal *WAL) Close() error {
	wal.mu.Lock()
	defer wal.mu.Unlock()
	return Error.Wrap(wal.file.Close())
}

// ReadWAL reads every record appended to a log file, oldest first.
func ReadWAL(path string) (records []WALRecord, err error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(file.Close())) }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*MaxMessageSize)
	for scanner.Scan() {
		var record WALRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, Error.Wrap(err)
		}
		records = append(records, record)
	}
	return records, Error.Wrap(scanner.Err())
}
