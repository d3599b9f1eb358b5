// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package queue

import (
	"encoding/json"

	"github.com/zeebo/errs"

	"miniflare.dev/miniflare/internal/structclone"
)

// MaxMessageSize bounds the serialized payload of one message.
const MaxMessageSize = 128000

// Content types accepted on send.
const (
	ContentTypeText  = "text"
	ContentTypeJSON  = "json"
	ContentTypeBytes = "bytes"
	ContentTypeV8    = "v8"
)

// ErrInvalidContentType is returned for an unknown content type.
var ErrInvalidContentType = errs.Class("invalid content type")

// Body is the serialized payload of a message.
type Body struct {
	ContentType string
	Raw         []byte
}

// serializeBody encodes value per content type.
func serializeBody(contentType string, value any) (Body, error) {
	switch contentType {
	case ContentTypeText:
		text, ok := value.(string)
		if !ok {
			return Body{}, Error.New("text messages require a string body, got %T", value)
		}
		return Body{ContentType: contentType, Raw: []byte(text)}, nil
	case ContentTypeJSON:
		raw, err := json.Marshal(value)
		if err != nil {
			return Body{}, Error.Wrap(err)
		}
		return Body{ContentType: contentType, Raw: raw}, nil
	case ContentTypeBytes:
		raw, ok := value.([]byte)
		if !ok {
			return Body{}, Error.New("byte messages require a byte slice body, got %T", value)
		}
		return Body{ContentType: contentType, Raw: append([]byte(nil), raw...)}, nil
	case ContentTypeV8:
		raw, err := structclone.Encode(value)
		if err != nil {
			return Body{}, err
		}
		return Body{ContentType: contentType, Raw: raw}, nil
	default:
		return Body{}, ErrInvalidContentType.New("%q", contentType)
	}
}

// Decode reverses the content-type serialization.
func (body Body) Decode() (any, error) {
	switch body.ContentType {
	case ContentTypeText:
		return string(body.Raw), nil
	case ContentTypeJSON:
		var value any
		if err := json.Unmarshal(body.Raw, &value); err != nil {
			return nil, Error.Wrap(err)
		}
		return value, nil
	case ContentTypeBytes:
		return append([]byte(nil), body.Raw...), nil
	case ContentTypeV8:
		return structclone.Decode(body.Raw)
	default:
		return nil, ErrInvalidContentType.New("%q", body.ContentType)
	}
}

// Message is one queued message as delivered to a consumer.
type Message struct {
	ID        string
	Timestamp int64
	Body      Body
	// Attempts counts deliveries including the current one; it starts
	// at 1.
	Attempts int

	retried bool
}

// Retry returns this message to the buffer after the batch completes,
// with its attempt count incremented.
func (message *Message) Retry() { message.retried = true }

// Batch is one delivery of up to maxBatchSize messages.
type Batch struct {
	Queue    string
	Messages []*Message

	retryAll bool
}

// RetryAll marks every message in the batch for redelivery.
func (batch *Batch) RetryAll() { batch.retryAll = true }
