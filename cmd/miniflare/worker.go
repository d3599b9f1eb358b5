// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"miniflare.dev/miniflare"
	"miniflare.dev/miniflare/kv"
	"miniflare.dev/miniflare/queue"
	"miniflare.dev/miniflare/r2"
	"miniflare.dev/miniflare/server"
)

// devWorker exposes the peer's gateways over HTTP so the simulator can
// be poked at without a worker script:
//
//	GET/PUT/DELETE /kv/<namespace>/<key>   (?expiration_ttl=<seconds>)
//	GET/PUT/DELETE /r2/<bucket>/<key>
//	POST           /queue/<name>           (?content-type=text|json|bytes)
type devWorker struct {
	log  *zap.Logger
	peer *miniflare.Peer
}

func textResponse(status int, text string) *server.Response {
	return &server.Response{
		Status: status,
		Body:   io.NopCloser(strings.NewReader(text)),
	}
}

func (worker *devWorker) Fetch(ctx context.Context, req *http.Request) (*server.Response, error) {
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 3)
	switch parts[0] {
	case "kv":
		if len(parts) == 3 {
			return worker.kv(ctx, req, parts[1], parts[2])
		}
	case "r2":
		if len(parts) == 3 {
			return worker.r2(ctx, req, parts[1], parts[2])
		}
	case "queue":
		if len(parts) >= 2 && req.Method == http.MethodPost {
			return worker.queue(ctx, req, parts[1])
		}
	}
	return textResponse(http.StatusOK, "miniflare dev worker: /kv, /r2, /queue\n"), nil
}

func (worker *devWorker) kv(ctx context.Context, req *http.Request, namespace, key string) (*server.Response, error) {
	gateway, err := worker.peer.KVNamespace(namespace)
	if err != nil {
		return nil, err
	}
	switch req.Method {
	case http.MethodGet:
		entry, err := gateway.Get(ctx, key, kv.GetOptions{})
		if err != nil || entry == nil {
			return nil, err
		}
		return &server.Response{
			Status: http.StatusOK,
			Body:   io.NopCloser(bytes.NewReader(entry.Value)),
		}, nil
	case http.MethodPut:
		value, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		opts := kv.PutOptions{}
		if raw := req.URL.Query().Get("expiration_ttl"); raw != "" {
			ttl, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, kv.ErrInvalidExpiration.New("invalid expiration_ttl %q", raw)
			}
			opts.ExpirationTTL = ttl
		}
		if err := gateway.Put(ctx, key, value, opts); err != nil {
			return nil, err
		}
		return textResponse(http.StatusOK, "ok"), nil
	case http.MethodDelete:
		if err := gateway.Delete(ctx, key); err != nil {
			return nil, err
		}
		return textResponse(http.StatusOK, "ok"), nil
	}
	return textResponse(http.StatusMethodNotAllowed, "method not allowed"), nil
}

func (worker *devWorker) r2(ctx context.Context, req *http.Request, bucket, key string) (*server.Response, error) {
	gateway, err := worker.peer.R2Bucket(bucket)
	if err != nil {
		return nil, err
	}
	switch req.Method {
	case http.MethodGet:
		entry, body, err := gateway.Get(ctx, key, r2.GetOptions{})
		if err != nil || entry == nil {
			return nil, err
		}
		header := http.Header{}
		header.Set("ETag", entry.HTTPETag())
		header.Set("Content-Length", strconv.FormatInt(entry.Size, 10))
		return &server.Response{
			Status: http.StatusOK,
			Header: header,
			Body:   body,
		}, nil
	case http.MethodPut:
		entry, err := gateway.Put(ctx, key, req.Body, r2.PutOptions{})
		if err != nil {
			return nil, err
		}
		header := http.Header{}
		header.Set("ETag", entry.HTTPETag())
		return &server.Response{Status: http.StatusOK, Header: header,
			Body: io.NopCloser(strings.NewReader("ok"))}, nil
	case http.MethodDelete:
		if err := gateway.Delete(ctx, key); err != nil {
			return nil, err
		}
		return textResponse(http.StatusOK, "ok"), nil
	}
	return textResponse(http.StatusMethodNotAllowed, "method not allowed"), nil
}

func (worker *devWorker) queue(ctx context.Context, req *http.Request, name string) (*server.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	contentType := req.URL.Query().Get("content-type")
	var value any
	switch contentType {
	case "", queue.ContentTypeText:
		contentType, value = queue.ContentTypeText, string(body)
	case queue.ContentTypeBytes:
		value = body
	case queue.ContentTypeJSON:
		value = json.RawMessage(body)
	default:
		return nil, queue.ErrInvalidContentType.New("%q", contentType)
	}
	if err := worker.peer.Queues.Send(ctx, name, contentType, value); err != nil {
		return nil, err
	}
	return textResponse(http.StatusOK, "ok"), nil
}

func (worker *devWorker) Scheduled(ctx context.Context, scheduledTime time.Time, cron string) error {
	worker.log.Info("scheduled event",
		zap.Time("time", scheduledTime), zap.String("cron", cron))
	return nil
}

func (worker *devWorker) Queue(ctx context.Context, batch *queue.Batch) error {
	for _, message := range batch.Messages {
		worker.log.Info(fmt.Sprintf("consumed message %q from queue %q", message.ID, batch.Queue))
	}
	return nil
}

func (worker *devWorker) Alarm(ctx context.Context, scheduledMs int64) error {
	worker.log.Info("alarm fired", zap.Int64("scheduled_ms", scheduledMs))
	return nil
}
