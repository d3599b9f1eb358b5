// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"miniflare.dev/miniflare/gate"
	"miniflare.dev/miniflare/htmlrewriter"
	"miniflare.dev/miniflare/kv"
	"miniflare.dev/miniflare/queue"
	"miniflare.dev/miniflare/r2"
	"miniflare.dev/miniflare/storage"
	"miniflare.dev/miniflare/wspair"
)

// errorBody is the JSON error convention observed by clients.
type errorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// classify maps typed gateway errors to a status code and the error
// name reported in the body. Unknown errors are uncaught: 500 "Error".
func classify(err error) (status int, name string) {
	if _, ok := r2.IsPrecondition(err); ok {
		return http.StatusPreconditionFailed, "PreconditionFailed"
	}
	switch {
	case r2.ErrBadDigest.Has(err):
		return http.StatusBadRequest, "BadDigest"
	case r2.ErrEntityTooLarge.Has(err):
		return http.StatusRequestEntityTooLarge, "EntityTooLarge"
	case r2.ErrMetadataTooLarge.Has(err):
		return http.StatusRequestEntityTooLarge, "MetadataTooLarge"
	case r2.ErrInvalidObjectName.Has(err):
		return http.StatusBadRequest, "InvalidObjectName"
	case r2.ErrInvalidMaxKeys.Has(err):
		return http.StatusBadRequest, "InvalidMaxKeys"
	case r2.ErrNoSuchUpload.Has(err):
		return http.StatusBadRequest, "NoSuchUpload"
	case r2.ErrInvalidPart.Has(err):
		return http.StatusBadRequest, "InvalidPart"
	case errors.Is(err, gate.ErrSubrequestLimit):
		return http.StatusTooManyRequests, "Error"
	case kv.ErrInvalidExpiration.Has(err),
		kv.ErrInvalidLimit.Has(err),
		storage.ErrInvalidKey.Has(err),
		storage.ErrInvalidRange.Has(err),
		storage.ErrInvalidCursor.Has(err):
		return http.StatusBadRequest, "Error"
	case wspair.ErrTypeError.Has(err), htmlrewriter.ErrSelectorParse.Has(err):
		return http.StatusInternalServerError, "TypeError"
	case queue.ErrDeadLetterCycle.Has(err):
		return http.StatusInternalServerError, "Error"
	default:
		return http.StatusInternalServerError, "Error"
	}
}

// message strips a leading class tag matching the reported name so the
// body message reads the way a thrown error would.
func message(err error, name string) string {
	text := err.Error()
	if trimmed := strings.TrimPrefix(text, name+": "); trimmed != text {
		return trimmed
	}
	return text
}

func (server *Server) writeError(w http.ResponseWriter, err error) {
	status, name := classify(err)
	body := errorBody{
		Name:    name,
		Message: message(err, name),
	}
	if server.config.ErrorStacks {
		body.Stack = fmt.Sprintf("%+v", err)
		w.Header().Set(errorStackHeader, "true")
	}

	if status >= http.StatusInternalServerError {
		server.log.Error("uncaught error", zap.Error(err))
	} else {
		server.log.Debug("request failed", zap.String("name", name), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		server.log.Debug("error body write failed", zap.Error(err))
	}
}
