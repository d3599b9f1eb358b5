// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package gate

import (
	"context"
	"sync/atomic"
)

// ErrSubrequestLimit is returned when a request context exceeds its
// external subrequest budget.
var ErrSubrequestLimit = Error.New("too many subrequests")

// DefaultSubrequestLimit matches the platform's external subrequest cap.
const DefaultSubrequestLimit = 50

// Request tracks the gates and subrequest budget of one dispatched
// request.
//
// The input gate is closed while a durable-object write is in flight so
// inbound event dispatch observes writes in commit order. The output
// gate is closed while any write is unconfirmed so no side effect
// escapes before the write it depends on is durable.
type Request struct {
	Input  *Gate
	Output *Gate

	RequestDepth  int
	PipelineDepth int

	limit int64
	used  int64
}

// NewRequest creates a request context with the given external
// subrequest limit; zero or negative means unlimited.
func NewRequest(limit int) *Request {
	return &Request{
		Input:         New(),
		Output:        New(),
		RequestDepth:  1,
		PipelineDepth: 1,
		limit:         int64(limit),
	}
}

// CountSubrequest consumes one unit of the external subrequest budget.
func (request *Request) CountSubrequest() error {
	if request == nil || request.limit <= 0 {
		return nil
	}
	if atomic.AddInt64(&request.used, 1) > request.limit {
		atomic.AddInt64(&request.used, -1)
		return ErrSubrequestLimit
	}
	return nil
}

// Subrequests reports how much budget has been consumed.
func (request *Request) Subrequests() int {
	if request == nil {
		return 0
	}
	return int(atomic.LoadInt64(&request.used))
}

// DurableScope derives a context for a durable-object dispatch: gates
// are fresh and the subrequest counter resets so traffic internal to the
// object does not count against the outer request.
func (request *Request) DurableScope() *Request {
	scope := NewRequest(int(request.limit))
	scope.RequestDepth = request.RequestDepth + 1
	scope.PipelineDepth = request.PipelineDepth
	return scope
}

type requestKey struct{}

// WithRequest attaches a request context.
func WithRequest(ctx context.Context, request *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, request)
}

// FromRequest returns the attached request context, or nil.
func FromRequest(ctx context.Context) *Request {
	request, _ := ctx.Value(requestKey{}).(*Request)
	return request
}
