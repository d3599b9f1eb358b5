// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package wspair implements the in-process WebSocket pair: two ends
// bound so every frame sent on one is dispatched on the other, with
// buffering until an end accepts, and coupling of one end onto a real
// network socket.
package wspair

import (
	"context"
	"sync"

	"github.com/zeebo/errs"

	"miniflare.dev/miniflare/gate"
)

var (
	// Error is the default pair error class.
	Error = errs.Class("websocket")

	// ErrTypeError marks misuse the platform reports as a TypeError.
	ErrTypeError = errs.Class("TypeError")
)

// Ready states, mirrored on both ends of a pair.
const (
	Connecting = 0
	Open       = 1
	Closing    = 2
	Closed     = 3
)

// Message is one data frame: text or binary.
type Message struct {
	IsText bool
	Text   string
	Data   []byte
}

type closeEvent struct {
	code   int
	reason string
}

type event struct {
	message  *Message
	closeEvt *closeEvent
}

// Socket is one end of a pair.
type Socket struct {
	mu       sync.Mutex
	peer     *Socket
	accepted bool
	coupled  bool
	state    int
	sent     bool // close already sent from this end
	buffer   []event

	onMessage func(Message)
	onClose   func(code int, reason string)

	request *gate.Request
}

// NewPair creates two bound ends. Both start open and unaccepted.
func NewPair() (a, b *Socket) {
	a = &Socket{state: Open}
	b = &Socket{state: Open}
	a.peer, b.peer = b, a
	return a, b
}

// Peer returns the other end of the pair.
func (socket *Socket) Peer() *Socket { return socket.peer }

// ReadyState returns the current ready-state constant.
func (socket *Socket) ReadyState() int {
	socket.mu.Lock()
	defer socket.mu.Unlock()
	return socket.state
}

// SetRequest attaches a request context whose gates and budget govern
// this end's traffic.
func (socket *Socket) SetRequest(request *gate.Request) {
	socket.mu.Lock()
	defer socket.mu.Unlock()
	socket.request = request
}

// OnMessage registers the message handler; set it before Accept so
// drained frames are not lost.
func (socket *Socket) OnMessage(handler func(Message)) {
	socket.mu.Lock()
	defer socket.mu.Unlock()
	socket.onMessage = handler
}

// OnClose registers the close handler.
func (socket *Socket) OnClose(handler func(code int, reason string)) {
	socket.mu.Lock()
	defer socket.mu.Unlock()
	socket.onClose = handler
}

// Accept starts dispatching events on this end, draining anything the
// peer sent before now, in order.
func (socket *Socket) Accept(ctx context.Context) error {
	socket.mu.Lock()
	if socket.coupled {
		socket.mu.Unlock()
		return ErrTypeError.New("Can't accept() WebSocket that was already used in a response.")
	}
	if socket.accepted {
		socket.mu.Unlock()
		return ErrTypeError.New("WebSocket is already accepted.")
	}
	socket.accepted = true
	socket.mu.Unlock()
	return socket.drain(ctx)
}

func (socket *Socket) drain(ctx context.Context) error {
	for {
		socket.mu.Lock()
		if len(socket.buffer) == 0 {
			socket.mu.Unlock()
			return nil
		}
		next := socket.buffer[0]
		socket.buffer = socket.buffer[1:]
		socket.mu.Unlock()
		if err := socket.dispatch(ctx, next); err != nil {
			return err
		}
	}
}

// Send delivers a frame to the peer, buffering it there until the peer
// accepts.
func (socket *Socket) Send(ctx context.Context, message Message) error {
	socket.mu.Lock()
	if !socket.accepted {
		socket.mu.Unlock()
		return ErrTypeError.New("You must call accept() on this WebSocket before sending messages.")
	}
	if socket.sent || socket.state == Closed {
		socket.mu.Unlock()
		return ErrTypeError.New("Can't call WebSocket send() after close().")
	}
	request := socket.request
	peer := socket.peer
	socket.mu.Unlock()

	if request != nil {
		if err := request.Output.Wait(ctx); err != nil {
			return err
		}
	}
	return peer.receive(ctx, event{message: &message})
}

// validCloseCode reports whether a user-supplied close code is allowed:
// 1000 or an application code in 3000-4999. 1005 is reserved.
func validCloseCode(code int) bool {
	return code == 1000 || (code >= 3000 && code <= 4999)
}

// Close sends a close frame to the peer. The initiator transitions to
// closing; both ends reach closed once the peer observes the frame.
func (socket *Socket) Close(ctx context.Context, code int, reason string) error {
	socket.mu.Lock()
	if !socket.accepted && !socket.coupled {
		socket.mu.Unlock()
		return ErrTypeError.New("You must call accept() on this WebSocket before closing.")
	}
	if reason != "" && code == 0 {
		socket.mu.Unlock()
		return ErrTypeError.New("If you specify a WebSocket close reason, you must also specify a code.")
	}
	if code != 0 && !validCloseCode(code) {
		socket.mu.Unlock()
		return ErrTypeError.New("Invalid WebSocket close code: %d.", code)
	}
	if socket.sent {
		socket.mu.Unlock()
		return ErrTypeError.New("WebSocket already closed.")
	}
	socket.sent = true
	socket.state = Closing
	request := socket.request
	peer := socket.peer
	socket.mu.Unlock()

	if request != nil {
		if err := request.Output.Wait(ctx); err != nil {
			return err
		}
	}
	if code == 0 {
		// no-code close surfaces as the reserved 1005
		code = 1005
	}
	return peer.receive(ctx, event{closeEvt: &closeEvent{code: code, reason: reason}})
}

// receive takes an inbound event at this end: dispatch when accepted,
// buffer otherwise.
func (socket *Socket) receive(ctx context.Context, ev event) error {
	socket.mu.Lock()
	if !socket.accepted {
		socket.buffer = append(socket.buffer, ev)
		socket.mu.Unlock()
		return nil
	}
	socket.mu.Unlock()
	return socket.dispatch(ctx, ev)
}

// dispatch hands one event to the handlers, waiting for the input gate
// first.
func (socket *Socket) dispatch(ctx context.Context, ev event) error {
	socket.mu.Lock()
	request := socket.request
	socket.mu.Unlock()
	if request != nil {
		if err := request.Input.Wait(ctx); err != nil {
			return err
		}
	}

	if ev.closeEvt != nil {
		socket.mu.Lock()
		socket.state = Closed
		peer := socket.peer
		handler := socket.onClose
		socket.mu.Unlock()

		peer.mu.Lock()
		peer.state = Closed
		peer.mu.Unlock()
		if handler != nil {
			handler(ev.closeEvt.code, ev.closeEvt.reason)
		}
		return nil
	}
	socket.mu.Lock()
	handler := socket.onMessage
	socket.mu.Unlock()
	if handler != nil {
		handler(*ev.message)
	}
	return nil
}
