// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package wspair

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"miniflare.dev/miniflare/gate"
)

// Couple bridges one end of a pair onto a real network socket: wire
// frames dispatch through the pair, pair frames write to the wire. The
// end can no longer be accepted by the worker. Couple blocks until the
// wire side closes or ctx is cancelled.
func Couple(ctx context.Context, log *zap.Logger, conn *websocket.Conn, end *Socket) error {
	end.mu.Lock()
	if end.accepted {
		end.mu.Unlock()
		return ErrTypeError.New("Can't return WebSocket that was already accepted in a response.")
	}
	if end.coupled {
		end.mu.Unlock()
		return ErrTypeError.New("WebSocket is already coupled.")
	}
	end.coupled = true
	end.accepted = true

	// serialize wire writes: the pair handlers and the close path run
	// on different goroutines
	var writeMu sync.Mutex
	wireClosed := make(chan struct{})
	var once sync.Once

	end.onMessage = func(message Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		var err error
		if message.IsText {
			err = conn.WriteMessage(websocket.TextMessage, []byte(message.Text))
		} else {
			err = conn.WriteMessage(websocket.BinaryMessage, message.Data)
		}
		if err != nil {
			log.Debug("websocket write failed", zap.Error(err))
		}
	}
	end.onClose = func(code int, reason string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		frame := websocket.FormatCloseMessage(code, reason)
		if err := conn.WriteMessage(websocket.CloseMessage, frame); err != nil {
			log.Debug("websocket close write failed", zap.Error(err))
		}
		_ = conn.Close()
		once.Do(func() { close(wireClosed) })
	}
	end.mu.Unlock()

	// frames the worker sent before the response settled
	if err := end.drain(ctx); err != nil {
		return err
	}

	request := gate.FromRequest(ctx)
	readErr := make(chan error, 1)
	go func() { readErr <- readPump(ctx, conn, end, request) }()

	select {
	case err := <-readErr:
		return err
	case <-wireClosed:
		return nil
	case <-ctx.Done():
		// abnormal shutdown propagates 1006 to the worker side
		_ = conn.Close()
		_ = end.peer.receive(context.Background(), event{closeEvt: &closeEvent{code: 1006}})
		return Error.Wrap(ctx.Err())
	}
}

// readPump forwards wire frames into the pair until the wire closes.
func readPump(ctx context.Context, conn *websocket.Conn, end *Socket, request *gate.Request) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := 1005, ""
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code, reason = closeErr.Code, closeErr.Text
				if !validCloseCode(code) && code != 1006 {
					// invalid wire codes normalise to "no status"
					code, reason = 1005, ""
				}
			}
			return end.closeFromWire(ctx, code, reason)
		}
		if err := request.CountSubrequest(); err != nil {
			return err
		}
		message := Message{IsText: messageType == websocket.TextMessage}
		if message.IsText {
			message.Text = string(data)
		} else {
			message.Data = data
		}
		if err := end.Send(ctx, message); err != nil {
			return err
		}
	}
}

// closeFromWire propagates a wire close into the pair, bypassing the
// user-facing close validation.
func (socket *Socket) closeFromWire(ctx context.Context, code int, reason string) error {
	socket.mu.Lock()
	if socket.sent {
		socket.mu.Unlock()
		return nil
	}
	socket.sent = true
	socket.state = Closing
	peer := socket.peer
	socket.mu.Unlock()
	return peer.receive(ctx, event{closeEvt: &closeEvent{code: code, reason: reason}})
}
