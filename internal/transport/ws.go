package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/m4xw311/acpadapter/internal/failure"
)

// WebSocket adapts a *websocket.Conn to the Stream contract: one text
// frame carries exactly one JSON value, in each direction, matching the
// stream transport's message shape (SPEC_FULL.md §4.1). Grounded on the
// corpus's subprocess-to-WebSocket bridge, repurposed here to feed the
// adapter's own RPC multiplexer directly instead of piping to a child
// process's stdio.
type WebSocket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewWebSocket wraps an already-upgraded connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

func (w *WebSocket) ReadMessage(ctx context.Context) ([]byte, error) {
	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		w.readMu.Lock()
		defer w.readMu.Unlock()
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			resultCh <- readResult{err: failure.WrapfKind(failure.KindFatal, err, "reading websocket frame")}
			return
		}
		resultCh <- readResult{data: data}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		return result.data, result.err
	}
}

func (w *WebSocket) WriteMessage(ctx context.Context, payload []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return failure.WrapfKind(failure.KindFatal, err, "writing websocket frame")
	}
	return nil
}

func (w *WebSocket) Close() error {
	return w.conn.Close()
}
