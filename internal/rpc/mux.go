// Package rpc implements the bidirectional JSON-RPC 2.0 multiplexer (C2):
// inbound dispatch to registered handlers, outbound reverse calls with
// waiter correlation, per-session cancellation fan-out, and a single
// writer goroutine serializing every outbound frame. Envelope shapes are
// grounded on the upstream assistant's acp package; the waiter-map and
// session-cancellation design has no direct teacher precedent (the
// teacher never issues reverse calls) and is instead grounded on the
// request/response channel-correlation idiom used for permission
// brokering elsewhere in the corpus.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/m4xw311/acpadapter/internal/applog"
	"github.com/m4xw311/acpadapter/internal/failure"
	"github.com/m4xw311/acpadapter/internal/transport"
)

// Handler answers one inbound request. Returning an error built with
// failure.Newf/WrapfKind lets the mux pick the right JSON-RPC code via
// failure.KindOf; any other error maps to -32603.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler answers one inbound notification. Errors are logged
// and swallowed — notifications are one-way per SPEC_FULL.md §4.2/§7.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// UnknownMethodHandler is consulted for method names the mux has no
// registered handler for; used by the extension registry (C3) to route
// "_namespace/method" calls. Returning ok=false yields -32601.
type UnknownMethodHandler func(ctx context.Context, method string, params json.RawMessage) (result any, ok bool, err error)
type UnknownNotificationHandler func(ctx context.Context, method string, params json.RawMessage) (ok bool)

// Mux is the bidirectional JSON-RPC multiplexer.
type Mux struct {
	stream transport.Stream
	log    *slog.Logger

	handlersMu     sync.RWMutex
	handlers       map[string]Handler
	notifications  map[string]NotificationHandler

	unknownMethod       UnknownMethodHandler
	unknownNotification UnknownNotificationHandler

	nextID int64

	waitersMu sync.Mutex
	waiters   map[int64]*waiter

	outbound chan outboundFrame

	sessionsMu sync.Mutex
	sessions   map[string][]sessionCancel

	wg sync.WaitGroup
}

type waiter struct {
	ch        chan *Response
	sessionID string
}

type outboundFrame struct {
	payload []byte
	done     chan error
}

// New constructs a Mux over stream. The mux does not start reading until
// Run is called.
func New(stream transport.Stream) *Mux {
	m := &Mux{
		stream:        stream,
		log:           applog.WithComponent("rpc"),
		handlers:      make(map[string]Handler),
		notifications: make(map[string]NotificationHandler),
		waiters:       make(map[int64]*waiter),
		outbound:      make(chan outboundFrame, 64),
		sessions:      make(map[string][]sessionCancel),
	}
	return m
}

// Handle registers a handler for an inbound request method.
func (m *Mux) Handle(method string, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[method] = h
}

// HandleNotification registers a handler for an inbound notification
// method.
func (m *Mux) HandleNotification(method string, h NotificationHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.notifications[method] = h
}

// SetUnknownMethodHandler wires the extension registry fallback for
// requests whose method has no direct handler.
func (m *Mux) SetUnknownMethodHandler(h UnknownMethodHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.unknownMethod = h
}

// SetUnknownNotificationHandler wires the extension registry fallback for
// notifications whose method has no direct handler.
func (m *Mux) SetUnknownNotificationHandler(h UnknownNotificationHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.unknownNotification = h
}

// Run starts the single writer goroutine and the read loop. It blocks
// until ctx is cancelled or the transport fails.
func (m *Mux) Run(ctx context.Context) error {
	m.wg.Add(1)
	go m.writeLoop(ctx)

	err := m.readLoop(ctx)

	close(m.outbound)
	m.wg.Wait()
	return err
}

func (m *Mux) writeLoop(ctx context.Context) {
	defer m.wg.Done()
	for frame := range m.outbound {
		err := m.stream.WriteMessage(ctx, frame.payload)
		if frame.done != nil {
			frame.done <- err
		}
	}
}

func (m *Mux) enqueueWrite(ctx context.Context, payload []byte) error {
	done := make(chan error, 1)
	select {
	case m.outbound <- outboundFrame{payload: payload, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mux) readLoop(ctx context.Context) error {
	for {
		raw, err := m.stream.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			continue
		}
		m.handleFrame(ctx, raw)
	}
}

func (m *Mux) handleFrame(ctx context.Context, raw []byte) {
	var peek envelopePeek
	if err := json.Unmarshal(raw, &peek); err != nil {
		m.log.Warn("dropping malformed frame", "error", err)
		return
	}

	switch {
	case peek.isResponse():
		m.handleResponse(raw)
	case peek.isNotification():
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.dispatchNotification(ctx, raw, peek.Method)
		}()
	case peek.isRequest():
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.dispatchRequest(ctx, raw, peek.Method, peek.ID)
		}()
	default:
		m.log.Warn("dropping frame with no method and no response shape")
	}
}

func (m *Mux) dispatchRequest(ctx context.Context, raw []byte, method string, id any) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		m.writeError(ctx, id, failure.KindValidation.RPCCode(), "invalid request envelope", nil)
		return
	}

	m.handlersMu.RLock()
	h, ok := m.handlers[method]
	unknown := m.unknownMethod
	m.handlersMu.RUnlock()

	if ok {
		result, err := h(ctx, req.Params)
		m.respond(ctx, id, result, err)
		return
	}

	if unknown != nil {
		result, handled, err := unknown(ctx, method, req.Params)
		if handled {
			m.respond(ctx, id, result, err)
			return
		}
	}

	m.writeError(ctx, id, failure.KindMethodNotFound.RPCCode(), fmt.Sprintf("method not found: %s", method), nil)
}

func (m *Mux) dispatchNotification(ctx context.Context, raw []byte, method string) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		m.log.Warn("dropping malformed notification", "method", method, "error", err)
		return
	}

	m.handlersMu.RLock()
	h, ok := m.notifications[method]
	unknown := m.unknownNotification
	m.handlersMu.RUnlock()

	if ok {
		h(ctx, req.Params)
		return
	}
	if unknown != nil && unknown(ctx, method, req.Params) {
		return
	}
	m.log.Debug("no handler for notification", "method", method)
}

func (m *Mux) respond(ctx context.Context, id any, result any, err error) {
	if err != nil {
		kind := failure.KindOf(err)
		m.writeError(ctx, id, kind.RPCCode(), err.Error(), nil)
		return
	}

	payload, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		m.writeError(ctx, id, failure.KindInternal.RPCCode(), "failed to marshal result", nil)
		return
	}

	resp := Response{JSONRPC: "2.0", ID: id, Result: payload}
	m.writeResponse(ctx, resp)
}

func (m *Mux) writeError(ctx context.Context, id any, code int, message string, data any) {
	resp := Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message, Data: data}}
	m.writeResponse(ctx, resp)
}

func (m *Mux) writeResponse(ctx context.Context, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		m.log.Error("failed to marshal response envelope", "error", err)
		return
	}
	if err := m.enqueueWrite(ctx, payload); err != nil {
		m.log.Warn("failed to write response", "error", err)
	}
}

// Notify sends an outbound notification (no id, no reply expected).
func (m *Mux) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return failure.Wrapf(err, "marshaling notification params for %s", method)
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: raw}
	payload, err := json.Marshal(req)
	if err != nil {
		return failure.Wrapf(err, "marshaling notification envelope for %s", method)
	}
	return m.enqueueWrite(ctx, payload)
}

// Call sends an outbound request and blocks for the matching response,
// honoring ctx cancellation (including session-scoped cancellation
// propagated through a context created by RegisterSession).
func (m *Mux) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&m.nextID, 1)

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, failure.Wrapf(err, "marshaling request params for %s", method)
	}
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, failure.Wrapf(err, "marshaling request envelope for %s", method)
	}

	w := &waiter{ch: make(chan *Response, 1), sessionID: sessionFromContext(ctx)}
	m.waitersMu.Lock()
	m.waiters[id] = w
	m.waitersMu.Unlock()

	defer func() {
		m.waitersMu.Lock()
		delete(m.waiters, id)
		m.waitersMu.Unlock()
	}()

	if err := m.enqueueWrite(ctx, payload); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-w.ch:
		if resp.Error != nil {
			return nil, failure.Newf(failure.KindProtocol, "remote error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (m *Mux) handleResponse(raw []byte) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		m.log.Warn("dropping malformed response", "error", err)
		return
	}
	id, ok := normalizeID(resp.ID)
	if !ok {
		m.log.Warn("dropping response with unrecognized id shape")
		return
	}

	m.waitersMu.Lock()
	w, ok := m.waiters[id]
	m.waitersMu.Unlock()
	if !ok {
		m.log.Debug("dropping response with no matching waiter (likely abandoned by cancellation)", "id", id)
		return
	}

	select {
	case w.ch <- &resp:
	default:
	}
}

func normalizeID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
