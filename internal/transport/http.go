package transport

import (
	"context"
	"io"
	"sync"

	"github.com/m4xw311/acpadapter/internal/failure"
)

// HTTPOneShot is the single-shot request/response framing described in
// SPEC_FULL.md §4.1/§6: the request body is the sole inbound message; the
// first (and only) write closes the response. A second write fails
// loudly instead of silently discarding, and if no write ever happens the
// caller (an HTTP handler) is expected to answer with 204 No Content.
type HTTPOneShot struct {
	mu sync.Mutex

	inbound  []byte
	consumed bool

	outbound []byte
	written  bool
}

// NewHTTPOneShot constructs a one-shot stream seeded with the parsed
// request body.
func NewHTTPOneShot(body []byte) *HTTPOneShot {
	return &HTTPOneShot{inbound: body}
}

func (h *HTTPOneShot) ReadMessage(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.consumed {
		return nil, io.EOF
	}
	h.consumed = true
	return h.inbound, nil
}

func (h *HTTPOneShot) WriteMessage(ctx context.Context, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.written {
		return failure.Newf(failure.KindProtocol, "HTTP stream does not support multiple writes")
	}
	h.written = true
	h.outbound = append([]byte(nil), payload...)
	return nil
}

func (h *HTTPOneShot) Close() error { return nil }

// Response reports what a handler should send back: (body, hadResponse).
// hadResponse is false when the turn produced only notifications, in
// which case the caller answers with HTTP 204.
func (h *HTTPOneShot) Response() (body []byte, hadResponse bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outbound, h.written
}
