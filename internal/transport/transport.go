// Package transport implements the wire framing described in
// SPEC_FULL.md §4.1/§6: newline-delimited JSON over a stream (stdio or a
// WebSocket connection), and a single-shot request/response framing for
// HTTP. All three expose the same Stream contract so the RPC multiplexer
// (internal/rpc) never has to know which one it is talking to.
package transport

import "context"

// Stream is the minimal bidirectional message channel the multiplexer
// needs: read one frame, write one frame, atomically. Implementations must
// be safe for one concurrent reader and one concurrent writer (not
// necessarily safe for concurrent writers among themselves — callers
// serialize writes through a single writer goroutine, per SPEC_FULL.md
// §4.2's "single writer" ordering guarantee).
type Stream interface {
	// ReadMessage blocks until one full frame is available, ctx is
	// cancelled, or the stream is closed. The returned bytes are exactly
	// one JSON value with no framing bytes attached.
	ReadMessage(ctx context.Context) ([]byte, error)
	// WriteMessage writes one full frame. Callers must serialize calls to
	// WriteMessage themselves or via WriteMessage's own internal lock;
	// concrete implementations document which.
	WriteMessage(ctx context.Context, payload []byte) error
	// Close releases any underlying resources. Whether ReadMessage/
	// WriteMessage fail after Close depends on the implementation: the
	// WebSocket stream closes its connection, while Stdio's and
	// HTTPOneShot's Close are no-ops.
	Close() error
}
