package transport

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/m4xw311/acpadapter/internal/failure"
)

// Stdio is the newline-delimited-JSON stream transport described in
// SPEC_FULL.md §4.1: one UTF-8 line terminated by \n is one message.
// Reads are made cancellable by running the blocking bufio read on its own
// goroutine and selecting on ctx.Done(), the pattern used for cancellable
// blocking I/O elsewhere in the corpus (a buffered result channel so the
// reader goroutine never blocks on its send after the caller gives up on
// it; the goroutine itself stays in the read until a line or EOF arrives).
type Stdio struct {
	r *bufio.Reader
	w *bufio.Writer

	writeMu sync.Mutex
}

// NewStdio wraps r/w. Because r is a *bufio.Reader constructed by the
// caller before this transport starts reading, any bytes that arrived on
// the underlying file descriptor before the adapter attached are preserved
// in its buffer rather than lost.
func NewStdio(r *bufio.Reader, w *bufio.Writer) *Stdio {
	return &Stdio{r: r, w: w}
}

type lineResult struct {
	line []byte
	err  error
}

func (s *Stdio) ReadMessage(ctx context.Context) ([]byte, error) {
	resultCh := make(chan lineResult, 1)
	go func() {
		line, err := s.r.ReadString('\n')
		if err != nil && err != io.EOF {
			resultCh <- lineResult{err: failure.WrapfKind(failure.KindFatal, err, "reading transport line")}
			return
		}
		if err == io.EOF && line == "" {
			resultCh <- lineResult{err: io.EOF}
			return
		}
		resultCh <- lineResult{line: trimNewline(line)}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

func trimNewline(line string) []byte {
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return []byte(line[:n])
}

func (s *Stdio) WriteMessage(ctx context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.w.Write(payload); err != nil {
		return failure.WrapfKind(failure.KindFatal, err, "writing transport frame")
	}
	if _, err := s.w.Write([]byte("\n")); err != nil {
		return failure.WrapfKind(failure.KindFatal, err, "writing transport frame terminator")
	}
	if err := s.w.Flush(); err != nil {
		return failure.WrapfKind(failure.KindFatal, err, "flushing transport frame")
	}
	return nil
}

func (s *Stdio) Close() error { return nil }
