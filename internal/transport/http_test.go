package transport

import (
	"context"
	"io"
	"testing"
)

func TestHTTPOneShotReadMessageOnce(t *testing.T) {
	h := NewHTTPOneShot([]byte(`{"a":1}`))

	msg, err := h.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("first ReadMessage: %v", err)
	}
	if string(msg) != `{"a":1}` {
		t.Errorf("msg = %q", msg)
	}

	_, err = h.ReadMessage(context.Background())
	if err != io.EOF {
		t.Errorf("second ReadMessage err = %v, want io.EOF", err)
	}
}

func TestHTTPOneShotWriteMessageOnceThenReject(t *testing.T) {
	h := NewHTTPOneShot(nil)

	if err := h.WriteMessage(context.Background(), []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("first WriteMessage: %v", err)
	}
	if err := h.WriteMessage(context.Background(), []byte(`{"ok":false}`)); err == nil {
		t.Error("second WriteMessage should fail")
	}

	body, had := h.Response()
	if !had {
		t.Error("hadResponse = false, want true")
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}
}

func TestHTTPOneShotResponseWithoutWrite(t *testing.T) {
	h := NewHTTPOneShot([]byte(`{}`))
	body, had := h.Response()
	if had {
		t.Error("hadResponse = true, want false when nothing was written")
	}
	if body != nil {
		t.Errorf("body = %v, want nil", body)
	}
}
