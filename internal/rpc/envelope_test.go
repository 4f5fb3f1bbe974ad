package rpc

import "testing"

func TestEnvelopePeekClassification(t *testing.T) {
	cases := []struct {
		name         string
		peek         envelopePeek
		notification bool
		request      bool
		response     bool
	}{
		{"notification", envelopePeek{Method: "session/update"}, true, false, false},
		{"request", envelopePeek{ID: float64(1), Method: "initialize"}, false, true, false},
		{"response", envelopePeek{ID: float64(1)}, false, false, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.peek.isNotification(); got != c.notification {
				t.Errorf("isNotification() = %v, want %v", got, c.notification)
			}
			if got := c.peek.isRequest(); got != c.request {
				t.Errorf("isRequest() = %v, want %v", got, c.request)
			}
			if got := c.peek.isResponse(); got != c.response {
				t.Errorf("isResponse() = %v, want %v", got, c.response)
			}
		})
	}
}

func TestNormalizeID(t *testing.T) {
	cases := []struct {
		in   any
		want int64
		ok   bool
	}{
		{float64(5), 5, true},
		{int64(9), 9, true},
		{int(3), 3, true},
		{"not-a-number", 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := normalizeID(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("normalizeID(%v) = (%d, %v), want (%d, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}
