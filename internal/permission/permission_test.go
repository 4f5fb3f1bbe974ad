package permission

import (
	"context"
	"testing"
	"time"
)

func stdOptions() []Option {
	return []Option{
		{ID: "allow", Kind: KindAllowOnce},
		{ID: "reject", Kind: KindRejectOnce},
	}
}

func TestIsSafe(t *testing.T) {
	cases := map[ToolKind]bool{
		"read":   true,
		"search": true,
		"think":  true,
		"fetch":  true,
		"edit":   false,
		"delete": false,
		"execute": false,
	}
	for kind, want := range cases {
		if got := IsSafe(kind); got != want {
			t.Errorf("IsSafe(%q) = %v, want %v", kind, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid", Request{SessionID: "s1", ToolCall: "t1", Options: stdOptions()}, false},
		{"missing session", Request{ToolCall: "t1", Options: stdOptions()}, true},
		{"missing tool call", Request{SessionID: "s1", Options: stdOptions()}, true},
		{"no options", Request{SessionID: "s1", ToolCall: "t1"}, true},
		{"unknown option kind", Request{SessionID: "s1", ToolCall: "t1", Options: []Option{{ID: "x", Kind: "bogus"}}}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Validate(c.req)
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestAutoPolicyAllowsSafeKind(t *testing.T) {
	b := New(PolicyAuto, time.Minute)
	res, err := b.Request(context.Background(), "req-1", Request{
		SessionID: "s1", ToolCall: "t1", Kind: "read", Options: stdOptions(),
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if res.Outcome != OutcomeAllowed {
		t.Errorf("Outcome = %v, want allowed", res.Outcome)
	}
}

func TestAutoPolicyRejectsMutatingKind(t *testing.T) {
	b := New(PolicyAuto, time.Minute)
	res, err := b.Request(context.Background(), "req-2", Request{
		SessionID: "s1", ToolCall: "t1", Kind: "edit", Options: stdOptions(),
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Errorf("Outcome = %v, want rejected", res.Outcome)
	}
}

func TestInteractivePolicyResolvesViaResolve(t *testing.T) {
	b := New(PolicyInteractive, time.Minute)

	resultCh := make(chan Result, 1)
	go func() {
		res, err := b.Request(context.Background(), "req-3", Request{
			SessionID: "s1", ToolCall: "t1", Kind: "edit", Options: stdOptions(),
		})
		if err != nil {
			t.Errorf("Request: %v", err)
		}
		resultCh <- res
	}()

	waitUntil(t, func() bool { return resolved(b, "req-3") })
	if !b.Resolve("req-3", "allow") {
		t.Fatal("Resolve returned false")
	}

	select {
	case res := <-resultCh:
		if res.Outcome != OutcomeAllowed {
			t.Errorf("Outcome = %v, want allowed", res.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Request to resolve")
	}
}

func TestInteractivePolicyTimesOutToRejected(t *testing.T) {
	b := New(PolicyInteractive, 20*time.Millisecond)
	res, err := b.Request(context.Background(), "req-4", Request{
		SessionID: "s1", ToolCall: "t1", Kind: "edit", Options: stdOptions(),
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Errorf("Outcome = %v, want rejected on timeout", res.Outcome)
	}
}

func TestInteractivePolicyCancelledByContext(t *testing.T) {
	b := New(PolicyInteractive, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := b.Request(ctx, "req-5", Request{
			SessionID: "s1", ToolCall: "t1", Kind: "edit", Options: stdOptions(),
		})
		resultCh <- res
		errCh <- err
	}()

	waitUntil(t, func() bool { return resolved(b, "req-5") })
	cancel()

	select {
	case res := <-resultCh:
		if res.Outcome != OutcomeCancelled {
			t.Errorf("Outcome = %v, want cancelled", res.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestResolveUnknownRequestReturnsFalse(t *testing.T) {
	b := New(PolicyInteractive, time.Minute)
	if b.Resolve("nonexistent", "allow") {
		t.Error("Resolve(nonexistent) = true, want false")
	}
}

func TestCancelSessionResolvesMatchingPending(t *testing.T) {
	b := New(PolicyInteractive, time.Minute)

	resultCh := make(chan Result, 1)
	go func() {
		res, _ := b.Request(context.Background(), "req-6", Request{
			SessionID: "sess-target", ToolCall: "t1", Kind: "edit", Options: stdOptions(),
		})
		resultCh <- res
	}()

	waitUntil(t, func() bool { return resolved(b, "req-6") })
	b.CancelSession("sess-target")

	select {
	case res := <-resultCh:
		if res.Outcome != OutcomeCancelled {
			t.Errorf("Outcome = %v, want cancelled", res.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func resolved(b *Broker, requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[requestID]
	return ok
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
