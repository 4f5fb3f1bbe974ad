package terminal

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/acpadapter/internal/toolcall"
)

type fakeClient struct {
	mu sync.Mutex

	nextID    int
	created   []CreateRequest
	released  []HandleID
	killed    []HandleID
	output    map[HandleID]string
	exit      map[HandleID]ExitStatus
	createErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{output: make(map[HandleID]string), exit: make(map[HandleID]ExitStatus)}
}

func (f *fakeClient) Create(ctx context.Context, sessionID string, req CreateRequest) (HandleID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := HandleID("h" + string(rune('0'+f.nextID)))
	f.created = append(f.created, req)
	return id, nil
}

func (f *fakeClient) CurrentOutput(ctx context.Context, handle HandleID) (string, *ExitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.output[handle]
	if status, ok := f.exit[handle]; ok {
		return out, &status, nil
	}
	return out, nil, nil
}

func (f *fakeClient) WaitForExit(ctx context.Context, handle HandleID) (ExitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exit[handle], nil
}

func (f *fakeClient) Kill(ctx context.Context, handle HandleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, handle)
	return nil
}

func (f *fakeClient) Release(ctx context.Context, handle HandleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, handle)
	return nil
}

func TestCreateRejectsWithoutClientSupport(t *testing.T) {
	m := New(newFakeClient(), Config{}, false)
	_, err := m.Create(context.Background(), "s1", CreateRequest{Command: "ls"})
	if err == nil {
		t.Fatal("expected error when the client does not support terminals")
	}
}

func TestCreateRejectsEmptyCommand(t *testing.T) {
	m := New(newFakeClient(), Config{}, true)
	_, err := m.Create(context.Background(), "s1", CreateRequest{Command: "   "})
	if err == nil {
		t.Fatal("expected error for an empty command")
	}
	if want := "Invalid command: must be a non-empty string"; !strings.Contains(err.Error(), want) {
		t.Errorf("err = %q, want it to contain %q", err.Error(), want)
	}
}

func TestCreateRejectsForbiddenCommand(t *testing.T) {
	m := New(newFakeClient(), Config{ForbiddenCommands: []string{"rm"}}, true)
	_, err := m.Create(context.Background(), "s1", CreateRequest{Command: "rm -rf /"})
	if err == nil {
		t.Fatal("expected error for a forbidden command")
	}
	if want := "Command contains forbidden pattern"; !strings.Contains(err.Error(), want) {
		t.Errorf("err = %q, want it to contain %q", err.Error(), want)
	}
}

func TestCreateRejectsCommandNotAllowlisted(t *testing.T) {
	m := New(newFakeClient(), Config{AllowedCommands: []string{"ls", "cat"}}, true)
	_, err := m.Create(context.Background(), "s1", CreateRequest{Command: "curl evil.example"})
	if err == nil {
		t.Fatal("expected error for a command outside the allowlist")
	}
	if want := "Command not in allowed list"; !strings.Contains(err.Error(), want) {
		t.Errorf("err = %q, want it to contain %q", err.Error(), want)
	}
}

func TestCreateAllowsAllowlistedCommand(t *testing.T) {
	client := newFakeClient()
	m := New(client, Config{AllowedCommands: []string{"ls"}}, true)
	h, err := m.Create(context.Background(), "s1", CreateRequest{Command: "ls -la"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h == nil {
		t.Fatal("handle is nil")
	}
}

func TestCreateEnforcesMaxConcurrent(t *testing.T) {
	client := newFakeClient()
	m := New(client, Config{MaxConcurrent: 1}, true)

	_, err := m.Create(context.Background(), "s1", CreateRequest{Command: "sleep 1"})
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err = m.Create(context.Background(), "s1", CreateRequest{Command: "sleep 2"})
	if err == nil {
		t.Fatal("expected an error once the concurrency cap is reached")
	}
	if want := "Maximum concurrent terminals reached"; !strings.Contains(err.Error(), want) {
		t.Errorf("err = %q, want it to contain %q", err.Error(), want)
	}
}

func TestResolveOutputByteLimitDefaultsAndCaps(t *testing.T) {
	m := New(newFakeClient(), Config{DefaultOutputByteLimit: 1000, MaxOutputByteLimit: 5000}, true)

	got, err := m.resolveOutputByteLimit(0)
	if err != nil || got != 1000 {
		t.Errorf("resolveOutputByteLimit(0) = (%d, %v), want (1000, nil)", got, err)
	}

	got, err = m.resolveOutputByteLimit(10000)
	if err != nil || got != 5000 {
		t.Errorf("resolveOutputByteLimit(10000) = (%d, %v), want capped to 5000", got, err)
	}

	_, err = m.resolveOutputByteLimit(-1)
	if err == nil {
		t.Error("expected error for a negative limit")
	}
}

func TestHandleReleaseIsIdempotentAndUntracksHandle(t *testing.T) {
	client := newFakeClient()
	m := New(client, Config{}, true)
	h, err := m.Create(context.Background(), "s1", CreateRequest{Command: "ls"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if len(client.released) != 1 {
		t.Errorf("released calls = %d, want 1 (idempotent)", len(client.released))
	}
	m.mu.Lock()
	_, stillActive := m.active[h.id]
	m.mu.Unlock()
	if stillActive {
		t.Error("released handle should no longer be tracked as active")
	}
}

func TestHandleMethodsRejectAfterRelease(t *testing.T) {
	client := newFakeClient()
	m := New(client, Config{}, true)
	h, err := m.Create(context.Background(), "s1", CreateRequest{Command: "ls"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}

	want := "Terminal already released"
	if _, _, err := h.CurrentOutput(context.Background()); err == nil || !strings.Contains(err.Error(), want) {
		t.Errorf("CurrentOutput after release = %v, want error containing %q", err, want)
	}
	if _, err := h.WaitForExit(context.Background()); err == nil || !strings.Contains(err.Error(), want) {
		t.Errorf("WaitForExit after release = %v, want error containing %q", err, want)
	}
	if err := h.Kill(context.Background()); err == nil || !strings.Contains(err.Error(), want) {
		t.Errorf("Kill after release = %v, want error containing %q", err, want)
	}
}

func TestReleaseSessionForceReleasesOnlyMatchingSession(t *testing.T) {
	client := newFakeClient()
	m := New(client, Config{}, true)
	h1, _ := m.Create(context.Background(), "sess-a", CreateRequest{Command: "ls"})
	_, _ = m.Create(context.Background(), "sess-b", CreateRequest{Command: "ls"})

	m.ReleaseSession(context.Background(), "sess-a")

	if len(client.released) != 1 || client.released[0] != h1.id {
		t.Errorf("released = %v, want just %v", client.released, h1.id)
	}
	m.mu.Lock()
	_, stillActive := m.active[h1.id]
	m.mu.Unlock()
	if stillActive {
		t.Error("released handle should no longer be tracked as active")
	}
}

func TestExecuteSimpleReleasesAfterExit(t *testing.T) {
	client := newFakeClient()
	m := New(client, Config{}, true)

	zero := 0
	client.nextID = 0
	res, err := runAndSetExit(t, m, client, "echo hi", "out", ExitStatus{ExitCode: &zero})
	if err != nil {
		t.Fatalf("ExecuteSimple: %v", err)
	}
	if res.Output != "out" || res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("res = %+v", res)
	}
	if len(client.released) != 1 {
		t.Errorf("released = %d, want 1", len(client.released))
	}
}

// runAndSetExit creates a terminal indirectly via ExecuteSimple by
// pre-seeding the fake client's exit status for the next handle it will
// mint, since ExecuteSimple itself drives the full create/wait/output/
// release sequence.
func runAndSetExit(t *testing.T, m *Manager, client *fakeClient, command, output string, status ExitStatus) (ExecuteResult, error) {
	t.Helper()
	// Predict the id the fake client will mint next from its counter, so
	// ExecuteSimple's own Create call lands on the seeded output and exit
	// status deterministically.
	client.mu.Lock()
	next := client.nextID + 1
	id := HandleID("h" + string(rune('0'+next)))
	client.output[id] = output
	client.exit[id] = status
	client.mu.Unlock()

	return m.ExecuteSimple(context.Background(), "s1", CreateRequest{Command: command})
}

func TestExecuteWithTimeoutKillsOnDeadline(t *testing.T) {
	client := newFakeClient()

	// The fake client's WaitForExit returns immediately with a zero-value
	// ExitStatus (no timeout simulation needed at the client level); to
	// exercise the timeout branch we use a manager over a custom client
	// whose WaitForExit blocks forever instead.
	blocking := &blockingWaitClient{fakeClient: client}
	m2 := New(blocking, Config{}, true)

	res, err := m2.ExecuteWithTimeout(context.Background(), "s1", CreateRequest{Command: "sleep 5"}, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("ExecuteWithTimeout: %v", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if len(blocking.killed) != 1 {
		t.Errorf("killed = %d, want 1", len(blocking.killed))
	}
}

type blockingWaitClient struct {
	*fakeClient
}

func (b *blockingWaitClient) WaitForExit(ctx context.Context, handle HandleID) (ExitStatus, error) {
	select {}
}

func TestExecuteSequentialStopsOnError(t *testing.T) {
	client := &sequentialClient{fakeClient: newFakeClient()}
	m := New(client, Config{}, true)

	results, err := m.ExecuteSequential(context.Background(), "s1", []string{"cmd1", "cmd2", "cmd3"}, "", nil, true)
	if err != nil {
		t.Fatalf("ExecuteSequential: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d entries, want 1 (stopped after the failing command)", len(results))
	}
}

// sequentialClient fails the first command created and succeeds the rest,
// so ExecuteSequential's stopOnError branch is exercised deterministically.
type sequentialClient struct {
	*fakeClient
	calls int
}

func (s *sequentialClient) Create(ctx context.Context, sessionID string, req CreateRequest) (HandleID, error) {
	s.calls++
	id, err := s.fakeClient.Create(ctx, sessionID, req)
	if err != nil {
		return id, err
	}
	if s.calls == 1 {
		one := 1
		s.fakeClient.exit[id] = ExitStatus{ExitCode: &one}
	} else {
		zero := 0
		s.fakeClient.exit[id] = ExitStatus{ExitCode: &zero}
	}
	return id, nil
}

func TestExecuteWithProgressReportsToolCall(t *testing.T) {
	client := newFakeClient()
	m := New(client, Config{}, true)
	calls := toolcall.New(time.Minute, nil)

	zero := 0
	client.mu.Lock()
	nextID := client.nextID + 1
	id := HandleID("h" + string(rune('0'+nextID)))
	client.exit[id] = ExitStatus{ExitCode: &zero}
	client.output[id] = "done"
	client.mu.Unlock()

	res, err := m.ExecuteWithProgress(context.Background(), "s1", CreateRequest{Command: "make test"}, calls)
	if err != nil {
		t.Fatalf("ExecuteWithProgress: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("res = %+v", res)
	}
}
