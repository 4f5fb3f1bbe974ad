// Package terminal implements the terminal subsystem (C7): every command
// actually runs on the client side (an editor's integrated terminal, a
// sandboxed shell, whatever the client hosts); the adapter only validates,
// tracks, and forwards. Grounded on the upstream assistant's own
// agent/terminal package for the command-allowlist idiom, generalized from
// a local REPL invocation into client-hosted handle management, and on
// its tools package for the allow/forbid matching helpers.
package terminal

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/m4xw311/acpadapter/internal/applog"
	"github.com/m4xw311/acpadapter/internal/failure"
	"github.com/m4xw311/acpadapter/internal/toolcall"
)

// Client is the terminal capability the client hosts.
type Client interface {
	Create(ctx context.Context, sessionID string, req CreateRequest) (HandleID, error)
	CurrentOutput(ctx context.Context, handle HandleID) (string, *ExitStatus, error)
	WaitForExit(ctx context.Context, handle HandleID) (ExitStatus, error)
	Kill(ctx context.Context, handle HandleID) error
	Release(ctx context.Context, handle HandleID) error
}

// HandleID identifies a client-hosted terminal.
type HandleID string

// CreateRequest is forwarded to the client's terminal/create.
type CreateRequest struct {
	Command         string
	Args            []string
	Cwd             string
	Env             map[string]string
	OutputByteLimit int
}

// ExitStatus is the terminal's outcome.
type ExitStatus struct {
	ExitCode *int
	Signal   string
}

// Config configures validation and capacity for the subsystem.
type Config struct {
	MaxConcurrent          int
	DefaultOutputByteLimit int
	MaxOutputByteLimit     int
	AllowedCommands        []string
	ForbiddenCommands      []string
}

// Manager enforces SPEC_FULL.md §4.7's create preconditions and tracks
// every outstanding client-hosted terminal.
type Manager struct {
	client            Client
	cfg               Config
	clientSupportsTTY bool

	mu     sync.Mutex
	active map[HandleID]string // handle -> owning session id
}

// New constructs a Manager. clientSupportsTTY reflects the terminal
// capability advertised by the client during initialize.
func New(client Client, cfg Config, clientSupportsTTY bool) *Manager {
	return &Manager{client: client, cfg: cfg, clientSupportsTTY: clientSupportsTTY, active: make(map[HandleID]string)}
}

// SetClientCapability records whether the connected client advertised
// terminal support, learned from the initialize handshake rather than
// config, since it's the client — not the adapter — that decides this.
func (m *Manager) SetClientCapability(supported bool) {
	m.mu.Lock()
	m.clientSupportsTTY = supported
	m.mu.Unlock()
}

func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func matchesCommandList(command string, patterns []string) bool {
	token := firstToken(command)
	for _, p := range patterns {
		if strings.Contains(command, p) {
			return true
		}
		if ok, err := doublestar.Match(p, token); err == nil && ok {
			return true
		}
	}
	return false
}

func (m *Manager) validateCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return failure.Newf(failure.KindValidation, "Invalid command: must be a non-empty string")
	}
	if matchesCommandList(command, m.cfg.ForbiddenCommands) {
		return failure.Newf(failure.KindPermission, "Command contains forbidden pattern")
	}
	if len(m.cfg.AllowedCommands) > 0 && !matchesCommandList(command, m.cfg.AllowedCommands) {
		return failure.Newf(failure.KindPermission, "Command not in allowed list")
	}
	return nil
}

func (m *Manager) resolveOutputByteLimit(requested int) (int, error) {
	if requested < 0 {
		return 0, failure.Newf(failure.KindValidation, "outputByteLimit must be >= 0, got %d", requested)
	}
	if requested == 0 {
		return m.cfg.DefaultOutputByteLimit, nil
	}
	if m.cfg.MaxOutputByteLimit > 0 && requested > m.cfg.MaxOutputByteLimit {
		applog.WithComponent("terminal").Warn("outputByteLimit exceeds maximum, capping",
			"requested", requested, "max", m.cfg.MaxOutputByteLimit)
		return m.cfg.MaxOutputByteLimit, nil
	}
	return requested, nil
}

// Handle wraps a client-hosted terminal and guarantees release happens at
// most once.
type Handle struct {
	id       HandleID
	mgr      *Manager
	once     sync.Once
	mu       sync.Mutex
	released bool
}

func (h *Handle) checkReleased() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return failure.Newf(failure.KindValidation, "Terminal already released")
	}
	return nil
}

func (h *Handle) CurrentOutput(ctx context.Context) (string, *ExitStatus, error) {
	if err := h.checkReleased(); err != nil {
		return "", nil, err
	}
	return h.mgr.client.CurrentOutput(ctx, h.id)
}

func (h *Handle) WaitForExit(ctx context.Context) (ExitStatus, error) {
	if err := h.checkReleased(); err != nil {
		return ExitStatus{}, err
	}
	return h.mgr.client.WaitForExit(ctx, h.id)
}

func (h *Handle) Kill(ctx context.Context) error {
	if err := h.checkReleased(); err != nil {
		return err
	}
	return h.mgr.client.Kill(ctx, h.id)
}

func (h *Handle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		err = h.mgr.client.Release(ctx, h.id)
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		h.mgr.mu.Lock()
		delete(h.mgr.active, h.id)
		h.mgr.mu.Unlock()
	})
	return err
}

// Create enforces the capability, validation, output-policy, and
// concurrency-cap preconditions, then forwards to the client.
func (m *Manager) Create(ctx context.Context, sessionID string, req CreateRequest) (*Handle, error) {
	m.mu.Lock()
	supported := m.clientSupportsTTY
	m.mu.Unlock()
	if !supported {
		return nil, failure.Newf(failure.KindProtocol, "client does not support the terminal capability")
	}
	if err := m.validateCommand(req.Command); err != nil {
		return nil, err
	}
	limit, err := m.resolveOutputByteLimit(req.OutputByteLimit)
	if err != nil {
		return nil, err
	}
	req.OutputByteLimit = limit

	m.mu.Lock()
	if m.cfg.MaxConcurrent > 0 && len(m.active) >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return nil, failure.Newf(failure.KindTransient, "Maximum concurrent terminals reached")
	}
	m.mu.Unlock()

	id, err := m.client.Create(ctx, sessionID, req)
	if err != nil {
		return nil, failure.Wrapf(err, "creating client terminal for %q", req.Command)
	}

	m.mu.Lock()
	m.active[id] = sessionID
	m.mu.Unlock()

	return &Handle{id: id, mgr: m}, nil
}

// ReleaseSession force-releases every terminal still active for sessionID,
// used when session/cancel fans out across components. Best-effort: a
// handle the caller already released concurrently just yields a harmless
// second release call to the client.
func (m *Manager) ReleaseSession(ctx context.Context, sessionID string) {
	m.mu.Lock()
	var ids []HandleID
	for id, sid := range m.active {
		if sid == sessionID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.client.Release(ctx, id); err != nil {
			applog.WithSession(sessionID).Warn("failed to release terminal on session cancellation", "terminalId", id, "error", err)
		}
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
	}
}

// ExecuteResult is the shape returned by every Execute* utility.
type ExecuteResult struct {
	Output    string
	ExitCode  *int
	Signal    string
	Truncated bool
	TimedOut  bool
}

// ExecuteSimple creates a terminal, waits for exit, fetches output, and
// always releases.
func (m *Manager) ExecuteSimple(ctx context.Context, sessionID string, req CreateRequest) (ExecuteResult, error) {
	h, err := m.Create(ctx, sessionID, req)
	if err != nil {
		return ExecuteResult{}, err
	}
	defer h.Release(ctx)

	status, err := h.WaitForExit(ctx)
	if err != nil {
		return ExecuteResult{}, failure.Wrapf(err, "waiting for terminal exit")
	}
	output, _, err := h.CurrentOutput(ctx)
	if err != nil {
		return ExecuteResult{}, failure.Wrapf(err, "fetching terminal output")
	}
	return ExecuteResult{Output: output, ExitCode: status.ExitCode, Signal: status.Signal}, nil
}

// ExecuteWithTimeout races waitForExit against a timer; on timeout it
// kills the process, makes a best-effort grace-period re-check of exit
// status, and always releases.
func (m *Manager) ExecuteWithTimeout(ctx context.Context, sessionID string, req CreateRequest, timeout time.Duration) (ExecuteResult, error) {
	h, err := m.Create(ctx, sessionID, req)
	if err != nil {
		return ExecuteResult{}, err
	}
	defer h.Release(ctx)

	type waitOutcome struct {
		status ExitStatus
		err    error
	}
	done := make(chan waitOutcome, 1)
	go func() {
		status, err := h.WaitForExit(ctx)
		done <- waitOutcome{status: status, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-done:
		if outcome.err != nil {
			return ExecuteResult{}, failure.Wrapf(outcome.err, "waiting for terminal exit")
		}
		output, _, _ := h.CurrentOutput(ctx)
		return ExecuteResult{Output: output, ExitCode: outcome.status.ExitCode, Signal: outcome.status.Signal}, nil
	case <-timer.C:
		_ = h.Kill(ctx)
		grace := time.NewTimer(100 * time.Millisecond)
		defer grace.Stop()
		select {
		case outcome := <-done:
			output, _, _ := h.CurrentOutput(ctx)
			return ExecuteResult{Output: output, ExitCode: outcome.status.ExitCode, Signal: outcome.status.Signal, TimedOut: true}, nil
		case <-grace.C:
			output, _, _ := h.CurrentOutput(ctx)
			return ExecuteResult{Output: output, TimedOut: true}, nil
		}
	}
}

// ExecuteSequential runs commands one by one sharing cwd/env, stopping at
// the first non-zero exit when stopOnError is set.
func (m *Manager) ExecuteSequential(ctx context.Context, sessionID string, commands []string, cwd string, env map[string]string, stopOnError bool) ([]ExecuteResult, error) {
	results := make([]ExecuteResult, 0, len(commands))
	for _, cmd := range commands {
		res, err := m.ExecuteSimple(ctx, sessionID, CreateRequest{Command: cmd, Cwd: cwd, Env: env})
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if stopOnError && res.ExitCode != nil && *res.ExitCode != 0 {
			break
		}
	}
	return results, nil
}

// ExecuteWithProgress runs a command while reporting an "execute" tool
// call: the call's content embeds a pointer to the terminal id so the
// client can attach its own live output view instead of the adapter
// polling and re-streaming it, then finalises the call on exit: exit code
// 0 completes it with the output as text content and keeps its title; any
// other exit fails it with the exit code folded into the title and the
// output as its error.
func (m *Manager) ExecuteWithProgress(ctx context.Context, sessionID string, req CreateRequest, calls *toolcall.Manager) (ExecuteResult, error) {
	h, err := m.Create(ctx, sessionID, req)
	if err != nil {
		return ExecuteResult{}, err
	}
	defer h.Release(ctx)

	id := calls.NewID("run_command")
	calls.Report(id, sessionID, "Running command: "+req.Command, "execute")
	_ = calls.Update(id, toolcall.Content{Kind: "terminal", Value: map[string]any{"terminalId": string(h.id)}})

	status, err := h.WaitForExit(ctx)
	if err != nil {
		_ = calls.Fail(id, err.Error())
		return ExecuteResult{}, failure.Wrapf(err, "waiting for terminal exit")
	}
	output, _, _ := h.CurrentOutput(ctx)

	exitCode := -1
	if status.ExitCode != nil {
		exitCode = *status.ExitCode
	}
	title := "Command exited with code " + strconv.Itoa(exitCode)
	if exitCode == 0 {
		_ = calls.Complete(id, []toolcall.Content{{Kind: "text", Value: output}}, nil)
	} else {
		_ = calls.FailWithTitle(id, title, output)
	}

	return ExecuteResult{Output: output, ExitCode: status.ExitCode, Signal: status.Signal}, nil
}

// StreamOutput polls currentOutput on an interval, delivering only the
// newly appended suffix to onChunk, until the terminal reports an exit
// status.
func (m *Manager) StreamOutput(ctx context.Context, h *Handle, onChunk func(chunk string), pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var seen int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			output, status, err := h.CurrentOutput(ctx)
			if err != nil {
				return err
			}
			if len(output) > seen {
				onChunk(output[seen:])
				seen = len(output)
			}
			if status != nil {
				return nil
			}
		}
	}
}
