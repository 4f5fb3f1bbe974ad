// Package toolcall implements the tool-call manager (C5): id generation,
// the pending -> in_progress -> completed|failed lifecycle, and a short
// post-terminal inspection window so a client that asks about a tool call
// moments after it finished still gets an answer instead of "not found".
// Grounded on the upstream assistant's agent package, which tracks
// in-flight tool executions in a map guarded by a mutex; generalized here
// into an explicit state machine with monotonic transitions (§8 property:
// status never regresses).
package toolcall

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m4xw311/acpadapter/internal/failure"
)

// Status is a tool call's lifecycle state. Transitions are monotonic:
// Pending -> InProgress -> (Completed | Failed). No transition ever moves
// backward.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Content is one piece of reported tool output. Kind mirrors ACP's
// content union ("text", "diff", "image", ...); Value holds the
// kind-specific payload already shaped for the wire.
type Content struct {
	Kind  string `json:"type"`
	Value any    `json:"value"`
}

// Location names a file the tool call touched, used for the client's
// "jump to" affordance.
type Location struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// Call is one tool call's tracked state.
type Call struct {
	ID        string
	SessionID string
	Title     string
	Kind      string
	Status    Status
	Content   []Content
	Locations []Location
	Error     string

	createdAt   time.Time
	completedAt time.Time
}

// Manager tracks every active and recently-terminal tool call.
type Manager struct {
	mu      sync.Mutex
	calls   map[string]*Call
	counter int64

	// retention is how long a terminal call stays inspectable after
	// finishing before it is evicted.
	retention time.Duration
	now       func() time.Time

	listener func(Call)
}

// OnUpdate registers the callback invoked with a snapshot of the call after
// every lifecycle transition (report/update/complete/fail), letting the
// adapter orchestrator translate tool-call state into session/update
// notifications without this package knowing about the RPC layer.
func (m *Manager) OnUpdate(fn func(Call)) {
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
}

func (m *Manager) notify(c *Call) {
	m.mu.Lock()
	fn := m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(*c)
	}
}

// New constructs a Manager. now is injectable for deterministic tests;
// nil means time.Now.
func New(retention time.Duration, now func() time.Time) *Manager {
	if retention <= 0 {
		retention = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{calls: make(map[string]*Call), retention: retention, now: now}
}

// NewID generates a tool call id shaped tool_{name}_{epochMs}_{counter},
// matching the fixed format SPEC_FULL.md §3 requires (only these ids keep
// this non-UUID shape; every other adapter-generated id is a UUID).
func (m *Manager) NewID(toolName string) string {
	n := atomic.AddInt64(&m.counter, 1)
	return fmt.Sprintf("tool_%s_%d_%d", toolName, m.now().UnixMilli(), n)
}

// Report registers a new pending call.
func (m *Manager) Report(id, sessionID, title, kind string) *Call {
	c := &Call{ID: id, SessionID: sessionID, Title: title, Kind: kind, Status: StatusPending, createdAt: m.now()}
	m.mu.Lock()
	m.calls[id] = c
	m.mu.Unlock()
	m.notify(c)
	return c
}

// transition validates and applies a status change, refusing to move
// status backward.
func (m *Manager) transition(id string, next Status, apply func(*Call)) error {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return failure.Newf(failure.KindValidation, "unknown tool call %q", id)
	}
	if next.rank() < c.Status.rank() {
		m.mu.Unlock()
		return failure.Newf(failure.KindProtocol, "tool call %q cannot move from %s to %s", id, c.Status, next)
	}
	c.Status = next
	if apply != nil {
		apply(c)
	}
	if next.terminal() {
		c.completedAt = m.now()
	}
	m.mu.Unlock()

	m.notify(c)
	return nil
}

// Update moves a call to in_progress and appends incremental output.
func (m *Manager) Update(id string, content ...Content) error {
	return m.transition(id, StatusInProgress, func(c *Call) {
		c.Content = append(c.Content, content...)
	})
}

// Complete marks a call completed with its final content and locations.
func (m *Manager) Complete(id string, content []Content, locations []Location) error {
	return m.transition(id, StatusCompleted, func(c *Call) {
		if content != nil {
			c.Content = content
		}
		c.Locations = locations
	})
}

// Fail marks a call failed with an error description.
func (m *Manager) Fail(id string, errMsg string) error {
	return m.transition(id, StatusFailed, func(c *Call) {
		c.Error = errMsg
	})
}

// FailWithTitle marks a call failed with an error description, also
// overwriting its title, used when the failure reason itself is what the
// client should display in place of the call's original title.
func (m *Manager) FailWithTitle(id, title, errMsg string) error {
	return m.transition(id, StatusFailed, func(c *Call) {
		c.Title = title
		c.Error = errMsg
	})
}

// Get returns a snapshot of the call's current state.
func (m *Manager) Get(id string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

// CancelSession fails every non-terminal call belonging to sessionID,
// used when session/cancel fans out across components.
func (m *Manager) CancelSession(sessionID string) {
	m.mu.Lock()
	var ids []string
	for id, c := range m.calls {
		if c.SessionID == sessionID && !c.Status.terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.FailWithTitle(id, "Cancelled by user", "cancelled")
	}
}

// Sweep evicts terminal calls older than the retention window. Intended
// to run on a ticker from the adapter orchestrator.
func (m *Manager) Sweep() {
	cutoff := m.now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.calls {
		if c.Status.terminal() && c.completedAt.Before(cutoff) {
			delete(m.calls, id)
		}
	}
}
