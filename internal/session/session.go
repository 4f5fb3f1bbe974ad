// Package session implements the session manager (C9): session
// creation/loading/listing, the fixed ask/plan/agent mode catalog, and
// cancellation fan-out into the tool-call, permission, and terminal
// components. Grounded on the upstream assistant's session package for
// the load/save-to-disk shape, generalized from a single JSON Messages
// file per named session into an in-memory registry of live sessions
// backed by YAML snapshots keyed by generated id, and from its flat
// struct into conversation state plus mode/lifecycle metadata.
package session

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/m4xw311/acpadapter/internal/bridge"
	"github.com/m4xw311/acpadapter/internal/failure"
	"github.com/m4xw311/acpadapter/internal/permission"
	"github.com/m4xw311/acpadapter/internal/toolcall"
)

// Mode is one entry in the fixed mode catalog.
type Mode struct {
	ID    string   `yaml:"id"`
	Tools []string `yaml:"tools"`
}

// Catalog is the adapter's fixed session mode list. Tool visibility
// increases monotonically: plan ⊇ ask, agent ⊇ plan.
var Catalog = []Mode{
	{ID: "ask", Tools: nil},
	{ID: "plan", Tools: []string{"filesystem"}},
	{ID: "agent", Tools: []string{"filesystem", "terminal"}},
}

func validMode(id string) bool {
	for _, m := range Catalog {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Snapshot is the on-disk, YAML-serialized form of a session, used when
// loadSession falls back to the state directory because the session is
// not (or no longer) resident in memory.
type Snapshot struct {
	ID        string           `yaml:"id"`
	Cwd       string           `yaml:"cwd"`
	Name      string           `yaml:"name"`
	Mode      string           `yaml:"mode"`
	CreatedAt time.Time        `yaml:"createdAt"`
	UpdatedAt time.Time        `yaml:"updatedAt"`
	Messages  []bridge.Message `yaml:"messages"`
}

// Session is a live, in-memory session.
type Session struct {
	mu sync.Mutex

	ID        string
	Cwd       string
	Name      string
	Mode      string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []bridge.Message
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID: s.ID, Cwd: s.Cwd, Name: s.Name, Mode: s.Mode,
		CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
		Messages: append([]bridge.Message(nil), s.Messages...),
	}
}

// Manager owns every live session plus the components cancellation must
// fan out into.
type Manager struct {
	stateDir string

	mu       sync.RWMutex
	sessions map[string]*Session

	toolCalls *toolcall.Manager
	perms     *permission.Broker

	// releaseTerminals is supplied by the adapter orchestrator to avoid an
	// import cycle with the terminal package, which has no notion of
	// sessions of its own.
	releaseTerminals func(sessionID string)

	defaultMode string
}

// New constructs a Manager. releaseTerminals may be nil if the terminal
// subsystem is not wired. defaultMode is used for session/new calls that
// omit a mode; an empty value falls back to "ask".
func New(stateDir string, toolCalls *toolcall.Manager, perms *permission.Broker, releaseTerminals func(sessionID string)) *Manager {
	return &Manager{
		stateDir:         stateDir,
		sessions:         make(map[string]*Session),
		toolCalls:        toolCalls,
		perms:            perms,
		releaseTerminals: releaseTerminals,
		defaultMode:      "ask",
	}
}

// SetDefaultMode overrides the mode used when session/new omits one.
func (m *Manager) SetDefaultMode(mode string) {
	if validMode(mode) {
		m.defaultMode = mode
	}
}

func isAbsolutePath(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	// Windows drive-letter absolute paths: X:\... or X:/...
	if len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/') {
		return true
	}
	return false
}

// CreateSession creates and registers a new session. cwd must be
// absolute.
func (m *Manager) CreateSession(cwd, name, mode string) (*Session, error) {
	if !isAbsolutePath(cwd) {
		return nil, failure.Newf(failure.KindValidation, "cwd must be an absolute path, got %q", cwd)
	}
	if mode == "" {
		mode = m.defaultMode
	}
	if !validMode(mode) {
		return nil, failure.Newf(failure.KindValidation, "unknown mode %q", mode)
	}

	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Cwd:       cwd,
		Name:      name,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	return s, nil
}

func (m *Manager) snapshotPath(id string) string {
	return filepath.Join(m.stateDir, id+".yaml")
}

// LoadSession returns a resident session, or deserializes it from the
// state directory if it is not currently in memory.
func (m *Manager) LoadSession(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	data, err := os.ReadFile(m.snapshotPath(id))
	if err != nil {
		return nil, failure.WrapfKind(failure.KindValidation, err, "loading session %s", id)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, failure.WrapfKind(failure.KindValidation, err, "parsing session snapshot %s", id)
	}

	s = &Session{
		ID: snap.ID, Cwd: snap.Cwd, Name: snap.Name, Mode: snap.Mode,
		CreatedAt: snap.CreatedAt, UpdatedAt: snap.UpdatedAt,
		Messages: snap.Messages,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	return s, nil
}

// GetSession returns a resident session without falling back to disk.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ListSessions returns every resident session.
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Persist writes the session's snapshot to the state directory.
func (m *Manager) Persist(s *Session) error {
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return failure.Wrapf(err, "creating session state directory %s", m.stateDir)
	}
	data, err := yaml.Marshal(s.snapshot())
	if err != nil {
		return failure.Wrapf(err, "serializing session %s", s.ID)
	}
	if err := os.WriteFile(m.snapshotPath(s.ID), data, 0o644); err != nil {
		return failure.Wrapf(err, "writing session snapshot %s", s.ID)
	}
	return nil
}

// SetMode validates modeId against the catalog and returns the previous
// mode.
func (m *Manager) SetMode(id, modeID string) (string, error) {
	if !validMode(modeID) {
		return "", failure.Newf(failure.KindValidation, "unknown mode %q", modeID)
	}
	s, err := m.LoadSession(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	previous := s.Mode
	s.Mode = modeID
	s.UpdatedAt = time.Now()
	s.mu.Unlock()

	return previous, nil
}

// CancelSession fans cancellation out to the tool-call manager, the
// permission broker, and (if wired) the terminal subsystem. Best-effort:
// already-terminal tool calls and already-resolved permission requests
// are untouched no-ops in their own components.
func (m *Manager) CancelSession(id string) {
	if m.toolCalls != nil {
		m.toolCalls.CancelSession(id)
	}
	if m.perms != nil {
		m.perms.CancelSession(id)
	}
	if m.releaseTerminals != nil {
		m.releaseTerminals(id)
	}
}

// AppendMessage records one turn of conversation history.
func (s *Session) AppendMessage(msg bridge.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

// History returns a copy of the session's conversation so far.
func (s *Session) History() []bridge.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bridge.Message(nil), s.Messages...)
}

// ModeTools returns the tool-provider names visible in the session's
// current mode.
func (s *Session) ModeTools() []string {
	s.mu.Lock()
	mode := s.Mode
	s.mu.Unlock()
	for _, m := range Catalog {
		if m.ID == mode {
			return m.Tools
		}
	}
	return nil
}
