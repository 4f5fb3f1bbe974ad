// Package adapter implements the orchestrator (C10): it wires the
// transport-independent multiplexer (C2) to every other component
// (extension registry, permission broker, tool-call manager, tool
// dispatcher, terminal subsystem, session manager, agent bridge facade) and
// exposes the method table from SPEC_FULL.md §4.10. Grounded on the
// upstream assistant's acp package, which plays the same role but inlines
// every handler's body directly instead of delegating to standalone
// components; this version keeps the method-dispatch shape (one handler
// function per protocol method, each unmarshaling its own params) and
// replaces the inlined logic with calls into C3-C9/C11.
package adapter

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/m4xw311/acpadapter/internal/applog"
	"github.com/m4xw311/acpadapter/internal/bridge"
	"github.com/m4xw311/acpadapter/internal/extension"
	"github.com/m4xw311/acpadapter/internal/failure"
	"github.com/m4xw311/acpadapter/internal/permission"
	"github.com/m4xw311/acpadapter/internal/pool"
	"github.com/m4xw311/acpadapter/internal/rpc"
	"github.com/m4xw311/acpadapter/internal/session"
	"github.com/m4xw311/acpadapter/internal/terminal"
	"github.com/m4xw311/acpadapter/internal/tool"
	"github.com/m4xw311/acpadapter/internal/toolcall"
)

// ProtocolVersion is the ACP protocol version advertised during
// initialize.
const ProtocolVersion = 1

// BridgeSource supplies an AssistantBridge for the duration of one prompt
// turn. The pooled implementation bounds concurrently-live SDK connections
// (§4.8's "Concrete instantiation" note); the single implementation wraps
// one long-lived bridge (e.g. MockBridge) that needs no pooling.
type BridgeSource interface {
	Acquire(ctx context.Context) (bridge.AssistantBridge, func(), error)
}

// singleBridge hands out the same bridge every time and never releases it,
// appropriate for backends with no per-call connection cost.
type singleBridge struct {
	b bridge.AssistantBridge
}

func (s singleBridge) Acquire(ctx context.Context) (bridge.AssistantBridge, func(), error) {
	return s.b, func() {}, nil
}

// SingleBridge wraps a bridge that does not need connection pooling.
func SingleBridge(b bridge.AssistantBridge) BridgeSource { return singleBridge{b: b} }

// pooledBridge acquires a pool slot per turn, releasing it when the turn
// ends.
type pooledBridge struct {
	p *pool.Pool[bridge.AssistantBridge]
}

func (pb pooledBridge) Acquire(ctx context.Context) (bridge.AssistantBridge, func(), error) {
	value, release, err := pb.p.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return value, func() { release() }, nil
}

// PooledBridge wraps a connection pool of bridges (C8 over C11).
func PooledBridge(p *pool.Pool[bridge.AssistantBridge]) BridgeSource { return pooledBridge{p: p} }

// Deps are every component the orchestrator wires together. All fields are
// required except Extensions and Terminals, which may be nil if the
// adapter has no namespaced extensions or terminal support configured.
type Deps struct {
	Mux         *rpc.Mux
	Sessions    *session.Manager
	Permissions *permission.Broker
	ToolCalls   *toolcall.Manager
	Tools       *tool.Registry
	Dispatcher  *tool.Dispatcher
	Terminals   *terminal.Manager
	Extensions  *extension.Registry
	Bridges     BridgeSource
}

// Adapter is the orchestrator instance bound to one live connection.
type Adapter struct {
	deps Deps
}

// New constructs an Adapter and registers every handler on deps.Mux.
// Fs/terminal client proxies are wired over the same mux, since the mux is
// also how the adapter reaches back into the client.
func New(deps Deps) *Adapter {
	a := &Adapter{deps: deps}
	a.registerHandlers()
	a.deps.ToolCalls.OnUpdate(a.emitToolCallUpdate)
	return a
}

func (a *Adapter) registerHandlers() {
	m := a.deps.Mux
	m.Handle("initialize", a.handleInitialize)
	m.Handle("session/new", a.handleSessionNew)
	m.Handle("session/load", a.handleSessionLoad)
	m.Handle("session/set_mode", a.handleSetMode)
	m.Handle("tools/call", a.handleToolsCall)
	m.Handle("prompt", a.handlePrompt)
	m.HandleNotification("session/cancel", a.handleSessionCancel)
	m.HandleNotification("session/permission_decision", a.handlePermissionDecision)

	if a.deps.Extensions != nil {
		m.SetUnknownMethodHandler(a.deps.Extensions.Dispatch)
		m.SetUnknownNotificationHandler(a.deps.Extensions.DispatchNotification)
	}

	a.deps.Dispatcher.SetAuthorizer(a.authorize)
}

// emitToolCallUpdate translates a toolcall.Manager lifecycle transition
// into the session/update notification shape from SPEC_FULL.md §6: the
// first report of an id is "tool_call", every later transition is
// "tool_call_update".
func (a *Adapter) emitToolCallUpdate(c toolcall.Call) {
	subKind := "tool_call_update"
	if c.Status == toolcall.StatusPending {
		subKind = "tool_call"
	}
	update := map[string]any{
		"toolCallId": c.ID,
		"title":      c.Title,
		"kind":       c.Kind,
		"status":     c.Status,
	}
	if len(c.Content) > 0 {
		update["content"] = c.Content
	}
	if len(c.Locations) > 0 {
		update["locations"] = c.Locations
	}
	if c.Error != "" {
		update["error"] = c.Error
	}

	ctx := context.Background()
	if err := a.deps.Mux.Notify(ctx, "session/update", map[string]any{
		"sessionId": c.SessionID,
		"update": map[string]any{
			"sessionUpdate": subKind,
			"toolCall":      update,
		},
	}); err != nil {
		applog.WithSession(c.SessionID).Warn("failed to emit session/update for tool call", "toolCallId", c.ID, "error", err)
	}
}

func validateCwd(cwd any) error {
	s, ok := cwd.(string)
	if !ok {
		return failure.Newf(failure.KindValidation, "cwd must be a string")
	}
	if !(strings.HasPrefix(s, "/") || (len(s) >= 3 && s[1] == ':' && (s[2] == '\\' || s[2] == '/'))) {
		return failure.Newf(failure.KindValidation, "cwd must be an absolute path, got %q", s)
	}
	return nil
}

func (a *Adapter) handleInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		ProtocolVersion    int `json:"protocolVersion"`
		ClientCapabilities struct {
			Terminal bool `json:"terminal"`
			Fs       bool `json:"fs"`
		} `json:"clientCapabilities"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, failure.WrapfKind(failure.KindValidation, err, "parsing initialize params")
	}

	if a.deps.Terminals != nil {
		a.deps.Terminals.SetClientCapability(p.ClientCapabilities.Terminal)
	}

	modes := make([]map[string]any, 0, len(session.Catalog))
	for _, mode := range session.Catalog {
		modes = append(modes, map[string]any{"id": mode.ID, "tools": mode.Tools})
	}

	capabilities := map[string]any{
		"loadSession": true,
		"promptCapabilities": map[string]bool{
			"audio":           false,
			"embeddedContext": false,
			"image":           false,
		},
		"toolCapabilities": a.deps.Tools.Capabilities(),
	}
	var meta map[string][]string
	if a.deps.Extensions != nil {
		meta = a.deps.Extensions.Capabilities()
	}
	capabilities["_meta"] = meta

	return map[string]any{
		"protocolVersion":   ProtocolVersion,
		"agentCapabilities": capabilities,
		"availableModes":    modes,
		"authMethods":       []any{},
	}, nil
}

func (a *Adapter) handleSessionNew(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Cwd  json.RawMessage `json:"cwd"`
		Name string          `json:"name"`
		Mode string          `json:"mode"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, failure.WrapfKind(failure.KindValidation, err, "parsing session/new params")
	}
	var cwd any
	_ = json.Unmarshal(p.Cwd, &cwd)
	if err := validateCwd(cwd); err != nil {
		return nil, err
	}

	s, err := a.deps.Sessions.CreateSession(cwd.(string), p.Name, p.Mode)
	if err != nil {
		return nil, err
	}
	return sessionState(s), nil
}

func (a *Adapter) handleSessionLoad(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string          `json:"sessionId"`
		Cwd       json.RawMessage `json:"cwd"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, failure.WrapfKind(failure.KindValidation, err, "parsing session/load params")
	}
	if p.SessionID == "" {
		return nil, failure.Newf(failure.KindValidation, "session/load missing sessionId")
	}
	var cwd any
	_ = json.Unmarshal(p.Cwd, &cwd)
	if err := validateCwd(cwd); err != nil {
		return nil, err
	}

	s, err := a.deps.Sessions.LoadSession(p.SessionID)
	if err != nil {
		return nil, err
	}
	return sessionState(s), nil
}

func sessionState(s *session.Session) map[string]any {
	return map[string]any{
		"sessionId":      s.ID,
		"mode":           s.Mode,
		"availableModes": session.Catalog,
	}
}

func (a *Adapter) handleSetMode(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		ModeID    string `json:"modeId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, failure.WrapfKind(failure.KindValidation, err, "parsing session/set_mode params")
	}
	previous, err := a.deps.Sessions.SetMode(p.SessionID, p.ModeID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"previousModeId": previous}, nil
}

func (a *Adapter) handleSessionCancel(ctx context.Context, params json.RawMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		applog.Get().Warn("dropping malformed session/cancel notification", "error", err)
		return
	}
	a.deps.Sessions.CancelSession(p.SessionID)
	a.deps.Mux.CancelSession(p.SessionID)
}

// standardOptions is the fixed two-choice set offered for every mutating
// tool call; the client is never asked to invent option ids.
var standardOptions = []permission.Option{
	{ID: "allow", Kind: permission.KindAllowOnce},
	{ID: "reject", Kind: permission.KindRejectOnce},
}

// authorize is wired into the tool dispatcher as its permission check
// (SPEC_FULL.md §4.4): safe kinds pass under the broker's own auto policy
// without ever reaching the network; everything else is brokered through a
// reverse session/request_permission call to the client, whose answer feeds
// the broker via Resolve so the broker's timeout/cancellation semantics
// still govern the wait.
func (a *Adapter) authorize(ctx context.Context, sessionID, toolCallID, kind string) error {
	if permission.IsSafe(permission.ToolKind(kind)) {
		return nil
	}

	req := permission.Request{SessionID: sessionID, ToolCall: toolCallID, Kind: permission.ToolKind(kind), Options: standardOptions}
	requestID := uuid.NewString()

	go func() {
		raw, err := a.deps.Mux.Call(ctx, "session/request_permission", map[string]any{
			"requestId": requestID,
			"sessionId": sessionID,
			"toolCall":  toolCallID,
			"kind":      kind,
			"options":   standardOptions,
		})
		if err != nil {
			applog.WithSession(sessionID).Warn("session/request_permission call failed", "toolCallId", toolCallID, "error", err)
			return
		}
		var resp struct {
			OptionID string `json:"optionId"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			applog.WithSession(sessionID).Warn("malformed session/request_permission response", "toolCallId", toolCallID, "error", err)
			return
		}
		a.deps.Permissions.Resolve(requestID, resp.OptionID)
	}()

	res, err := a.deps.Permissions.Request(ctx, requestID, req)
	if err != nil {
		return err
	}
	if res.Outcome != permission.OutcomeAllowed {
		return failure.Newf(failure.KindPermission, "permission denied for tool call %s (%s)", toolCallID, res.Outcome)
	}
	return nil
}

// handlePermissionDecision lets a client resolve a pending permission
// request out of band from the reverse call's own response, e.g. if the
// client's UI needs to survive a reconnect between ask and answer.
func (a *Adapter) handlePermissionDecision(ctx context.Context, params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		OptionID  string `json:"optionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		applog.Get().Warn("dropping malformed session/permission_decision notification", "error", err)
		return
	}
	a.deps.Permissions.Resolve(p.RequestID, p.OptionID)
}

func (a *Adapter) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Name       string         `json:"name"`
		Parameters map[string]any `json:"parameters"`
		SessionID  string         `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, failure.WrapfKind(failure.KindValidation, err, "parsing tools/call params")
	}
	sessionID := p.SessionID
	if sessionID == "" {
		if v, ok := p.Parameters["sessionId"].(string); ok {
			sessionID = v
		}
	}
	return a.deps.Dispatcher.Execute(ctx, tool.Call{Name: p.Name, Params: p.Parameters, SessionID: sessionID}), nil
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (a *Adapter) handlePrompt(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, failure.WrapfKind(failure.KindValidation, err, "parsing prompt params")
	}

	s, err := a.deps.Sessions.LoadSession(p.SessionID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.deps.Mux.RegisterSession(ctx, p.SessionID)
	defer cancel()

	userText := extractUserText(p.Prompt)
	tools := a.promptTools(s)

	b, release, err := a.deps.Bridges.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	history := s.History()
	messages := append([]bridge.Message(nil), history...)
	callbacks := bridge.Callbacks{
		OnAssistantChunk: func(text string) {
			_ = a.deps.Mux.Notify(ctx, "session/update", map[string]any{
				"sessionId": p.SessionID,
				"update": map[string]any{
					"sessionUpdate": "agent_message_chunk",
					"content":       map[string]any{"type": "text", "text": text},
				},
			})
		},
		ExecuteTool: func(ctx context.Context, call bridge.ToolCallRequest) (string, error) {
			res := a.deps.Dispatcher.Execute(ctx, tool.Call{Name: call.Name, Params: call.Args, SessionID: p.SessionID})
			if !res.Success {
				return res.Error, nil
			}
			encoded, err := json.Marshal(res.Result)
			if err != nil {
				return "", failure.Wrapf(err, "marshaling tool result for %s", call.Name)
			}
			return string(encoded), nil
		},
	}

	if err := b.DriveTurn(ctx, &messages, userText, tools, callbacks); err != nil {
		return nil, failure.Wrapf(err, "driving prompt turn for session %s", p.SessionID)
	}
	// DriveTurn appended the user turn plus every assistant/tool message
	// onto messages; carry only what's new into the session's history.
	for _, msg := range messages[len(history):] {
		s.AppendMessage(msg)
	}
	_ = a.deps.Sessions.Persist(s)

	return map[string]any{"stopReason": "end_turn"}, nil
}

func (a *Adapter) promptTools(s *session.Session) []bridge.ToolSpec {
	tools := a.deps.Tools.ToolsForProviders(s.ModeTools())
	specs := make([]bridge.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, bridge.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaProperties(t.Parameters),
		})
	}
	return specs
}

func schemaProperties(s tool.Schema) map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		entry := map[string]any{"type": p.Type}
		if p.Description != "" {
			entry["description"] = p.Description
		}
		props[name] = entry
	}
	return props
}

// StartSweeper runs toolcall.Manager.Sweep on an interval until ctx is
// cancelled, evicting terminal calls past their retention window.
func (a *Adapter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.deps.ToolCalls.Sweep()
		}
	}
}
