// Package tool implements the tool registry and execution dispatcher
// (C6): named providers each yielding a flat set of tools, the shared
// execution contract (resolution, validation, reporting, handler
// invocation, finalisation), and the fixed name-to-kind mapping used to
// drive tool-call reporting. Grounded on the upstream assistant's own
// tools package for the provider/registry shape, generalized from a
// single flat map of built-ins into a provider abstraction so filesystem,
// command, and MCP tools can be registered uniformly.
package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/m4xw311/acpadapter/internal/applog"
	"github.com/m4xw311/acpadapter/internal/failure"
	"github.com/m4xw311/acpadapter/internal/toolcall"
)

// Result is what a tool handler returns. Metadata is folded into Result's
// own value as "_meta" before the response is marshaled (SPEC_FULL.md
// §8 scenario S1), so it carries json:"-" here rather than its own wire
// field.
type Result struct {
	Success  bool           `json:"success"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"-"`
}

// Handler executes one tool invocation.
type Handler func(ctx context.Context, params map[string]any) (Result, error)

// Schema is a JSON-Schema-style parameter description.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property is one schema property's shape.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// Tool is one callable action.
type Tool struct {
	Name        string
	Description string
	Parameters  Schema
	Handler     Handler
}

// Provider yields a named set of tools. Providers that hold resources
// (subprocesses, file handles) implement Cleanup.
type Provider interface {
	Name() string
	Tools() []Tool
}

// CleanupProvider is implemented by providers that need to release
// resources when the registry shuts down.
type CleanupProvider interface {
	Cleanup(ctx context.Context) error
}

// Registry indexes every tool across every registered provider.
type Registry struct {
	providers []Provider
	tools     map[string]Tool
	byName    map[string]string // tool name -> provider name
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Tool), byName: make(map[string]string)}
}

// Register adds a provider and indexes its tools. Later providers win on
// name collision, mirroring last-registered-wins used elsewhere in the
// corpus's plugin registries.
func (r *Registry) Register(p Provider) {
	r.providers = append(r.providers, p)
	for _, t := range p.Tools() {
		r.tools[t.Name] = t
		r.byName[t.Name] = p.Name()
	}
}

// Get looks up one tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// ProviderNames returns every registered provider name.
func (r *Registry) ProviderNames() []string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	return names
}

// ToolsForProviders returns every tool belonging to one of providers, in
// no particular order. A nil/empty providers list yields no tools, which is
// how the "ask" session mode ends up with an empty tool surface.
func (r *Registry) ToolsForProviders(providers []string) []Tool {
	if len(providers) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(providers))
	for _, p := range providers {
		allowed[p] = true
	}
	var out []Tool
	for name, t := range r.tools {
		if allowed[r.byName[name]] {
			out = append(out, t)
		}
	}
	return out
}

// Capabilities reports the registry's advertised surface: filesystem is
// true iff read_file or write_file is registered.
func (r *Registry) Capabilities() map[string]any {
	_, hasRead := r.tools["read_file"]
	_, hasWrite := r.tools["write_file"]
	return map[string]any{
		"tools":      r.Names(),
		"providers":  r.ProviderNames(),
		"filesystem": hasRead || hasWrite,
		"cursor":     false,
	}
}

// Cleanup releases every CleanupProvider's resources.
func (r *Registry) Cleanup(ctx context.Context) error {
	var firstErr error
	for _, p := range r.providers {
		if cp, ok := p.(CleanupProvider); ok {
			if err := cp.Cleanup(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Kind classifies a tool call for reporting; derived from name via
// kindFor. Mirrors SPEC_FULL.md §4.6's exhaustive mapping.
var kindByName = map[string]string{
	"read_file": "read", "copy_file": "read", "list_directory": "read",
	"get_file_info": "read", "analyze_code": "read", "get_project_info": "read",

	"write_file": "edit", "append_file": "edit", "create_file": "edit",
	"patch_file": "edit", "apply_code_changes": "edit",

	"delete_file": "delete", "remove_file": "delete", "remove_directory": "delete",

	"move_file": "move", "rename_file": "move",

	"search_codebase": "search", "search_files": "search", "grep": "search",
	"find_files": "search", "find_references": "search", "find_definitions": "search",

	"run_tests": "execute", "run_command": "execute", "execute_command": "execute",
	"run_script": "execute", "shell": "execute",

	"fetch_url": "fetch", "http_request": "fetch", "download_file": "fetch",
	"api_request": "fetch", "web_search": "fetch",

	"think": "think", "reason": "think", "plan": "think",
	"analyze": "think", "explain_code": "think",

	"switch_mode": "switch_mode", "set_mode": "switch_mode", "change_mode": "switch_mode",
}

func kindFor(name string) string {
	if k, ok := kindByName[name]; ok {
		return k
	}
	return "other"
}

// titleFor derives a human-facing title from the tool name and params,
// falling back to the bare name for anything without a fixed template.
func titleFor(name string, params map[string]any) string {
	path, _ := params["path"].(string)
	switch name {
	case "read_file":
		return fmt.Sprintf("Reading file: %s", path)
	case "write_file", "create_file", "append_file", "patch_file":
		return fmt.Sprintf("Writing file: %s", path)
	case "delete_file", "remove_file":
		return fmt.Sprintf("Deleting file: %s", path)
	case "run_command", "execute_command", "shell":
		if cmd, ok := params["command"].(string); ok {
			return fmt.Sprintf("Running command: %s", cmd)
		}
		return "Running command"
	case "search_codebase", "search_files", "grep":
		if q, ok := params["query"].(string); ok {
			return fmt.Sprintf("Searching for: %s", q)
		}
		return "Searching"
	default:
		return name
	}
}

// locationsFor derives file locations referenced by params, following the
// well-known keys path/sourcePath/destination*/files[].
func locationsFor(params map[string]any) []toolcall.Location {
	var locs []toolcall.Location
	add := func(v any) {
		if s, ok := v.(string); ok && s != "" {
			locs = append(locs, toolcall.Location{Path: s})
		}
	}
	add(params["path"])
	add(params["sourcePath"])
	add(params["destination"])
	add(params["destinationPath"])
	if files, ok := params["files"].([]any); ok {
		for _, f := range files {
			add(f)
		}
	}
	return locs
}

func validate(t Tool, params map[string]any) error {
	for _, req := range t.Parameters.Required {
		v, ok := params[req]
		if !ok || v == nil {
			return failure.Newf(failure.KindValidation, "Missing required parameter: %s", req)
		}
	}
	return nil
}

// Call is one request to execute a tool, optionally within a reported
// session/tool-call lifecycle.
type Call struct {
	Name      string
	Params    map[string]any
	SessionID string
}

// Dispatcher executes tool calls against a Registry, reporting lifecycle
// transitions through a toolcall.Manager when a session is present.
type Dispatcher struct {
	registry  *Registry
	calls     *toolcall.Manager
	authorize func(ctx context.Context, sessionID, toolCallID, kind string) error
}

// NewDispatcher builds a Dispatcher over registry, reporting through calls.
func NewDispatcher(registry *Registry, calls *toolcall.Manager) *Dispatcher {
	return &Dispatcher{registry: registry, calls: calls}
}

// SetAuthorizer wires a permission check invoked after a tool call is
// reported but before its handler runs, letting the adapter orchestrator
// broker mutating calls through the permission component without this
// package depending on it. A nil authorize always allows.
func (d *Dispatcher) SetAuthorizer(authorize func(ctx context.Context, sessionID, toolCallID, kind string) error) {
	d.authorize = authorize
}

// Execute runs the six-step execution contract: resolution, validation,
// reporting, injection, handler invocation, and finalisation, always
// attaching {toolName, duration, executedAt} metadata.
func (d *Dispatcher) Execute(ctx context.Context, call Call) Result {
	start := time.Now()
	finish := func(res Result, toolCallID string) Result {
		if res.Metadata == nil {
			res.Metadata = map[string]any{}
		}
		res.Metadata["toolName"] = call.Name
		res.Metadata["duration"] = time.Since(start).Milliseconds()
		res.Metadata["executedAt"] = start.UTC().Format(time.RFC3339)
		if toolCallID != "" {
			res.Metadata["toolCallId"] = toolCallID
		}

		m, ok := res.Result.(map[string]any)
		if !ok {
			m = map[string]any{}
		}
		m["_meta"] = res.Metadata
		res.Result = m
		return res
	}

	t, ok := d.registry.Get(call.Name)
	if !ok {
		return finish(Result{Success: false, Error: fmt.Sprintf("Tool not found: %s", call.Name)}, "")
	}

	if call.Params == nil {
		call.Params = map[string]any{}
	}
	if err := validate(t, call.Params); err != nil {
		return finish(Result{Success: false, Error: err.Error()}, "")
	}

	var toolCallID string
	if call.SessionID != "" && d.calls != nil {
		toolCallID = d.calls.NewID(call.Name)
		kind := kindFor(call.Name)
		title := titleFor(call.Name, call.Params)
		d.calls.Report(toolCallID, call.SessionID, title, kind)

		if d.authorize != nil {
			if err := d.authorize(ctx, call.SessionID, toolCallID, kind); err != nil {
				_ = d.calls.Fail(toolCallID, err.Error())
				return finish(Result{Success: false, Error: err.Error()}, toolCallID)
			}
		}

		_ = d.calls.Update(toolCallID)
		call.Params["_sessionId"] = call.SessionID
	}

	applog.WithComponent("tool").Debug("executing tool", "tool", call.Name, "toolCallId", toolCallID)

	res, err := t.Handler(ctx, call.Params)
	if err != nil {
		res = Result{Success: false, Error: err.Error()}
	}

	if toolCallID != "" {
		if res.Success {
			content := diffContent(res)
			_ = d.calls.Complete(toolCallID, content, locationsFor(call.Params))
		} else {
			_ = d.calls.Fail(toolCallID, res.Error)
		}
	}

	return finish(res, toolCallID)
}

// diffContent derives ACP content blocks from result.metadata.diffs when
// present, so a patch/write tool's diffs surface in the tool call's
// content without every handler re-implementing the conversion.
func diffContent(res Result) []toolcall.Content {
	meta, ok := res.Metadata["diffs"]
	if !ok {
		return nil
	}
	diffs, ok := meta.([]any)
	if !ok {
		return nil
	}
	content := make([]toolcall.Content, 0, len(diffs))
	for _, d := range diffs {
		content = append(content, toolcall.Content{Kind: "diff", Value: d})
	}
	return content
}
