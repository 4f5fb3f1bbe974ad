package adapter

import (
	"context"
	"encoding/json"

	"github.com/m4xw311/acpadapter/internal/failure"
	"github.com/m4xw311/acpadapter/internal/rpc"
	"github.com/m4xw311/acpadapter/internal/terminal"
)

// caller is the subset of rpc.Mux the client-capability proxies need,
// narrowed so they stay testable against a fake.
type caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

var _ caller = (*rpc.Mux)(nil)

// FsClientProxy implements tool.FsClient by issuing fs/read_text_file and
// fs/write_text_file reverse calls into the connected client, per
// SPEC_FULL.md §6.
type FsClientProxy struct {
	mux caller
}

// NewFsClientProxy wraps mux as a tool.FsClient, for wiring into a
// filesystem tool provider before the orchestrator itself is built.
func NewFsClientProxy(mux *rpc.Mux) *FsClientProxy { return &FsClientProxy{mux: mux} }

func (p *FsClientProxy) ReadTextFile(ctx context.Context, sessionID, path string, line, limit *int) (string, error) {
	raw, err := p.mux.Call(ctx, "fs/read_text_file", map[string]any{
		"sessionId": sessionID, "path": path, "line": line, "limit": limit,
	})
	if err != nil {
		return "", err
	}
	var result struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", failure.Wrapf(err, "parsing fs/read_text_file response")
	}
	return result.Content, nil
}

func (p *FsClientProxy) WriteTextFile(ctx context.Context, sessionID, path, content string) error {
	_, err := p.mux.Call(ctx, "fs/write_text_file", map[string]any{
		"sessionId": sessionID, "path": path, "content": content,
	})
	return err
}

// TerminalClientProxy implements terminal.Client by issuing terminal/create
// and handle-bound reverse calls into the connected client.
type TerminalClientProxy struct {
	mux caller
}

// NewTerminalClientProxy wraps mux as a terminal.Client, for wiring into
// the terminal manager before the orchestrator itself is built.
func NewTerminalClientProxy(mux *rpc.Mux) *TerminalClientProxy { return &TerminalClientProxy{mux: mux} }

func (p *TerminalClientProxy) Create(ctx context.Context, sessionID string, req terminal.CreateRequest) (terminal.HandleID, error) {
	params := map[string]any{"sessionId": sessionID, "command": req.Command}
	if len(req.Args) > 0 {
		params["args"] = req.Args
	}
	if req.Cwd != "" {
		params["cwd"] = req.Cwd
	}
	if len(req.Env) > 0 {
		params["env"] = req.Env
	}
	if req.OutputByteLimit > 0 {
		params["outputByteLimit"] = req.OutputByteLimit
	}

	raw, err := p.mux.Call(ctx, "terminal/create", params)
	if err != nil {
		return "", err
	}
	var result struct {
		TerminalID string `json:"terminalId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", failure.Wrapf(err, "parsing terminal/create response")
	}
	return terminal.HandleID(result.TerminalID), nil
}

func (p *TerminalClientProxy) CurrentOutput(ctx context.Context, handle terminal.HandleID) (string, *terminal.ExitStatus, error) {
	raw, err := p.mux.Call(ctx, "terminal/output", map[string]any{"terminalId": string(handle)})
	if err != nil {
		return "", nil, err
	}
	var result struct {
		Output     string `json:"output"`
		ExitStatus *struct {
			ExitCode *int   `json:"exitCode"`
			Signal   string `json:"signal"`
		} `json:"exitStatus"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", nil, failure.Wrapf(err, "parsing terminal/output response")
	}
	if result.ExitStatus == nil {
		return result.Output, nil, nil
	}
	return result.Output, &terminal.ExitStatus{ExitCode: result.ExitStatus.ExitCode, Signal: result.ExitStatus.Signal}, nil
}

func (p *TerminalClientProxy) WaitForExit(ctx context.Context, handle terminal.HandleID) (terminal.ExitStatus, error) {
	raw, err := p.mux.Call(ctx, "terminal/wait_for_exit", map[string]any{"terminalId": string(handle)})
	if err != nil {
		return terminal.ExitStatus{}, err
	}
	var result struct {
		ExitCode *int   `json:"exitCode"`
		Signal   string `json:"signal"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return terminal.ExitStatus{}, failure.Wrapf(err, "parsing terminal/wait_for_exit response")
	}
	return terminal.ExitStatus{ExitCode: result.ExitCode, Signal: result.Signal}, nil
}

func (p *TerminalClientProxy) Kill(ctx context.Context, handle terminal.HandleID) error {
	_, err := p.mux.Call(ctx, "terminal/kill", map[string]any{"terminalId": string(handle)})
	return err
}

func (p *TerminalClientProxy) Release(ctx context.Context, handle terminal.HandleID) error {
	_, err := p.mux.Call(ctx, "terminal/release", map[string]any{"terminalId": string(handle)})
	return err
}
