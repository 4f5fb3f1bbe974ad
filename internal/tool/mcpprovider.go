package tool

import (
	"context"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/m4xw311/acpadapter/internal/applog"
	"github.com/m4xw311/acpadapter/internal/failure"
)

// MCPProvider exposes every tool a single MCP server subprocess
// advertises, namespaced "<server>:<tool>" so multiple servers can offer
// tools with the same short name.
type MCPProvider struct {
	name string
	cmd  *exec.Cmd
	conn *mcpsdk.ClientSession

	tools []Tool
}

// NewMCPProvider spawns command as a subprocess, connects the MCP client
// over its stdio, and discovers every tool it advertises (paging through
// ListTools cursors).
func NewMCPProvider(ctx context.Context, name, command string, args []string) (*MCPProvider, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "acpadapter", Version: "v1.0.0"}, nil)
	conn, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, failure.Wrapf(err, "connecting to MCP server %q", name)
	}

	p := &MCPProvider{name: name, cmd: cmd, conn: conn}

	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			_ = p.Cleanup(ctx)
			return nil, failure.Wrapf(err, "listing tools from MCP server %q", name)
		}
		for _, t := range list.Tools {
			p.tools = append(p.tools, p.wrap(t.Name, t.Description))
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	applog.WithComponent("tool.mcp").Info("initialized MCP provider", "server", name, "tools", len(p.tools))
	return p, nil
}

func (p *MCPProvider) Name() string { return p.name }

func (p *MCPProvider) Tools() []Tool { return p.tools }

func (p *MCPProvider) wrap(toolName, description string) Tool {
	return Tool{
		Name:        p.name + ":" + toolName,
		Description: description,
		Parameters:  Schema{Type: "object"},
		Handler: func(ctx context.Context, params map[string]any) (Result, error) {
			return p.call(ctx, toolName, params)
		},
	}
}

func (p *MCPProvider) call(ctx context.Context, toolName string, params map[string]any) (Result, error) {
	args := make(map[string]any, len(params))
	for k, v := range params {
		if k == "_sessionId" {
			continue
		}
		args[k] = v
	}

	result, err := p.conn.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		return Result{}, failure.Wrapf(err, "calling MCP tool %s:%s", p.name, toolName)
	}

	text := ""
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			text += tc.Text
		}
	}
	return Result{Success: !result.IsError, Result: map[string]any{"content": text}}, nil
}

// Cleanup closes the MCP session and terminates the subprocess.
func (p *MCPProvider) Cleanup(ctx context.Context) error {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}
