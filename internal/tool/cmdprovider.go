package tool

import (
	"context"

	"github.com/m4xw311/acpadapter/internal/terminal"
)

// TerminalExecutor is the subset of terminal.Manager the command provider
// needs, kept narrow so the provider can be tested without a real client.
type TerminalExecutor interface {
	ExecuteSimple(ctx context.Context, sessionID string, req terminal.CreateRequest) (terminal.ExecuteResult, error)
}

// CommandProvider exposes run_command, delegating the actual process
// execution to the client-hosted terminal subsystem (C7).
type CommandProvider struct {
	term TerminalExecutor
}

// NewCommandProvider constructs the provider.
func NewCommandProvider(term TerminalExecutor) *CommandProvider {
	return &CommandProvider{term: term}
}

func (p *CommandProvider) Name() string { return "terminal" }

func (p *CommandProvider) Tools() []Tool {
	return []Tool{
		{
			Name:        "run_command",
			Description: "Run a shell command via the client's terminal capability.",
			Parameters: Schema{
				Type: "object",
				Properties: map[string]Property{
					"command": {Type: "string"},
					"cwd":     {Type: "string"},
				},
				Required: []string{"command"},
			},
			Handler: p.run,
		},
	}
}

func (p *CommandProvider) run(ctx context.Context, params map[string]any) (Result, error) {
	command, _ := params["command"].(string)
	cwd, _ := params["cwd"].(string)

	res, err := p.term.ExecuteSimple(ctx, sessionFrom(params), terminal.CreateRequest{Command: command, Cwd: cwd})
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	exitCode := -1
	if res.ExitCode != nil {
		exitCode = *res.ExitCode
	}
	success := exitCode == 0
	return Result{
		Success: success,
		Result: map[string]any{
			"output":   res.Output,
			"exitCode": exitCode,
			"signal":   res.Signal,
		},
	}, nil
}
