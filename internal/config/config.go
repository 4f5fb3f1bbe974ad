// Package config loads the adapter's layered YAML configuration, following
// the upstream assistant's own user-then-project override convention.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/m4xw311/acpadapter/internal/failure"
)

// MCPServer describes one MCP server subprocess to spawn as a tool
// provider.
type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// PoolConfig configures the connection pool (C8) backing the assistant
// bridge.
type PoolConfig struct {
	MaxConnections int           `yaml:"maxConnections"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
	MaxIdleTime    time.Duration `yaml:"maxIdleTime"`
}

// TerminalConfig configures the terminal subsystem (C7).
type TerminalConfig struct {
	MaxConcurrent          int      `yaml:"maxConcurrent"`
	DefaultOutputByteLimit int      `yaml:"defaultOutputByteLimit"`
	MaxOutputByteLimit     int      `yaml:"maxOutputByteLimit"`
	AllowedCommands        []string `yaml:"allowedCommands"`
	ForbiddenCommands       []string `yaml:"forbiddenCommands"`
}

// FilesystemConfig configures path visibility for the filesystem tool
// provider and the glob-based restriction checks.
type FilesystemConfig struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"readOnly"`
}

// Config is the adapter's full configuration surface.
type Config struct {
	AssistantBackend string           `yaml:"assistantBackend"`
	Model            string           `yaml:"model"`
	DefaultMode      string           `yaml:"defaultMode"`
	PermissionPolicy string           `yaml:"permissionPolicy"`
	Pool             PoolConfig       `yaml:"pool"`
	Terminal         TerminalConfig   `yaml:"terminal"`
	Filesystem       FilesystemConfig `yaml:"filesystem"`
	MCPServers       []MCPServer      `yaml:"mcpServers"`
	StateDir         string           `yaml:"stateDir"`
}

// Default returns a Config with every knob set to the values documented in
// SPEC_FULL.md §3.1/§4.
func Default() *Config {
	return &Config{
		AssistantBackend: "mock",
		Model:            "",
		DefaultMode:      "ask",
		PermissionPolicy: "auto",
		Pool: PoolConfig{
			MaxConnections: 8,
			AcquireTimeout: 5 * time.Second,
			MaxIdleTime:    5 * time.Minute,
		},
		Terminal: TerminalConfig{
			MaxConcurrent:          10,
			DefaultOutputByteLimit: 1 << 20,
			MaxOutputByteLimit:     10 << 20,
		},
		Filesystem: FilesystemConfig{
			Hidden: []string{".acpadapter", ".acpadapter/**"},
		},
		StateDir: filepath.Join(".acpadapter", "sessions"),
	}
}

// Load reads ~/.acpadapter/config.yaml then ./.acpadapter/config.yaml,
// merging the project file over the user file the way the upstream
// assistant layers its own config. Missing files are not an error.
func Load() (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		if err := mergeFromFile(cfg, filepath.Join(home, ".acpadapter", "config.yaml")); err != nil {
			return nil, err
		}
	}

	if err := mergeFromFile(cfg, filepath.Join(".acpadapter", "config.yaml")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return failure.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return failure.WrapfKind(failure.KindValidation, err, "parsing config file %s", path)
	}
	return nil
}

// Validate enforces the "tolerant of missing, strict on misconfiguration"
// rule from SPEC_FULL.md §4.6: fields that are merely unset are fine,
// values that are actively nonsensical are rejected.
func (c *Config) Validate() error {
	if c.Pool.MaxConnections < 0 {
		return failure.Newf(failure.KindValidation, "pool.maxConnections must be >= 0, got %d", c.Pool.MaxConnections)
	}
	if c.Terminal.MaxConcurrent < 0 {
		return failure.Newf(failure.KindValidation, "terminal.maxConcurrent must be >= 0, got %d", c.Terminal.MaxConcurrent)
	}
	if c.Terminal.MaxOutputByteLimit < 0 {
		return failure.Newf(failure.KindValidation, "terminal.maxOutputByteLimit must be >= 0, got %d", c.Terminal.MaxOutputByteLimit)
	}
	switch c.PermissionPolicy {
	case "", "auto", "interactive":
	default:
		return failure.Newf(failure.KindValidation, "permissionPolicy must be 'auto' or 'interactive', got %q", c.PermissionPolicy)
	}
	return nil
}
