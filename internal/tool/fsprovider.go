package tool

import (
	"context"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/m4xw311/acpadapter/internal/failure"
)

// FsClient is the filesystem capability the client hosts. The adapter
// never touches the editor's disk directly; every read/write goes through
// these two reverse calls (fs/read_text_file, fs/write_text_file), kept
// here as a narrow interface so the filesystem provider stays testable
// without a real transport.
type FsClient interface {
	ReadTextFile(ctx context.Context, sessionID, path string, line, limit *int) (string, error)
	WriteTextFile(ctx context.Context, sessionID, path, content string) error
}

// FilesystemConfig is the subset of adapter configuration the filesystem
// provider needs: glob patterns for paths hidden from tools entirely, and
// patterns that are visible but read-only.
type FilesystemConfig struct {
	Hidden   []string
	ReadOnly []string
}

func matchesAny(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.PathMatch(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// FilesystemProvider exposes read_file/write_file backed by the client's
// FsClient, honoring the Hidden/ReadOnly glob restrictions.
type FilesystemProvider struct {
	fs  FsClient
	cfg FilesystemConfig
}

// NewFilesystemProvider constructs the provider.
func NewFilesystemProvider(fs FsClient, cfg FilesystemConfig) *FilesystemProvider {
	return &FilesystemProvider{fs: fs, cfg: cfg}
}

func (p *FilesystemProvider) Name() string { return "filesystem" }

func (p *FilesystemProvider) Tools() []Tool {
	return []Tool{
		{
			Name:        "read_file",
			Description: "Read a text file via the client's filesystem capability.",
			Parameters: Schema{
				Type:       "object",
				Properties: map[string]Property{"path": {Type: "string"}},
				Required:   []string{"path"},
			},
			Handler: p.readFile,
		},
		{
			Name:        "write_file",
			Description: "Write a text file via the client's filesystem capability.",
			Parameters: Schema{
				Type: "object",
				Properties: map[string]Property{
					"path":    {Type: "string"},
					"content": {Type: "string"},
				},
				Required: []string{"path", "content"},
			},
			Handler: p.writeFile,
		},
	}
}

func sessionFrom(params map[string]any) string {
	s, _ := params["_sessionId"].(string)
	return s
}

func (p *FilesystemProvider) readFile(ctx context.Context, params map[string]any) (Result, error) {
	path, _ := params["path"].(string)
	if matchesAny(path, p.cfg.Hidden) {
		return Result{Success: false, Error: "path is not accessible: " + path}, nil
	}

	var linePtr, limitPtr *int
	if v, ok := params["line"].(float64); ok {
		n := int(v)
		linePtr = &n
	}
	if v, ok := params["limit"].(float64); ok {
		n := int(v)
		limitPtr = &n
	}

	content, err := p.fs.ReadTextFile(ctx, sessionFrom(params), path, linePtr, limitPtr)
	if err != nil {
		return Result{}, failure.Wrapf(err, "reading file %s", path)
	}
	return Result{Success: true, Result: map[string]any{"path": path, "content": content}}, nil
}

func (p *FilesystemProvider) writeFile(ctx context.Context, params map[string]any) (Result, error) {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)

	if matchesAny(path, p.cfg.Hidden) {
		return Result{Success: false, Error: "path is not accessible: " + path}, nil
	}
	if matchesAny(path, p.cfg.ReadOnly) {
		return Result{Success: false, Error: "path is read-only: " + path}, nil
	}

	if err := p.fs.WriteTextFile(ctx, sessionFrom(params), path, content); err != nil {
		return Result{}, failure.Wrapf(err, "writing file %s", path)
	}
	return Result{Success: true, Result: map[string]any{"written": true}}, nil
}
