// Command acpadapter runs the Agent-Client Protocol adapter as a
// standalone process, bridging an editor/IDE client to a configured
// assistant backend over stdio (default), a single WebSocket connection,
// or a one-shot HTTP request per invocation. Grounded on the upstream
// assistant's own cmd/compell/main.go for flag parsing and startup
// sequencing, generalized from "always stdio" into a transport flag.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m4xw311/acpadapter/internal/adapter"
	"github.com/m4xw311/acpadapter/internal/applog"
	"github.com/m4xw311/acpadapter/internal/bridge"
	"github.com/m4xw311/acpadapter/internal/config"
	"github.com/m4xw311/acpadapter/internal/extension"
	"github.com/m4xw311/acpadapter/internal/permission"
	"github.com/m4xw311/acpadapter/internal/pool"
	"github.com/m4xw311/acpadapter/internal/rpc"
	"github.com/m4xw311/acpadapter/internal/session"
	"github.com/m4xw311/acpadapter/internal/terminal"
	"github.com/m4xw311/acpadapter/internal/tool"
	"github.com/m4xw311/acpadapter/internal/toolcall"
	"github.com/m4xw311/acpadapter/internal/transport"
)

const version = "0.1.0"

func main() {
	httpAddr := flag.String("http", "", "Serve one-shot JSON-RPC over HTTP at the given address instead of stdio")
	wsAddr := flag.String("ws", "", "Serve a single WebSocket connection at the given address instead of stdio")
	traceFlag := flag.Bool("trace", false, "Enable debug-level structured logging")
	versionFlag := flag.Bool("version", false, "Print the adapter version and exit")
	flag.BoolVar(versionFlag, "v", false, "Shorthand for -version")
	flag.Parse()

	if *versionFlag {
		fmt.Println("acpadapter " + version)
		return
	}
	if flag.NArg() > 0 && flag.Arg(0) == "auth" {
		runAuthCommand(flag.Args()[1:])
		return
	}

	applog.SetDebug(*traceFlag)
	if level := os.Getenv("ACP_LOG_LEVEL"); level != "" && !*traceFlag {
		applog.SetLevel(level)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case *httpAddr != "":
		if err := serveHTTP(ctx, cfg, *httpAddr); err != nil {
			fmt.Fprintf(os.Stderr, "http server failed: %v\n", err)
			os.Exit(1)
		}
	case *wsAddr != "":
		if err := serveWS(ctx, cfg, *wsAddr); err != nil {
			fmt.Fprintf(os.Stderr, "websocket server failed: %v\n", err)
			os.Exit(1)
		}
	default:
		stream := transport.NewStdio(bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout))
		if err := runConnection(ctx, cfg, stream); err != nil {
			fmt.Fprintf(os.Stderr, "adapter stopped: %v\n", err)
			os.Exit(1)
		}
	}
}

// runConnection wires every component fresh for one live stream and runs
// the multiplexer until the stream closes or ctx is cancelled.
func runConnection(ctx context.Context, cfg *config.Config, stream transport.Stream) error {
	mux := rpc.New(stream)

	fsProxy := adapter.NewFsClientProxy(mux)
	termProxy := adapter.NewTerminalClientProxy(mux)

	calls := toolcall.New(30*time.Second, nil)
	perms := permission.New(permission.Policy(cfg.PermissionPolicy), 5*time.Minute)

	terminals := terminal.New(termProxy, terminal.Config{
		MaxConcurrent:          cfg.Terminal.MaxConcurrent,
		DefaultOutputByteLimit: cfg.Terminal.DefaultOutputByteLimit,
		MaxOutputByteLimit:     cfg.Terminal.MaxOutputByteLimit,
		AllowedCommands:        cfg.Terminal.AllowedCommands,
		ForbiddenCommands:      cfg.Terminal.ForbiddenCommands,
	}, false)

	registry := tool.New()
	registry.Register(tool.NewFilesystemProvider(fsProxy, tool.FilesystemConfig{
		Hidden:   cfg.Filesystem.Hidden,
		ReadOnly: cfg.Filesystem.ReadOnly,
	}))
	registry.Register(tool.NewCommandProvider(terminals))
	for _, server := range cfg.MCPServers {
		mcp, err := tool.NewMCPProvider(ctx, server.Name, server.Command, server.Args)
		if err != nil {
			applog.Get().Warn("skipping MCP server that failed to start", "server", server.Name, "error", err)
			continue
		}
		registry.Register(mcp)
	}
	defer registry.Cleanup(context.Background())

	dispatcher := tool.NewDispatcher(registry, calls)

	sessions := session.New(cfg.StateDir, calls, perms, func(sessionID string) {
		terminals.ReleaseSession(context.Background(), sessionID)
	})
	sessions.SetDefaultMode(cfg.DefaultMode)

	extensions := extension.New()

	bridges, err := newBridgeSource(ctx, cfg)
	if err != nil {
		return err
	}

	a := adapter.New(adapter.Deps{
		Mux:         mux,
		Sessions:    sessions,
		Permissions: perms,
		ToolCalls:   calls,
		Tools:       registry,
		Dispatcher:  dispatcher,
		Terminals:   terminals,
		Extensions:  extensions,
		Bridges:     bridges,
	})

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.StartSweeper(sweepCtx, 30*time.Second)

	return mux.Run(ctx)
}

// newBridgeSource constructs the configured backend and, for the
// SDK-backed ones, pools it behind cfg.Pool so concurrently-live
// connections stay bounded; the mock backend needs no pooling.
func newBridgeSource(ctx context.Context, cfg *config.Config) (adapter.BridgeSource, error) {
	if cfg.AssistantBackend == "" || cfg.AssistantBackend == "mock" {
		return adapter.SingleBridge(bridge.NewMockBridge()), nil
	}

	factory := pool.Factory[bridge.AssistantBridge]{
		Create: func(ctx context.Context) (bridge.AssistantBridge, error) {
			return newBridge(ctx, cfg)
		},
		Destroy: func(ctx context.Context, b bridge.AssistantBridge) error {
			return b.Close()
		},
	}
	p := pool.New(factory, pool.Config{
		MaxConnections: cfg.Pool.MaxConnections,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		MaxIdleTime:    cfg.Pool.MaxIdleTime,
	})
	return adapter.PooledBridge(p), nil
}

func newBridge(ctx context.Context, cfg *config.Config) (bridge.AssistantBridge, error) {
	switch cfg.AssistantBackend {
	case "anthropic":
		return bridge.NewAnthropicBridge(cfg.Model)
	case "openai":
		return bridge.NewOpenAIBridge(cfg.Model)
	case "gemini":
		return bridge.NewGeminiBridge(ctx, cfg.Model)
	case "bedrock":
		return bridge.NewBedrockBridge(ctx, cfg.Model)
	default:
		return bridge.NewMockBridge(), nil
	}
}

// serveHTTP answers exactly one JSON-RPC request per POST body, wiring a
// fresh set of components for each request since HTTPOneShot has no
// concept of a persistent session across calls.
func serveHTTP(ctx context.Context, cfg *config.Config, addr string) error {
	srv := &http.Server{Addr: addr}
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stream := transport.NewHTTPOneShot(body)
		if err := runConnection(r.Context(), cfg, stream); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respBody, hadResponse := stream.Response()
		if !hadResponse {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(respBody)
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// serveWS accepts a single long-lived WebSocket connection and runs the
// adapter over it until the connection closes.
func serveWS(ctx context.Context, cfg *config.Config, addr string) error {
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)

	srv := &http.Server{Addr: addr}
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			applog.Get().Warn("websocket upgrade failed", "error", err)
			return
		}
		select {
		case connCh <- conn:
		default:
			_ = conn.Close()
		}
	})

	go func() {
		_ = srv.ListenAndServe()
	}()
	defer srv.Close()

	select {
	case conn := <-connCh:
		stream := transport.NewWebSocket(conn)
		return runConnection(ctx, cfg, stream)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runAuthCommand implements the "auth login|logout|status" subtree by
// delegating straight to the configured backend's CheckAuth, mirroring
// the upstream assistant's own auth verification on startup rather than
// a separate credential store.
func runAuthCommand(args []string) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: acpadapter auth [login|logout|status]")
		os.Exit(1)
	}

	switch args[0] {
	case "status", "login":
		b, err := newBridge(context.Background(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "initializing %s backend: %v\n", cfg.AssistantBackend, err)
			os.Exit(1)
		}
		defer b.Close()
		if err := b.CheckAuth(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "%s: not authenticated: %v\n", cfg.AssistantBackend, err)
			os.Exit(1)
		}
		fmt.Printf("%s: authenticated (%s)\n", cfg.AssistantBackend, b.Version())
	case "logout":
		fmt.Println("acpadapter does not store credentials itself; revoke access with the backend's own provider.")
	default:
		fmt.Fprintf(os.Stderr, "unknown auth subcommand %q\n", args[0])
		os.Exit(1)
	}
}
