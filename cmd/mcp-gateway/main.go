// Command mcp-gateway aggregates downstream MCP servers behind a fixed
// surface of meta-tools.
//
// Usage:
//
//	mcp-gateway                   # serve MCP over stdio (default)
//	mcp-gateway status --json
//	mcp-gateway refresh --server github
//	mcp-gateway init --project .
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"mcp-gateway/internal/cache"
	"mcp-gateway/internal/capability"
	"mcp-gateway/internal/catalog"
	"mcp-gateway/internal/config"
	"mcp-gateway/internal/gateway"
	"mcp-gateway/internal/manifest"
	"mcp-gateway/internal/policy"
	"mcp-gateway/internal/provision"
	"mcp-gateway/internal/session"
)

const version = "0.1.0"

// Exit codes per the CLI contract.
const (
	exitOK        = 0
	exitConfig    = 2
	exitStartup   = 3
	exitInterrupt = 130
)

// exitError carries a specific process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Start the gateway MCP server over stdio (default)."`
	Status  StatusCmd  `cmd:"" help:"Show downstream server status from the last snapshot."`
	Logs    LogsCmd    `cmd:"" help:"Show or follow the gateway log."`
	Refresh RefreshCmd `cmd:"" help:"Ask a running gateway to reload config and sessions."`
	Init    InitCmd    `cmd:"" help:"Write a starter .mcp.json for a project."`

	Config   string `short:"c" help:"Path to an MCP config file (replaces discovery)." type:"path"`
	Policy   string `help:"Path to the gateway policy file." type:"path"`
	LogLevel string `help:"Log level (debug, info)." env:"MCP_GATEWAY_LOG_LEVEL" default:"info"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("mcp-gateway"),
		kong.Description("Progressive-disclosure gateway for MCP tool servers."),
		kong.UsageOnError(),
	)

	err := kctx.Run(&cli)
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, "mcp-gateway:", exit.err)
		}
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, "mcp-gateway:", err)
	os.Exit(1)
}

// ServeCmd starts the stdio MCP server.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	// Credentials for downstream servers may live in a local .env.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redirect logging to a file: stderr interferes with the MCP stdio
	// stream on some clients, and stdout is the protocol channel.
	if logPath, err := cache.LogPath(); err == nil {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}
	if strings.EqualFold(cli.LogLevel, "debug") {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	loadConfig := func() (*config.Config, error) {
		paths, err := config.Discover(cli.Config, "")
		if err != nil {
			return nil, err
		}
		return config.Load(paths)
	}
	loadPolicy := func() (*policy.Policy, error) {
		return policy.Load(policy.DiscoverPath(cli.Policy))
	}

	cfg, err := loadConfig()
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if err := cfg.Require(); err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("%w; run mcp-gateway init", err)}
	}
	pol, err := loadPolicy()
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	manifestPath, _ := cache.ManifestPath()
	store, err := manifest.Load(manifestPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	mgr := session.NewManager(session.NewProcTransport)
	registry := catalog.NewRegistry(pol)
	matcher := capability.NewMatcher(store, nil)

	// The provisioner hands freshly installed servers to the session layer;
	// srv is bound below, before any job can run.
	var srv *gateway.Server
	provisioner := provision.New(store, nil, func(ctx context.Context, spec config.ServerSpec) error {
		single := &config.Config{Servers: map[string]config.ServerSpec{spec.Name: spec}}
		if errs := mgr.Refresh(ctx, single, spec.Name, false); len(errs) > 0 {
			return errs[spec.Name]
		}
		registry.Rebuild(ctx, mgr)
		srv.SyncUpstream()
		srv.PublishStatus()
		return nil
	})

	srv, err = gateway.NewServer(gateway.Options{
		Name:        "mcp-gateway",
		Version:     version,
		Sessions:    mgr,
		Registry:    registry,
		Matcher:     matcher,
		Provisioner: provisioner,
		Manifest:    store,
		LoadConfig:  loadConfig,
		LoadPolicy:  loadPolicy,
	})
	if err != nil {
		return &exitError{code: exitStartup, err: err}
	}
	mgr.SetNotificationSink(srv.HandleNotification)

	log.Printf("starting mcp-gateway %s with %d configured server(s)", version, len(cfg.Servers))
	startErrs := mgr.StartAll(ctx, cfg)
	for name, serr := range startErrs {
		log.Printf("server %s failed to start: %v", name, serr)
	}
	if len(startErrs) == len(cfg.Servers) && len(cfg.Servers) > 0 {
		mgr.CloseAll()
		return &exitError{code: exitStartup, err: errors.New("all downstream servers failed to start")}
	}

	registry.Rebuild(ctx, mgr)
	srv.SyncUpstream()
	srv.PublishStatus()
	go srv.WatchRefreshRequests(ctx)

	serveErr := srv.Start(ctx)
	mgr.CloseAll()
	srv.PublishStatus()

	if ctx.Err() != nil {
		return &exitError{code: exitInterrupt}
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

// StatusCmd prints the last published status snapshot.
type StatusCmd struct {
	JSON    bool   `help:"Print the raw snapshot as JSON."`
	Server  string `help:"Show only this server."`
	Pending bool   `help:"Include in-flight request counts."`
}

func (c *StatusCmd) Run(cli *CLI) error {
	snap, err := cache.ReadStatus()
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	servers := snap.Servers
	if c.Server != "" {
		var filtered []session.Status
		for _, s := range servers {
			if s.Name == c.Server {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			return &exitError{code: exitConfig, err: fmt.Errorf("unknown server %q", c.Server)}
		}
		servers = filtered
	}

	if c.JSON {
		snap.Servers = servers
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("gateway pid %d, snapshot %s, last refresh %s\n",
		snap.PID,
		snap.WrittenAt.Format(time.RFC3339),
		snap.LastRefresh.Format(time.RFC3339),
	)
	for _, s := range servers {
		line := fmt.Sprintf("  %-20s %-10s tools=%d", s.Name, s.State, snap.ToolCounts[s.Name])
		if c.Pending {
			line += fmt.Sprintf(" pending=%d", s.Pending)
		}
		if s.LastError != "" {
			line += "  (" + s.LastError + ")"
		}
		fmt.Println(line)
	}
	return nil
}

// LogsCmd tails the gateway log file.
type LogsCmd struct {
	Follow bool   `short:"f" help:"Keep following the log."`
	Tail   int    `short:"n" help:"Lines to show from the end." default:"50"`
	Level  string `help:"Only show lines containing this level token."`
}

func (c *LogsCmd) Run(cli *CLI) error {
	path, err := cache.LogPath()
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("no log file at %s: %w", path, err)}
	}

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if c.Tail > 0 && len(lines) > c.Tail {
		lines = lines[len(lines)-c.Tail:]
	}
	level := strings.ToLower(c.Level)
	for _, line := range lines {
		if level != "" && !strings.Contains(strings.ToLower(line), level) {
			continue
		}
		fmt.Println(line)
	}

	if !c.Follow {
		return nil
	}
	offset := int64(len(raw))
	for {
		time.Sleep(500 * time.Millisecond)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			continue
		}
		chunk, _ := io.ReadAll(f)
		f.Close()
		if len(chunk) == 0 {
			continue
		}
		offset += int64(len(chunk))
		for _, line := range strings.Split(strings.TrimRight(string(chunk), "\n"), "\n") {
			if level != "" && !strings.Contains(strings.ToLower(line), level) {
				continue
			}
			fmt.Println(line)
		}
	}
}

// RefreshCmd signals a running gateway through the cache-dir trigger file.
type RefreshCmd struct {
	Server string `help:"Restrict the refresh to one server."`
	Force  bool   `help:"Restart sessions even when unchanged."`
}

func (c *RefreshCmd) Run(cli *CLI) error {
	if _, err := cache.ReadStatus(); err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if err := cache.WriteRefreshRequest(cache.RefreshRequest{Server: c.Server, Force: c.Force}); err != nil {
		return err
	}
	fmt.Println("refresh requested; the gateway applies it within a few seconds")
	return nil
}

// InitCmd writes a starter project config.
type InitCmd struct {
	Project string `help:"Project directory." default:"." type:"path"`
	Force   bool   `help:"Overwrite an existing .mcp.json."`
}

const configTemplate = `{
  "mcpServers": {
    "filesystem": {
      "command": "mcp-server-filesystem",
      "args": ["."]
    }
  }
}
`

func (c *InitCmd) Run(cli *CLI) error {
	path := filepath.Join(c.Project, config.ProjectConfigFile)
	if _, err := os.Stat(path); err == nil && !c.Force {
		return &exitError{code: exitConfig, err: fmt.Errorf("%s already exists (use --force to overwrite)", path)}
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	fmt.Println("Edit it to list your MCP servers, then run mcp-gateway to serve them.")
	return nil
}
