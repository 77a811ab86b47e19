// Package gateway exposes the fixed meta-tool surface upstream and routes
// calls into the session, catalog, and provisioning layers.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"mcp-gateway/internal/cache"
	"mcp-gateway/internal/capability"
	"mcp-gateway/internal/catalog"
	"mcp-gateway/internal/config"
	"mcp-gateway/internal/manifest"
	"mcp-gateway/internal/policy"
	"mcp-gateway/internal/provision"
	"mcp-gateway/internal/session"
)

const resourceMIMEJSON = "application/json"

// Tool describes the contract for meta-tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Options wires the gateway server's collaborators.
type Options struct {
	Name    string
	Version string

	Sessions    *session.Manager
	Registry    *catalog.Registry
	Matcher     *capability.Matcher
	Provisioner *provision.Provisioner
	Manifest    *manifest.Store

	// LoadConfig re-reads the MCP config chain; called on every refresh.
	LoadConfig func() (*config.Config, error)
	// LoadPolicy re-reads the policy file; called on every refresh.
	LoadPolicy func() (*policy.Policy, error)
}

// Server is the meta-tool dispatcher plus the upstream MCP transport.
type Server struct {
	opts      Options
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer

	// refreshMu serializes refresh against itself; reads of the prior
	// catalog proceed concurrently.
	refreshMu sync.Mutex

	upstreamMu    sync.Mutex
	knownResource map[string]bool
	knownPrompt   map[string]bool
}

// NewServer constructs the gateway MCP server and registers the nine
// meta-tools plus proxied resources and prompts.
func NewServer(opts Options) (*Server, error) {
	if opts.Name == "" {
		opts.Name = "mcp-gateway"
	}
	mcpSrv := mcpserver.NewMCPServer(
		opts.Name,
		opts.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	s := &Server{
		opts:          opts,
		tools:         make(map[string]Tool),
		mcpServer:     mcpSrv,
		knownResource: make(map[string]bool),
		knownPrompt:   make(map[string]bool),
	}

	s.registerAllTools()
	s.registerAboutResource()
	s.SyncUpstream()
	return s, nil
}

// Start serves MCP over stdio until the context ends.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ExecuteTool executes a meta-tool directly (used by tests).
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) Envelope {
	tool, exists := s.tools[name]
	if !exists {
		return errorEnvelope(s.policy(), Errorf(CodeToolNotFound, "tool not found: %s", name))
	}
	return s.dispatch(ctx, tool, args)
}

func (s *Server) policy() *policy.Policy {
	return s.opts.Registry.Policy()
}

func (s *Server) registerAllTools() {
	// Catalog surface.
	s.registerTool(&CatalogSearchTool{registry: s.opts.Registry})
	s.registerTool(&DescribeTool{registry: s.opts.Registry})
	s.registerTool(&InvokeTool{registry: s.opts.Registry, sessions: s.opts.Sessions})

	// Lifecycle and diagnostics.
	s.registerTool(&RefreshTool{server: s})
	s.registerTool(&HealthTool{sessions: s.opts.Sessions, registry: s.opts.Registry})
	s.registerTool(&SyncEnvironmentTool{store: s.opts.Manifest})

	// Capability discovery and provisioning.
	s.registerTool(&RequestCapabilityTool{matcher: s.opts.Matcher, sessions: s.opts.Sessions, registry: s.opts.Registry})
	s.registerTool(&ProvisionTool{provisioner: s.opts.Provisioner})
	s.registerTool(&ProvisionStatusTool{provisioner: s.opts.Provisioner})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

// dispatch runs one meta-tool and shapes the outcome. Every error becomes
// an envelope, never a transport failure; panics surface as Internal.
func (s *Server) dispatch(ctx context.Context, tool Tool, args map[string]interface{}) (env Envelope) {
	pol := s.policy()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatcher: panic in %s: %v\n%s", tool.Name(), r, debug.Stack())
			env = errorEnvelope(pol, Errorf(CodeInternal, "panic in %s", tool.Name()))
		}
	}()

	result, err := tool.Execute(ctx, args)
	if err != nil {
		return errorEnvelope(pol, err)
	}
	return shapeResult(pol, result)
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		env := s.dispatch(ctx, tool, args)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(encode(env))},
			IsError: !env.OK,
		}, nil
	}
}

// Refresh reloads config and policy, reconciles sessions, rebuilds the
// catalog, and republishes the status snapshot. Config errors are local:
// current sessions keep running on a bad reload.
func (s *Server) Refresh(ctx context.Context, server string, force bool) (map[string]error, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	cfg, err := s.opts.LoadConfig()
	if err != nil {
		return nil, Errorf(CodeConfigInvalid, "reload config: %v", err)
	}
	pol, err := s.opts.LoadPolicy()
	if err != nil {
		return nil, Errorf(CodeConfigInvalid, "reload policy: %v", err)
	}
	s.opts.Registry.SetPolicy(pol)

	errs := s.opts.Sessions.Refresh(ctx, cfg, server, force)
	s.opts.Registry.Rebuild(ctx, s.opts.Sessions)
	s.SyncUpstream()
	s.PublishStatus()
	return errs, nil
}

// HandleNotification reacts to unsolicited downstream messages; inventory
// change notifications trigger a catalog rebuild.
func (s *Server) HandleNotification(n session.Notification) {
	switch n.Method {
	case "notifications/tools/list_changed",
		"notifications/resources/list_changed",
		"notifications/prompts/list_changed":
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			s.opts.Registry.Rebuild(ctx, s.opts.Sessions)
			s.SyncUpstream()
		}()
	default:
		log.Printf("notification from %s: %s", n.Server, n.Method)
	}
}

// WatchRefreshRequests polls the cache-dir trigger file written by the
// refresh CLI subcommand.
func (s *Server) WatchRefreshRequests(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, ok := cache.TakeRefreshRequest()
			if !ok {
				continue
			}
			log.Printf("refresh requested via CLI (server=%q force=%v)", req.Server, req.Force)
			if _, err := s.Refresh(ctx, req.Server, req.Force); err != nil {
				log.Printf("refresh request failed: %v", err)
			}
		}
	}
}

// PublishStatus writes the status snapshot for the status subcommand.
func (s *Server) PublishStatus() {
	snap := cache.StatusSnapshot{
		LastRefresh: s.opts.Sessions.LastRefresh(),
		Servers:     s.opts.Sessions.Statuses(),
		ToolCounts:  s.opts.Registry.ToolCount(),
	}
	if err := cache.WriteStatus(snap); err != nil {
		log.Printf("status snapshot: %v", err)
	}
}

// registerAboutResource serves high-level gateway info upstream.
func (s *Server) registerAboutResource() {
	s.mcpServer.AddResource(
		mcp.NewResource(
			"mcp-gateway://about",
			"MCP Gateway About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Gateway info and meta-tool usage notes."),
		),
		s.handleAboutResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.opts.Name,
		"version": s.opts.Version,
		"notes": []string{
			"Start with catalog_search to find tools; fetch full schemas with describe.",
			"invoke routes a call to the owning downstream server and applies output policy.",
			"request_capability suggests servers to provision when no running tool fits.",
		},
	}
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

// SyncUpstream registers catalog resources and prompts with the upstream
// server. Entries register once; reads and gets always consult the current
// catalog, so entries that vanished simply fail their next read.
func (s *Server) SyncUpstream() {
	s.upstreamMu.Lock()
	defer s.upstreamMu.Unlock()

	for _, res := range s.opts.Registry.Resources() {
		if s.knownResource[res.URI] {
			continue
		}
		s.knownResource[res.URI] = true
		s.mcpServer.AddResource(
			mcp.NewResource(
				res.URI,
				res.Name,
				mcp.WithResourceDescription(res.Description),
				mcp.WithMIMEType(res.MIMEType),
			),
			s.handleProxiedResource,
		)
	}

	for _, p := range s.opts.Registry.Prompts() {
		if s.knownPrompt[p.PromptID] {
			continue
		}
		s.knownPrompt[p.PromptID] = true
		promptOpts := []mcp.PromptOption{mcp.WithPromptDescription(p.Description)}
		for _, arg := range p.Arguments {
			argOpts := []mcp.ArgumentOption{mcp.ArgumentDescription(arg.Description)}
			if arg.Required {
				argOpts = append(argOpts, mcp.RequiredArgument())
			}
			promptOpts = append(promptOpts, mcp.WithArgument(arg.Name, argOpts...))
		}
		s.mcpServer.AddPrompt(mcp.NewPrompt(p.PromptID, promptOpts...), s.wrapPrompt(p.PromptID))
	}
}

// handleProxiedResource routes resources/read to the owning session and
// applies output policy to textual contents.
func (s *Server) handleProxiedResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	owner, ok := s.opts.Registry.ResourceOwner(uri)
	if !ok {
		return nil, fmt.Errorf("unknown resource %s", uri)
	}
	sess, ok := s.opts.Sessions.Get(owner)
	if !ok {
		return nil, fmt.Errorf("no session for %s", owner)
	}

	raw, err := sess.Call(ctx, "resources/read", map[string]interface{}{"uri": uri}, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Contents []json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse resources/read result: %w", err)
	}

	pol := s.policy()
	var contents []mcp.ResourceContents
	for _, item := range result.Contents {
		var text struct {
			URI      string `json:"uri"`
			MIMEType string `json:"mimeType"`
			Text     string `json:"text"`
			Blob     string `json:"blob"`
		}
		if err := json.Unmarshal(item, &text); err != nil {
			continue
		}
		if text.Blob != "" {
			contents = append(contents, mcp.BlobResourceContents{
				URI:      text.URI,
				MIMEType: text.MIMEType,
				Blob:     text.Blob,
			})
			continue
		}
		contents = append(contents, mcp.TextResourceContents{
			URI:      text.URI,
			MIMEType: text.MIMEType,
			Text:     pol.Redact(text.Text),
		})
	}
	return contents, nil
}

// wrapPrompt routes prompts/get to the owning session.
func (s *Server) wrapPrompt(promptID string) mcpserver.PromptHandlerFunc {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		owner, name, ok := s.opts.Registry.PromptOwner(promptID)
		if !ok {
			return nil, fmt.Errorf("unknown prompt %s", promptID)
		}
		sess, ok := s.opts.Sessions.Get(owner)
		if !ok {
			return nil, fmt.Errorf("no session for %s", owner)
		}

		params := map[string]interface{}{"name": name}
		if len(request.Params.Arguments) > 0 {
			params["arguments"] = request.Params.Arguments
		}
		raw, err := sess.Call(ctx, "prompts/get", params, nil)
		if err != nil {
			return nil, err
		}
		redacted := json.RawMessage(s.policy().Redact(string(raw)))
		return mcp.ParseGetPromptResult(&redacted)
	}
}
