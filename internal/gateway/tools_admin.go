package gateway

import (
	"context"
	"runtime"
	"time"

	"mcp-gateway/internal/catalog"
	"mcp-gateway/internal/manifest"
	"mcp-gateway/internal/session"
)

// RefreshTool rebuilds sessions and the catalog from current config.
type RefreshTool struct {
	server *Server
}

func (t *RefreshTool) Name() string { return "refresh" }
func (t *RefreshTool) Description() string {
	return `Reload config and policy, reconcile downstream sessions, and
rebuild the catalog.

Added servers are started, removed servers are closed; unchanged servers
and their in-flight calls are left alone unless force is set. A server
argument scopes the refresh to that one name.`
}
func (t *RefreshTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"server": map[string]interface{}{
				"type":        "string",
				"description": "Restrict the refresh to one server name",
			},
			"force": map[string]interface{}{
				"type":        "boolean",
				"description": "Restart sessions even when their spec is unchanged",
			},
		},
	}
}
func (t *RefreshTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	errs, err := t.server.Refresh(ctx, getStringArg(args, "server"), getBoolArg(args, "force"))
	if err != nil {
		return nil, err
	}
	failed := make(map[string]string, len(errs))
	for name, serr := range errs {
		failed[name] = serr.Error()
	}
	return map[string]interface{}{
		"refreshed": true,
		"failed":    failed,
		"servers":   t.server.opts.Sessions.Statuses(),
	}, nil
}

// HealthTool reports per-server state without touching downstreams.
type HealthTool struct {
	sessions *session.Manager
	registry *catalog.Registry
}

func (t *HealthTool) Name() string { return "health" }
func (t *HealthTool) Description() string {
	return `Report gateway health: per-server connection state, last error,
visible tool counts, and the last refresh time. Read-only.`
}
func (t *HealthTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *HealthTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"servers":      t.sessions.Statuses(),
		"tool_counts":  t.registry.ToolCount(),
		"last_refresh": t.sessions.LastRefresh().Format(time.RFC3339),
		"catalog_age":  time.Since(t.registry.BuiltAt()).Round(time.Second).String(),
	}, nil
}

// SyncEnvironmentTool reports the host platform and detected CLI tooling.
type SyncEnvironmentTool struct {
	store *manifest.Store
}

func (t *SyncEnvironmentTool) Name() string { return "sync_environment" }
func (t *SyncEnvironmentTool) Description() string {
	return `Report the host platform and which CLI tools from the manifest
probe list are installed. Use before provisioning to decide whether a
host CLI already covers a capability.`
}
func (t *SyncEnvironmentTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *SyncEnvironmentTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"platform": map[string]interface{}{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
		},
		"cli_tools": t.store.Probe(),
	}, nil
}
