package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"mcp-gateway/internal/catalog"
	"mcp-gateway/internal/config"
	"mcp-gateway/internal/session"
)

const (
	searchLimitDefault = 20
	searchLimitMax     = 50
)

// CatalogSearchTool is the entry point of the progressive disclosure flow.
type CatalogSearchTool struct {
	registry *catalog.Registry
}

func (t *CatalogSearchTool) Name() string { return "catalog_search" }
func (t *CatalogSearchTool) Description() string {
	return `Search the aggregated tool catalog across all downstream servers.

USE THIS FIRST to discover what tools exist. Results are compact cards
(id, one-line description, tags) — fetch the full input schema with
describe only for the tool you intend to call.

Tool ids are "<server>::<tool>". An empty query lists the catalog in
stable order.

EXAMPLE OUTPUT:
{
  "cards": [
    {"tool_id": "github::create_issue", "server": "github",
     "tool_name": "create_issue", "short_description": "Create a new issue.",
     "availability": "online"}
  ],
  "total_available": 42,
  "truncated": true
}`
}
func (t *CatalogSearchTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Free-text search over tool names, descriptions, and tags",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum cards to return (default 20, max 50)",
			},
		},
	}
}
func (t *CatalogSearchTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	limit := getIntArg(args, "limit")
	if limit <= 0 {
		limit = searchLimitDefault
	}
	if limit > searchLimitMax {
		limit = searchLimitMax
	}
	return t.registry.Search(getStringArg(args, "query"), limit), nil
}

// DescribeTool serves the full schema for exactly one tool.
type DescribeTool struct {
	registry *catalog.Registry
}

func (t *DescribeTool) Name() string { return "describe" }
func (t *DescribeTool) Description() string {
	return `Fetch the full definition of one tool: description, JSON input
schema, and safety notes.

Call this after catalog_search, right before invoke, for the one tool you
picked. Errors with ToolNotFound for unknown ids and ToolDenied when policy
blocks the tool.`
}
func (t *DescribeTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"tool_id": map[string]interface{}{
				"type":        "string",
				"description": `Namespaced tool id, e.g. "github::create_issue"`,
			},
		},
		"required": []interface{}{"tool_id"},
	}
}
func (t *DescribeTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	toolID := getStringArg(args, "tool_id")
	if toolID == "" {
		return nil, Errorf(CodeInvalidArgument, "tool_id is required")
	}
	schema, err := t.registry.Schema(toolID)
	if err != nil {
		return nil, err
	}
	return schema, nil
}

// InvokeTool routes a call to the owning downstream session.
type InvokeTool struct {
	registry *catalog.Registry
	sessions *session.Manager
}

func (t *InvokeTool) Name() string { return "invoke" }
func (t *InvokeTool) Description() string {
	return `Invoke one downstream tool by its namespaced id.

Arguments are validated against the tool's cached input schema (required
fields, declared types, enums); unknown extra fields pass through. The
result is policy-filtered: secrets are redacted and oversized payloads are
truncated with truncated=true on the envelope.

WORKFLOW:
1. catalog_search to find the tool
2. describe to read its input schema
3. invoke with matching arguments`
}
func (t *InvokeTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"tool_id": map[string]interface{}{
				"type":        "string",
				"description": `Namespaced tool id, e.g. "github::create_issue"`,
			},
			"arguments": map[string]interface{}{
				"type":        "object",
				"description": "Arguments matching the tool's input schema",
			},
		},
		"required": []interface{}{"tool_id"},
	}
}
func (t *InvokeTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	toolID := getStringArg(args, "tool_id")
	if toolID == "" {
		return nil, Errorf(CodeInvalidArgument, "tool_id is required")
	}
	callArgs := getMapArg(args, "arguments")
	if callArgs == nil {
		callArgs = map[string]interface{}{}
	}

	owner, schema, err := t.registry.Owner(toolID)
	if err != nil {
		return nil, err
	}
	if err := validateArgs(schema.InputSchema, callArgs); err != nil {
		return nil, err
	}

	sess, ok := t.sessions.Get(owner)
	if !ok {
		return nil, Errorf(CodeSessionClosed, "no session for server %q", owner)
	}

	_, toolName, _ := strings.Cut(toolID, config.NameSeparator)
	raw, err := sess.Call(ctx, "tools/call", map[string]interface{}{
		"name":      toolName,
		"arguments": callArgs,
	}, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}
