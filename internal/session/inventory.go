package session

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolDef is one tool as advertised by a downstream server.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
	Annotations map[string]interface{} `json:"annotations,omitempty"`
}

// ResourceDef is one resource as advertised by a downstream server.
type ResourceDef struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// PromptArg is one declared prompt argument.
type PromptArg struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptDef is one prompt as advertised by a downstream server.
type PromptDef struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Arguments   []PromptArg `json:"arguments,omitempty"`
}

// ListTools fetches the full tool inventory, following pagination. Servers
// that do not advertise the tools capability yield an empty inventory.
func (s *Session) ListTools(ctx context.Context) ([]ToolDef, error) {
	if !s.Info().Tools {
		return nil, nil
	}
	var tools []ToolDef
	cursor := ""
	for {
		params := map[string]interface{}{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := s.Call(ctx, "tools/list", params, nil)
		if err != nil {
			return nil, fmt.Errorf("tools/list %s: %w", s.spec.Name, err)
		}
		var page struct {
			Tools      []ToolDef `json:"tools"`
			NextCursor string    `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("parse tools/list %s: %w", s.spec.Name, err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// ListResources fetches the resource inventory, following pagination.
func (s *Session) ListResources(ctx context.Context) ([]ResourceDef, error) {
	if !s.Info().Resources {
		return nil, nil
	}
	var resources []ResourceDef
	cursor := ""
	for {
		params := map[string]interface{}{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := s.Call(ctx, "resources/list", params, nil)
		if err != nil {
			return nil, fmt.Errorf("resources/list %s: %w", s.spec.Name, err)
		}
		var page struct {
			Resources  []ResourceDef `json:"resources"`
			NextCursor string        `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("parse resources/list %s: %w", s.spec.Name, err)
		}
		resources = append(resources, page.Resources...)
		if page.NextCursor == "" {
			return resources, nil
		}
		cursor = page.NextCursor
	}
}

// ListPrompts fetches the prompt inventory, following pagination.
func (s *Session) ListPrompts(ctx context.Context) ([]PromptDef, error) {
	if !s.Info().Prompts {
		return nil, nil
	}
	var prompts []PromptDef
	cursor := ""
	for {
		params := map[string]interface{}{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := s.Call(ctx, "prompts/list", params, nil)
		if err != nil {
			return nil, fmt.Errorf("prompts/list %s: %w", s.spec.Name, err)
		}
		var page struct {
			Prompts    []PromptDef `json:"prompts"`
			NextCursor string      `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("parse prompts/list %s: %w", s.spec.Name, err)
		}
		prompts = append(prompts, page.Prompts...)
		if page.NextCursor == "" {
			return prompts, nil
		}
		cursor = page.NextCursor
	}
}
