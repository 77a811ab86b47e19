package gateway

import (
	"context"
	"fmt"

	"mcp-gateway/internal/capability"
	"mcp-gateway/internal/catalog"
	"mcp-gateway/internal/provision"
	"mcp-gateway/internal/session"
)

// RequestCapabilityTool ranks servers and tools against a free-text need.
type RequestCapabilityTool struct {
	matcher  *capability.Matcher
	sessions *session.Manager
	registry *catalog.Registry
}

func (t *RequestCapabilityTool) Name() string { return "request_capability" }
func (t *RequestCapabilityTool) Description() string {
	return `Describe a capability you need in plain language and get ranked
candidates: running servers, provisionable manifest servers, and
individual tools.

Each candidate carries a relevance score, whether it is already running,
and what credentials provisioning would require. The recommendation field
says what to do next.`
}
func (t *RequestCapabilityTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What you want to do, e.g. \"open a pull request\"",
			},
			"prefer_cli": map[string]interface{}{
				"type":        "boolean",
				"description": "Prefer host CLI tools over provisioning new servers",
			},
		},
		"required": []interface{}{"query"},
	}
}
func (t *RequestCapabilityTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := getStringArg(args, "query")
	if query == "" {
		return nil, Errorf(CodeInvalidArgument, "query is required")
	}
	preferCLI := getBoolArg(args, "prefer_cli")

	var running []capability.RunningServer
	for _, s := range t.sessions.Sessions() {
		state := s.State()
		if state != session.StateReady && state != session.StateDegraded {
			continue
		}
		running = append(running, capability.RunningServer{
			Name:        s.Name(),
			Description: s.Info().Name,
		})
	}
	tools := t.registry.Search("", 0).Cards

	candidates, err := t.matcher.Match(ctx, query, running, tools)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"candidates":     candidates,
		"recommendation": recommend(candidates, preferCLI),
	}, nil
}

// recommend turns the top candidate into a next-step sentence.
func recommend(candidates []capability.Candidate, preferCLI bool) string {
	if len(candidates) == 0 || candidates[0].RelevanceScore == 0 {
		return "No matching capability found; check sync_environment for host CLI tools."
	}
	top := candidates[0]
	switch {
	case top.CandidateType == capability.TypeTool && top.IsRunning:
		return fmt.Sprintf("Tool %s is available now; describe it and invoke.", top.Name)
	case top.CandidateType == capability.TypeServerRunning:
		return fmt.Sprintf("Server %s is already running; search its tools with catalog_search.", top.Name)
	case preferCLI:
		return fmt.Sprintf("Check sync_environment for a host CLI first; otherwise provision %s.", top.Name)
	case len(top.MissingEnv) > 0:
		return fmt.Sprintf("Provision %s after setting: %v.", top.Name, top.MissingEnv)
	default:
		return fmt.Sprintf("Provision %s with the provision tool.", top.Name)
	}
}

// ProvisionTool starts an asynchronous install job.
type ProvisionTool struct {
	provisioner *provision.Provisioner
}

func (t *ProvisionTool) Name() string { return "provision" }
func (t *ProvisionTool) Description() string {
	return `Install and start a downstream server from the manifest.

Validation is synchronous: an unknown server name or a missing required
environment variable fails immediately and creates no job. On success the
install runs in the background; poll provision_status with the returned
job_id.`
}
func (t *ProvisionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"server_name": map[string]interface{}{
				"type":        "string",
				"description": "Manifest entry to install, e.g. \"github\"",
			},
			"env": map[string]interface{}{
				"type":        "object",
				"description": "Extra environment variables for install and launch",
			},
		},
		"required": []interface{}{"server_name"},
	}
}
func (t *ProvisionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	name := getStringArg(args, "server_name")
	if name == "" {
		return nil, Errorf(CodeInvalidArgument, "server_name is required")
	}
	jobID, err := t.provisioner.Provision(ctx, name, getStringMapArg(args, "env"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"job_id": jobID}, nil
}

// ProvisionStatusTool reports install job progress.
type ProvisionStatusTool struct {
	provisioner *provision.Provisioner
}

func (t *ProvisionStatusTool) Name() string { return "provision_status" }
func (t *ProvisionStatusTool) Description() string {
	return `Poll an install job started by provision. Terminal jobs stay
queryable for fifteen minutes.`
}
func (t *ProvisionStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"job_id": map[string]interface{}{
				"type":        "string",
				"description": "Job id returned by provision",
			},
		},
		"required": []interface{}{"job_id"},
	}
}
func (t *ProvisionStatusTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	jobID := getStringArg(args, "job_id")
	if jobID == "" {
		return nil, Errorf(CodeInvalidArgument, "job_id is required")
	}
	job, ok := t.provisioner.Status(jobID)
	if !ok {
		return nil, Errorf(CodeInvalidArgument, "unknown job id %q", jobID)
	}
	return job, nil
}
