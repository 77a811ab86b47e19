package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"mcp-gateway/internal/config"
	"mcp-gateway/internal/policy"
	"mcp-gateway/internal/session"
)

const (
	// AvailabilityOnline marks entries whose session is currently serving.
	AvailabilityOnline = "online"
	// AvailabilityOffline marks entries retained from a session that left
	// the ready state; they survive until the next successful fetch.
	AvailabilityOffline = "offline"

	// shortDescriptionMax is the hard cap for tool card descriptions.
	shortDescriptionMax = 140
)

// Catalog lookup errors. ErrToolDenied is distinct so the dispatcher can
// report a policy block on a known tool apart from an unknown tool id.
var (
	ErrToolNotFound = errors.New("tool not found")
	ErrToolDenied   = errors.New("tool denied by policy")
)

// ToolCard is the compact descriptor returned by catalog search.
type ToolCard struct {
	ToolID           string   `json:"tool_id"`
	Server           string   `json:"server"`
	ToolName         string   `json:"tool_name"`
	ShortDescription string   `json:"short_description"`
	Tags             []string `json:"tags,omitempty"`
	Availability     string   `json:"availability"`
	RiskHint         string   `json:"risk_hint,omitempty"`
}

// ToolSchema is the full definition served by describe.
type ToolSchema struct {
	ToolID      string                 `json:"tool_id"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	SafetyNotes string                 `json:"safety_notes,omitempty"`
}

// Resource is a proxied downstream resource.
type Resource struct {
	URI          string `json:"uri"`
	Server       string `json:"server"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
	MIMEType     string `json:"mimeType,omitempty"`
	Availability string `json:"availability"`
}

// Prompt is a proxied downstream prompt, namespaced like tools.
type Prompt struct {
	PromptID     string              `json:"prompt_id"`
	Server       string              `json:"server"`
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	Arguments    []session.PromptArg `json:"arguments,omitempty"`
	Availability string              `json:"availability"`
}

// snapshot is one internally consistent catalog build. Snapshots are
// immutable after construction and swapped atomically, so readers never see
// a partial rebuild.
type snapshot struct {
	tools     []ToolCard
	schemas   map[string]ToolSchema
	owners    map[string]string
	resources []Resource
	prompts   []Prompt
	builtAt   time.Time
}

func emptySnapshot() *snapshot {
	return &snapshot{
		schemas: make(map[string]ToolSchema),
		owners:  make(map[string]string),
	}
}

// Registry aggregates tool, resource, and prompt inventories across
// sessions under the "<server>::<name>" namespace.
type Registry struct {
	pol atomicPolicy

	mu   sync.RWMutex
	snap *snapshot
}

// atomicPolicy lets refresh swap the policy without holding the snapshot
// lock during downstream fetches.
type atomicPolicy struct {
	mu  sync.RWMutex
	pol *policy.Policy
}

func (a *atomicPolicy) get() *policy.Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pol
}

func (a *atomicPolicy) set(p *policy.Policy) {
	a.mu.Lock()
	a.pol = p
	a.mu.Unlock()
}

// NewRegistry builds an empty registry governed by the given policy.
func NewRegistry(pol *policy.Policy) *Registry {
	r := &Registry{snap: emptySnapshot()}
	r.pol.set(pol)
	return r
}

// SetPolicy swaps the governing policy; takes effect on the next read.
func (r *Registry) SetPolicy(pol *policy.Policy) { r.pol.set(pol) }

// Policy returns the current policy.
func (r *Registry) Policy() *policy.Policy { return r.pol.get() }

// BuiltAt returns when the current snapshot was assembled.
func (r *Registry) BuiltAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.builtAt
}

// ToolCount returns per-server visible tool counts for health reporting.
func (r *Registry) ToolCount() map[string]int {
	snap := r.current()
	pol := r.pol.get()
	counts := make(map[string]int)
	for _, card := range snap.tools {
		if !pol.AllowServer(card.Server) || !pol.AllowTool(card.ToolID) {
			continue
		}
		counts[card.Server]++
	}
	return counts
}

func (r *Registry) current() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Rebuild pulls inventories from every ready or degraded session and swaps
// in a fresh snapshot. Entries from sessions that stopped serving are
// retained but marked offline until their next successful fetch; entries
// whose server vanished from the registry are dropped. Rebuild takes no
// lock of its own while fetching, so concurrent calls are not serialized
// here, and it never blocks readers of the prior snapshot.
func (r *Registry) Rebuild(ctx context.Context, mgr *session.Manager) {
	prev := r.current()
	next := emptySnapshot()
	next.builtAt = time.Now()
	limit := r.pol.get().Limits()

	for _, s := range mgr.Sessions() {
		name := s.Name()
		switch s.State() {
		case session.StateReady, session.StateDegraded:
			tools, terr := s.ListTools(ctx)
			resources, rerr := s.ListResources(ctx)
			prompts, perr := s.ListPrompts(ctx)
			if err := firstError(terr, rerr, perr); err != nil {
				log.Printf("catalog: inventory fetch for %s: %v", name, err)
				s.MarkDegraded(err)
				carryOver(prev, next, name)
				continue
			}
			s.MarkReady()
			addInventory(next, name, tools, resources, prompts, limit.MaxToolsPerServer)
		default:
			// Not serving: keep whatever we knew, flagged offline.
			carryOver(prev, next, name)
		}
	}

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// addInventory namespaces and records one server's live inventory. The
// per-server tool cap truncates in server-provided order.
func addInventory(snap *snapshot, server string, tools []session.ToolDef, resources []session.ResourceDef, prompts []session.PromptDef, maxTools int) {
	if len(tools) > maxTools {
		log.Printf("catalog: %s advertises %d tools, capping at %d", server, len(tools), maxTools)
		tools = tools[:maxTools]
	}
	for _, t := range tools {
		if strings.Contains(t.Name, config.NameSeparator) {
			log.Printf("catalog: %s: skipping tool %q: name contains %q", server, t.Name, config.NameSeparator)
			continue
		}
		id := server + config.NameSeparator + t.Name
		snap.tools = append(snap.tools, ToolCard{
			ToolID:           id,
			Server:           server,
			ToolName:         t.Name,
			ShortDescription: shortDescription(t.Description),
			Tags:             toolTags(t.Annotations),
			Availability:     AvailabilityOnline,
			RiskHint:         riskHint(t.Annotations),
		})
		snap.schemas[id] = ToolSchema{
			ToolID:      id,
			Description: t.Description,
			InputSchema: t.InputSchema,
			SafetyNotes: safetyNotes(t.Annotations),
		}
		snap.owners[id] = server
	}
	for _, res := range resources {
		snap.resources = append(snap.resources, Resource{
			URI:          res.URI,
			Server:       server,
			Name:         res.Name,
			Description:  res.Description,
			MIMEType:     res.MIMEType,
			Availability: AvailabilityOnline,
		})
	}
	for _, p := range prompts {
		if strings.Contains(p.Name, config.NameSeparator) {
			continue
		}
		snap.prompts = append(snap.prompts, Prompt{
			PromptID:     server + config.NameSeparator + p.Name,
			Server:       server,
			Name:         p.Name,
			Description:  p.Description,
			Arguments:    p.Arguments,
			Availability: AvailabilityOnline,
		})
	}
	sortSnapshot(snap)
}

// carryOver keeps a non-serving server's previous entries, marked offline.
func carryOver(prev, next *snapshot, server string) {
	for _, card := range prev.tools {
		if card.Server != server {
			continue
		}
		card.Availability = AvailabilityOffline
		next.tools = append(next.tools, card)
		next.schemas[card.ToolID] = prev.schemas[card.ToolID]
		next.owners[card.ToolID] = server
	}
	for _, res := range prev.resources {
		if res.Server != server {
			continue
		}
		res.Availability = AvailabilityOffline
		next.resources = append(next.resources, res)
	}
	for _, p := range prev.prompts {
		if p.Server != server {
			continue
		}
		p.Availability = AvailabilityOffline
		next.prompts = append(next.prompts, p)
	}
	sortSnapshot(next)
}

func sortSnapshot(snap *snapshot) {
	sort.Slice(snap.tools, func(i, j int) bool {
		if snap.tools[i].Server != snap.tools[j].Server {
			return snap.tools[i].Server < snap.tools[j].Server
		}
		return snap.tools[i].ToolName < snap.tools[j].ToolName
	})
	sort.Slice(snap.resources, func(i, j int) bool {
		if snap.resources[i].Server != snap.resources[j].Server {
			return snap.resources[i].Server < snap.resources[j].Server
		}
		return snap.resources[i].URI < snap.resources[j].URI
	})
	sort.Slice(snap.prompts, func(i, j int) bool {
		return snap.prompts[i].PromptID < snap.prompts[j].PromptID
	})
}

// Schema resolves a tool id for describe: the full schema when visible,
// ErrToolDenied when policy blocks it, ErrToolNotFound otherwise.
func (r *Registry) Schema(toolID string) (ToolSchema, error) {
	snap := r.current()
	schema, ok := snap.schemas[toolID]
	if !ok {
		return ToolSchema{}, fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
	}
	pol := r.pol.get()
	if !pol.AllowServer(snap.owners[toolID]) || !pol.AllowTool(toolID) {
		return ToolSchema{}, fmt.Errorf("%w: %s", ErrToolDenied, toolID)
	}
	return schema, nil
}

// Owner resolves the session name for an invoke, applying the same policy
// gate as Schema.
func (r *Registry) Owner(toolID string) (string, ToolSchema, error) {
	schema, err := r.Schema(toolID)
	if err != nil {
		return "", ToolSchema{}, err
	}
	return r.current().owners[toolID], schema, nil
}

// Resources returns the policy-filtered resource listing.
func (r *Registry) Resources() []Resource {
	snap := r.current()
	pol := r.pol.get()
	out := make([]Resource, 0, len(snap.resources))
	for _, res := range snap.resources {
		if !pol.AllowServer(res.Server) || !pol.AllowResource(res.URI) {
			continue
		}
		out = append(out, res)
	}
	return out
}

// ResourceOwner resolves which server serves a URI, respecting policy.
func (r *Registry) ResourceOwner(uri string) (string, bool) {
	pol := r.pol.get()
	if !pol.AllowResource(uri) {
		return "", false
	}
	for _, res := range r.current().resources {
		if res.URI == uri && pol.AllowServer(res.Server) {
			return res.Server, true
		}
	}
	return "", false
}

// Prompts returns the policy-filtered prompt listing.
func (r *Registry) Prompts() []Prompt {
	snap := r.current()
	pol := r.pol.get()
	out := make([]Prompt, 0, len(snap.prompts))
	for _, p := range snap.prompts {
		if !pol.AllowServer(p.Server) || !pol.AllowPrompt(p.PromptID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// PromptOwner resolves a namespaced prompt id, respecting policy.
func (r *Registry) PromptOwner(promptID string) (string, string, bool) {
	pol := r.pol.get()
	if !pol.AllowPrompt(promptID) {
		return "", "", false
	}
	for _, p := range r.current().prompts {
		if p.PromptID == promptID && pol.AllowServer(p.Server) {
			return p.Server, p.Name, true
		}
	}
	return "", "", false
}

// visibleTools returns the policy-filtered card list from one snapshot.
func (r *Registry) visibleTools() []ToolCard {
	snap := r.current()
	pol := r.pol.get()
	out := make([]ToolCard, 0, len(snap.tools))
	for _, card := range snap.tools {
		if !pol.AllowServer(card.Server) || !pol.AllowTool(card.ToolID) {
			continue
		}
		out = append(out, card)
	}
	return out
}

// shortDescription takes the first sentence and hard-truncates to the card
// limit with an ellipsis.
func shortDescription(desc string) string {
	desc = strings.TrimSpace(desc)
	if idx := strings.Index(desc, ". "); idx >= 0 {
		desc = desc[:idx+1]
	}
	if utf8.RuneCountInString(desc) <= shortDescriptionMax {
		return desc
	}
	runes := []rune(desc)
	return string(runes[:shortDescriptionMax-1]) + "…"
}

func toolTags(annotations map[string]interface{}) []string {
	raw, ok := annotations["tags"].([]interface{})
	if !ok {
		return nil
	}
	var tags []string
	for _, t := range raw {
		if s, ok := t.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags
}

// riskHint derives a coarse hint from MCP tool annotations.
func riskHint(annotations map[string]interface{}) string {
	if destructive, ok := annotations["destructiveHint"].(bool); ok && destructive {
		return "destructive"
	}
	if readOnly, ok := annotations["readOnlyHint"].(bool); ok && readOnly {
		return "read-only"
	}
	if openWorld, ok := annotations["openWorldHint"].(bool); ok && openWorld {
		return "open-world"
	}
	return ""
}

func safetyNotes(annotations map[string]interface{}) string {
	if notes, ok := annotations["safetyNotes"].(string); ok {
		return notes
	}
	return ""
}
