package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPolicyPath overrides policy discovery with an explicit file.
	EnvPolicyPath = "MCP_GATEWAY_POLICY"

	// DefaultMaxToolsPerServer bounds how many tools one downstream may
	// contribute to the catalog.
	DefaultMaxToolsPerServer = 50
	// DefaultMaxOutputBytes caps serialized downstream results.
	DefaultMaxOutputBytes = 65536
	// DefaultMaxOutputTokens caps the estimated token count (bytes/4).
	DefaultMaxOutputTokens = 16384
)

// Rules holds allow/deny glob patterns for one entry kind.
// An empty allowlist admits everything; denial always wins.
type Rules struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// Limits holds the numeric caps applied at the dispatcher boundary.
type Limits struct {
	MaxToolsPerServer int `yaml:"max_tools_per_server"`
	MaxOutputBytes    int `yaml:"max_output_bytes"`
	MaxOutputTokens   int `yaml:"max_output_tokens"`
}

// Redaction lists regex patterns scrubbed from every outgoing payload.
type Redaction struct {
	Patterns []string `yaml:"patterns"`
}

// File is the on-disk policy document (YAML or JSON; YAML parses both).
type File struct {
	Servers   Rules     `yaml:"servers"`
	Tools     Rules     `yaml:"tools"`
	Resources Rules     `yaml:"resources"`
	Prompts   Rules     `yaml:"prompts"`
	Limits    Limits    `yaml:"limits"`
	Redaction Redaction `yaml:"redaction"`
}

// matcher is one compiled allow/deny rule set.
type matcher struct {
	allow []glob.Glob
	deny  []glob.Glob
}

func (m matcher) allows(name string) bool {
	for _, g := range m.deny {
		if g.Match(name) {
			return false
		}
	}
	if len(m.allow) == 0 {
		return true
	}
	for _, g := range m.allow {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Policy is the compiled form applied on every user-visible payload.
type Policy struct {
	servers   matcher
	tools     matcher
	resources matcher
	prompts   matcher
	limits    Limits
	redact    []*regexp.Regexp
}

// Default returns the permissive policy used when no file is present.
func Default() *Policy {
	p, err := Compile(File{})
	if err != nil {
		// Compiling the zero file cannot fail.
		panic(err)
	}
	return p
}

// DiscoverPath resolves the policy file location: explicit flag, then
// MCP_GATEWAY_POLICY, then ~/.claude/gateway-policy.yaml. Empty means no
// file was found and the permissive default applies.
func DiscoverPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvPolicyPath); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	fallback := filepath.Join(home, ".claude", "gateway-policy.yaml")
	if _, err := os.Stat(fallback); err != nil {
		return ""
	}
	return fallback
}

// Load reads and compiles a policy file. An empty path yields the default.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy %s: %w", path, err)
	}
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing policy %s: %w", path, err)
	}
	p, err := Compile(file)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Compile validates and compiles the raw policy file.
func Compile(file File) (*Policy, error) {
	p := &Policy{limits: file.Limits}
	if p.limits.MaxToolsPerServer <= 0 {
		p.limits.MaxToolsPerServer = DefaultMaxToolsPerServer
	}
	if p.limits.MaxOutputBytes <= 0 {
		p.limits.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if p.limits.MaxOutputTokens <= 0 {
		p.limits.MaxOutputTokens = DefaultMaxOutputTokens
	}

	var err error
	if p.servers, err = compileRules(file.Servers); err != nil {
		return nil, fmt.Errorf("servers: %w", err)
	}
	if p.tools, err = compileRules(file.Tools); err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	if p.resources, err = compileRules(file.Resources); err != nil {
		return nil, fmt.Errorf("resources: %w", err)
	}
	if p.prompts, err = compileRules(file.Prompts); err != nil {
		return nil, fmt.Errorf("prompts: %w", err)
	}

	for _, pattern := range file.Redaction.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", pattern, err)
		}
		p.redact = append(p.redact, re)
	}
	return p, nil
}

func compileRules(rules Rules) (matcher, error) {
	var m matcher
	for _, pattern := range rules.Allowlist {
		g, err := glob.Compile(pattern)
		if err != nil {
			return m, fmt.Errorf("allowlist pattern %q: %w", pattern, err)
		}
		m.allow = append(m.allow, g)
	}
	for _, pattern := range rules.Denylist {
		g, err := glob.Compile(pattern)
		if err != nil {
			return m, fmt.Errorf("denylist pattern %q: %w", pattern, err)
		}
		m.deny = append(m.deny, g)
	}
	return m, nil
}

// AllowServer reports whether the server passes server policy.
func (p *Policy) AllowServer(name string) bool { return p.servers.allows(name) }

// AllowTool reports whether a namespaced tool id passes tool policy.
func (p *Policy) AllowTool(id string) bool { return p.tools.allows(id) }

// AllowResource reports whether a resource URI passes resource policy.
func (p *Policy) AllowResource(uri string) bool { return p.resources.allows(uri) }

// AllowPrompt reports whether a namespaced prompt name passes prompt policy.
func (p *Policy) AllowPrompt(name string) bool { return p.prompts.allows(name) }

// Limits returns the numeric caps.
func (p *Policy) Limits() Limits { return p.limits }
