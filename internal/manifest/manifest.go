package manifest

import (
	"fmt"
	"os"
	"os/exec"
	"sort"

	"gopkg.in/yaml.v3"
)

// Entry describes one provisionable downstream server.
type Entry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
	// Install is the recipe: each step is an argv executed in order.
	Install [][]string `yaml:"install"`
	// Command and Args describe how to launch the server once installed.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// RequiredEnv lists environment variables that must be set before
	// provisioning may start.
	RequiredEnv []string `yaml:"required_env"`
}

// Store is the static catalog of known provisionable servers plus the host
// CLI probe list used by sync_environment.
type Store struct {
	entries map[string]Entry
	probes  []string
}

// file is the on-disk override shape.
type file struct {
	Servers []Entry  `yaml:"servers"`
	Probes  []string `yaml:"probes"`
}

// builtin is the default catalog shipped with the gateway. A user file, when
// present, is merged on top by name.
var builtin = []Entry{
	{
		Name:        "github",
		Description: "GitHub repository, issue, and pull request operations.",
		Tags:        []string{"git", "github", "issues", "pull-requests", "code-review"},
		Install:     [][]string{{"npm", "install", "-g", "@modelcontextprotocol/server-github"}},
		Command:     "mcp-server-github",
		RequiredEnv: []string{"GITHUB_PERSONAL_ACCESS_TOKEN"},
	},
	{
		Name:        "filesystem",
		Description: "Read, write, and search files under allowed directories.",
		Tags:        []string{"files", "filesystem", "read", "write", "search"},
		Install:     [][]string{{"npm", "install", "-g", "@modelcontextprotocol/server-filesystem"}},
		Command:     "mcp-server-filesystem",
	},
	{
		Name:        "postgres",
		Description: "Query PostgreSQL databases with schema inspection.",
		Tags:        []string{"database", "sql", "postgres", "query"},
		Install:     [][]string{{"npm", "install", "-g", "@modelcontextprotocol/server-postgres"}},
		Command:     "mcp-server-postgres",
		RequiredEnv: []string{"POSTGRES_CONNECTION_STRING"},
	},
	{
		Name:        "fetch",
		Description: "Fetch web pages and convert them to model-friendly text.",
		Tags:        []string{"http", "web", "fetch", "scrape"},
		Install:     [][]string{{"pip", "install", "mcp-server-fetch"}},
		Command:     "python",
		Args:        []string{"-m", "mcp_server_fetch"},
	},
	{
		Name:        "memory",
		Description: "Persistent knowledge-graph memory across conversations.",
		Tags:        []string{"memory", "knowledge-graph", "notes"},
		Install:     [][]string{{"npm", "install", "-g", "@modelcontextprotocol/server-memory"}},
		Command:     "mcp-server-memory",
	},
}

// defaultProbes are the host CLIs sync_environment looks for.
var defaultProbes = []string{"git", "gh", "docker", "kubectl", "npm", "node", "python", "pip", "psql", "rg"}

// New builds a store from the builtin catalog.
func New() *Store {
	s := &Store{entries: make(map[string]Entry, len(builtin)), probes: defaultProbes}
	for _, e := range builtin {
		s.entries[e.Name] = e
	}
	return s
}

// Load builds a store from the builtin catalog merged with an optional
// override file. A missing file is not an error.
func Load(path string) (*Store, error) {
	s := New()
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	for _, e := range f.Servers {
		if e.Name == "" {
			return nil, fmt.Errorf("manifest %s: entry without name", path)
		}
		s.entries[e.Name] = e
	}
	if len(f.Probes) > 0 {
		s.probes = f.Probes
	}
	return s, nil
}

// Get returns the entry for a server name.
func (s *Store) Get(name string) (Entry, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// Entries returns all entries sorted by name.
func (s *Store) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MissingEnv returns the required environment variables not currently set,
// considering extra as overrides supplied with the provision request.
func (e Entry) MissingEnv(extra map[string]string) []string {
	var missing []string
	for _, name := range e.RequiredEnv {
		if _, ok := extra[name]; ok {
			continue
		}
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// ProbeResult reports whether one host CLI was found.
type ProbeResult struct {
	Name  string `json:"name"`
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

// Probe checks the configured CLI list against PATH.
func (s *Store) Probe() []ProbeResult {
	out := make([]ProbeResult, 0, len(s.probes))
	for _, name := range s.probes {
		path, err := exec.LookPath(name)
		out = append(out, ProbeResult{Name: name, Found: err == nil, Path: path})
	}
	return out
}
