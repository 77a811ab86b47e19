// Package capability ranks manifest entries and running servers against a
// natural-language request for functionality.
package capability

import (
	"context"
	"sort"
	"strings"

	"mcp-gateway/internal/catalog"
	"mcp-gateway/internal/manifest"
)

// Candidate types returned by a match.
const (
	TypeServerRunning  = "server_running"
	TypeServerManifest = "server_manifest"
	TypeTool           = "tool"
)

const (
	// lexicalCeiling leaves headroom for the bonuses below 1.0.
	lexicalCeiling = 0.85
	runningBonus   = 0.1
	envReadyBonus  = 0.05
)

// Candidate is one ranked answer to a capability query.
type Candidate struct {
	Name           string  `json:"name"`
	CandidateType  string  `json:"candidate_type"`
	Description    string  `json:"description,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`
	IsRunning      bool    `json:"is_running"`
	RequiresAPIKey bool    `json:"requires_api_key"`
	MissingEnv     []string `json:"missing_env,omitempty"`
	InstallHint    string  `json:"install_hint,omitempty"`
}

// RunningServer describes one live session for scoring purposes.
type RunningServer struct {
	Name        string
	Description string
}

// Scorer ranks candidates for a query. The lexical implementation is the
// default; an LLM-backed variant can be dropped in through NewMatcher.
type Scorer interface {
	Score(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error)
}

// Matcher combines the manifest catalog with live gateway state.
type Matcher struct {
	store  *manifest.Store
	scorer Scorer
}

// NewMatcher builds a matcher. A nil scorer selects the lexical default.
func NewMatcher(store *manifest.Store, scorer Scorer) *Matcher {
	if scorer == nil {
		scorer = lexicalScorer{}
	}
	return &Matcher{store: store, scorer: scorer}
}

// Match ranks every manifest entry, running server, and visible tool
// against the query, highest relevance first.
func (m *Matcher) Match(ctx context.Context, query string, running []RunningServer, tools []catalog.ToolCard) ([]Candidate, error) {
	runningSet := make(map[string]bool, len(running))
	for _, r := range running {
		runningSet[r.Name] = true
	}

	var candidates []Candidate
	for _, entry := range m.store.Entries() {
		if runningSet[entry.Name] {
			// Reported once, as a running server, below.
			continue
		}
		missing := entry.MissingEnv(nil)
		candidates = append(candidates, Candidate{
			Name:           entry.Name,
			CandidateType:  TypeServerManifest,
			Description:    entry.Description,
			RelevanceScore: lexicalScore(query, entry.Name, entry.Description, entry.Tags),
			RequiresAPIKey: len(entry.RequiredEnv) > 0,
			MissingEnv:     missing,
			InstallHint:    installHint(entry),
		})
	}
	for _, server := range running {
		var tags []string
		if entry, ok := m.store.Get(server.Name); ok {
			tags = entry.Tags
		}
		candidates = append(candidates, Candidate{
			Name:           server.Name,
			CandidateType:  TypeServerRunning,
			Description:    server.Description,
			RelevanceScore: lexicalScore(query, server.Name, server.Description, tags),
			IsRunning:      true,
		})
	}
	for _, card := range tools {
		candidates = append(candidates, Candidate{
			Name:           card.ToolID,
			CandidateType:  TypeTool,
			Description:    card.ShortDescription,
			RelevanceScore: lexicalScore(query, card.ToolName, card.ShortDescription, card.Tags),
			IsRunning:      card.Availability == catalog.AvailabilityOnline,
		})
	}

	for i := range candidates {
		c := &candidates[i]
		if c.IsRunning {
			c.RelevanceScore += runningBonus
		}
		if c.CandidateType == TypeServerManifest && c.RequiresAPIKey && len(c.MissingEnv) == 0 {
			c.RelevanceScore += envReadyBonus
		}
		if c.RelevanceScore > 1 {
			c.RelevanceScore = 1
		}
	}

	ranked, err := m.scorer.Score(ctx, query, candidates)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RelevanceScore > ranked[j].RelevanceScore
	})
	return ranked, nil
}

func installHint(entry manifest.Entry) string {
	if len(entry.Install) == 0 {
		return ""
	}
	return strings.Join(entry.Install[0], " ")
}

// lexicalScorer keeps the scores computed by Match; it exists so the
// Scorer seam has a deterministic default.
type lexicalScorer struct{}

func (lexicalScorer) Score(_ context.Context, _ string, candidates []Candidate) ([]Candidate, error) {
	return candidates, nil
}

// lexicalScore is the token-overlap fraction between the query and the
// candidate's name, description, and tags, scaled below the bonus headroom.
func lexicalScore(query, name, description string, tags []string) float64 {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}
	haystack := make(map[string]bool)
	for _, t := range tokenize(name) {
		haystack[t] = true
	}
	for _, t := range tokenize(description) {
		haystack[t] = true
	}
	for _, tag := range tags {
		for _, t := range tokenize(tag) {
			haystack[t] = true
		}
	}

	hits := 0
	for _, t := range queryTokens {
		if haystack[t] {
			hits++
		}
	}
	return lexicalCeiling * float64(hits) / float64(len(queryTokens))
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
