package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"mcp-gateway/internal/capability"
	"mcp-gateway/internal/catalog"
	"mcp-gateway/internal/config"
	"mcp-gateway/internal/manifest"
	"mcp-gateway/internal/policy"
	"mcp-gateway/internal/provision"
	"mcp-gateway/internal/session"
	"mcp-gateway/internal/session/mock"
)

// nopRunner satisfies provision.Runner without touching the host.
type nopRunner struct{}

func (nopRunner) Run(context.Context, []string, map[string]string) (string, error) {
	return "ok", nil
}

type fixture struct {
	srv      *Server
	mgr      *session.Manager
	registry *catalog.Registry
	cfg      *config.Config
}

// newFixture stands up a full gateway over mock downstreams.
func newFixture(t *testing.T, servers map[string]*mock.Server, polFile policy.File) *fixture {
	t.Helper()
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	cfg := &config.Config{Servers: make(map[string]config.ServerSpec)}
	for name := range servers {
		cfg.Servers[name] = config.ServerSpec{Name: name, Command: "mock-" + name}
	}

	pol, err := policy.Compile(polFile)
	if err != nil {
		t.Fatalf("compile policy: %v", err)
	}

	mgr := session.NewManager(func(spec config.ServerSpec) session.Transport {
		return servers[spec.Name].Transport()
	})
	mgr.SetRetryBackoff(nil)
	registry := catalog.NewRegistry(pol)
	store := manifest.New()

	f := &fixture{mgr: mgr, registry: registry, cfg: cfg}

	provisioner := provision.New(store, nopRunner{}, func(ctx context.Context, spec config.ServerSpec) error {
		single := &config.Config{Servers: map[string]config.ServerSpec{spec.Name: spec}}
		if errs := mgr.Refresh(ctx, single, spec.Name, false); len(errs) > 0 {
			return errs[spec.Name]
		}
		registry.Rebuild(ctx, mgr)
		return nil
	})

	srv, err := NewServer(Options{
		Name:        "mcp-gateway-test",
		Version:     "0.0.0",
		Sessions:    mgr,
		Registry:    registry,
		Matcher:     capability.NewMatcher(store, nil),
		Provisioner: provisioner,
		Manifest:    store,
		LoadConfig:  func() (*config.Config, error) { return f.cfg, nil },
		LoadPolicy:  func() (*policy.Policy, error) { return pol, nil },
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	f.srv = srv

	mgr.StartAll(context.Background(), cfg)
	t.Cleanup(mgr.CloseAll)
	registry.Rebuild(context.Background(), mgr)
	srv.SyncUpstream()
	return f
}

func (f *fixture) exec(t *testing.T, tool string, args map[string]interface{}) Envelope {
	t.Helper()
	if args == nil {
		args = map[string]interface{}{}
	}
	return f.srv.ExecuteTool(context.Background(), tool, args)
}

func assertOK(t *testing.T, env Envelope) {
	t.Helper()
	if !env.OK {
		t.Fatalf("expected ok envelope, got error %+v", env.Error)
	}
}

func assertErrCode(t *testing.T, env Envelope, code string) {
	t.Helper()
	if env.OK {
		t.Fatalf("expected error envelope, got ok: %s", env.Result)
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, env.Error.Code, env.Error.Message)
	}
}

func helloServer() *mock.Server {
	return &mock.Server{
		Name: "server-a",
		Tools: []mock.ToolSpec{{
			Name:        "hello",
			Description: "Say hello to someone.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"name": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"name"},
			},
		}},
		HandleCall: func(call mock.Call, _ *mock.Responder) (interface{}, error) {
			return map[string]interface{}{"greeting": "hello " + call.Args["name"].(string)}, nil
		},
	}
}

// Scenario: one healthy server, one that fails to launch. Health reports
// both; the catalog carries only the healthy server's tool.
func TestPartialStartup(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{
		"A": helloServer(),
		"B": {FailStart: true},
	}, policy.File{})

	env := f.exec(t, "health", nil)
	assertOK(t, env)
	var health struct {
		Servers []session.Status `json:"servers"`
	}
	if err := json.Unmarshal(env.Result, &health); err != nil {
		t.Fatalf("parse health: %v", err)
	}
	states := make(map[string]session.State)
	for _, s := range health.Servers {
		states[s.Name] = s.State
	}
	if states["A"] != session.StateReady || states["B"] != session.StateFailed {
		t.Errorf("expected A ready / B failed, got %v", states)
	}

	env = f.exec(t, "catalog_search", nil)
	assertOK(t, env)
	var result catalog.SearchResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("parse search: %v", err)
	}
	if result.TotalAvailable != 1 || result.Cards[0].ToolID != "A::hello" {
		t.Errorf("expected only A::hello, got %+v", result.Cards)
	}
}

// Scenario: a denylisted tool is invisible to search and describe returns
// ToolDenied rather than ToolNotFound.
func TestDenylistedTool(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{
		"X": {Tools: []mock.ToolSpec{{Name: "delete_all", Description: "Delete everything."}}},
	}, policy.File{Tools: policy.Rules{Denylist: []string{"*::delete_*"}}})

	env := f.exec(t, "catalog_search", map[string]interface{}{"query": "delete"})
	assertOK(t, env)
	var result catalog.SearchResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("parse search: %v", err)
	}
	if len(result.Cards) != 0 {
		t.Errorf("denied tool must not appear in search: %+v", result.Cards)
	}

	env = f.exec(t, "describe", map[string]interface{}{"tool_id": "X::delete_all"})
	assertErrCode(t, env, CodeToolDenied)
}

func TestDescribeUnknownTool(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{"A": helloServer()}, policy.File{})

	env := f.exec(t, "describe", map[string]interface{}{"tool_id": "A::no_such"})
	assertErrCode(t, env, CodeToolNotFound)
}

// Law: every card surfaced by catalog_search must describe successfully.
func TestSearchResultsAlwaysDescribe(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{
		"A": helloServer(),
		"C": {Tools: []mock.ToolSpec{{Name: "list"}, {Name: "fetch"}}},
	}, policy.File{})

	env := f.exec(t, "catalog_search", nil)
	assertOK(t, env)
	var result catalog.SearchResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("parse search: %v", err)
	}
	for _, card := range result.Cards {
		d := f.exec(t, "describe", map[string]interface{}{"tool_id": card.ToolID})
		if !d.OK && d.Error.Code == CodeToolNotFound {
			t.Errorf("card %s from search must never describe as ToolNotFound", card.ToolID)
		}
	}
}

func TestInvokeHappyPath(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{"A": helloServer()}, policy.File{})

	env := f.exec(t, "invoke", map[string]interface{}{
		"tool_id":   "A::hello",
		"arguments": map[string]interface{}{"name": "world"},
	})
	assertOK(t, env)
	if !strings.Contains(string(env.Result), "hello world") {
		t.Errorf("unexpected result: %s", env.Result)
	}
}

func TestInvokeMissingRequiredArgument(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{"A": helloServer()}, policy.File{})

	env := f.exec(t, "invoke", map[string]interface{}{
		"tool_id":   "A::hello",
		"arguments": map[string]interface{}{},
	})
	assertErrCode(t, env, CodeInvalidArgument)
}

func TestInvokeUnknownTool(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{"A": helloServer()}, policy.File{})

	env := f.exec(t, "invoke", map[string]interface{}{"tool_id": "A::ghost"})
	assertErrCode(t, env, CodeToolNotFound)
}

// Scenario: a 100-byte result against max_output_bytes=50 truncates with
// the original size on the envelope.
func TestInvokeSizeCap(t *testing.T) {
	server := &mock.Server{
		Tools: []mock.ToolSpec{{Name: "blob"}},
		HandleCall: func(mock.Call, *mock.Responder) (interface{}, error) {
			// Serializes to exactly 100 bytes.
			return map[string]interface{}{"data": strings.Repeat("x", 89)}, nil
		},
	}
	f := newFixture(t, map[string]*mock.Server{"A": server},
		policy.File{Limits: policy.Limits{MaxOutputBytes: 50, MaxOutputTokens: 10000}})

	env := f.exec(t, "invoke", map[string]interface{}{"tool_id": "A::blob"})
	assertOK(t, env)
	if !env.Truncated {
		t.Error("expected truncated envelope")
	}
	if env.RawSizeEstimate != 100 {
		t.Errorf("expected raw_size_estimate 100, got %d", env.RawSizeEstimate)
	}
	if !json.Valid(env.Result) {
		t.Error("truncated result must remain valid JSON")
	}
}

// Scenario: downstream secrets are masked in place.
func TestInvokeRedaction(t *testing.T) {
	server := &mock.Server{
		Tools: []mock.ToolSpec{{Name: "leak"}},
		HandleCall: func(mock.Call, *mock.Responder) (interface{}, error) {
			return map[string]interface{}{"log": "api_key=secret123"}, nil
		},
	}
	f := newFixture(t, map[string]*mock.Server{"A": server},
		policy.File{Redaction: policy.Redaction{Patterns: []string{`api_key=(\w+)`}}})

	env := f.exec(t, "invoke", map[string]interface{}{"tool_id": "A::leak"})
	assertOK(t, env)
	var result struct {
		Log string `json:"log"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if result.Log != "api_key=***" {
		t.Errorf("expected redacted log, got %q", result.Log)
	}
}

func TestInvokeAfterSessionDeath(t *testing.T) {
	server := helloServer()
	f := newFixture(t, map[string]*mock.Server{"A": server}, policy.File{})

	server.Disconnect()
	sess, _ := f.mgr.Get("A")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sess.State() != session.StateFailed {
		time.Sleep(5 * time.Millisecond)
	}

	env := f.exec(t, "invoke", map[string]interface{}{
		"tool_id":   "A::hello",
		"arguments": map[string]interface{}{"name": "world"},
	})
	assertErrCode(t, env, CodeSessionClosed)
}

// Scenario: provisioning without the required credential is refused
// synchronously, naming the variable, and creates no job.
func TestProvisionMissingEnv(t *testing.T) {
	t.Setenv("GITHUB_PERSONAL_ACCESS_TOKEN", "")
	f := newFixture(t, map[string]*mock.Server{"A": helloServer()}, policy.File{})

	env := f.exec(t, "provision", map[string]interface{}{"server_name": "github"})
	assertErrCode(t, env, CodeProvisionFailed)
	if !strings.Contains(env.Error.Message, "GITHUB_PERSONAL_ACCESS_TOKEN") {
		t.Errorf("error must name the missing variable, got %q", env.Error.Message)
	}
}

func TestProvisionAndStatusFlow(t *testing.T) {
	servers := map[string]*mock.Server{
		"A":          helloServer(),
		"filesystem": {Name: "filesystem", Tools: []mock.ToolSpec{{Name: "read_file"}}},
	}
	f := newFixture(t, servers, policy.File{})
	// Drop filesystem from the gateway first so provisioning introduces it.
	delete(f.cfg.Servers, "filesystem")
	if _, err := f.srv.Refresh(context.Background(), "", false); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pre := f.exec(t, "catalog_search", map[string]interface{}{"query": "read_file"}); strings.Contains(string(pre.Result), "filesystem::read_file") {
		t.Fatal("fixture still serves filesystem before provisioning")
	}

	env := f.exec(t, "provision", map[string]interface{}{"server_name": "filesystem"})
	assertOK(t, env)
	var created struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(env.Result, &created); err != nil || created.JobID == "" {
		t.Fatalf("expected a job id, got %s (err %v)", env.Result, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		env = f.exec(t, "provision_status", map[string]interface{}{"job_id": created.JobID})
		assertOK(t, env)
		var job provision.Job
		if err := json.Unmarshal(env.Result, &job); err != nil {
			t.Fatalf("parse job: %v", err)
		}
		if job.State == provision.StateCompleted {
			break
		}
		if job.State == provision.StateFailed {
			t.Fatalf("provision failed: %s", job.Progress)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", job.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The new server's tools are now in the catalog.
	search := f.exec(t, "catalog_search", map[string]interface{}{"query": "read_file"})
	assertOK(t, search)
	if !strings.Contains(string(search.Result), "filesystem::read_file") {
		t.Errorf("provisioned server's tools must join the catalog: %s", search.Result)
	}
}

func TestProvisionStatusUnknownJob(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{"A": helloServer()}, policy.File{})
	env := f.exec(t, "provision_status", map[string]interface{}{"job_id": "nope"})
	assertErrCode(t, env, CodeInvalidArgument)
}

func TestRefreshPicksUpAddedServer(t *testing.T) {
	servers := map[string]*mock.Server{
		"A": helloServer(),
		"C": {Name: "C", Tools: []mock.ToolSpec{{Name: "added_tool"}}},
	}
	f := newFixture(t, servers, policy.File{})
	delete(f.cfg.Servers, "C")
	// Re-sync sessions to the trimmed config first.
	if _, err := f.srv.Refresh(context.Background(), "", false); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Now add C back and refresh through the meta-tool.
	f.cfg.Servers["C"] = config.ServerSpec{Name: "C", Command: "mock-C"}
	env := f.exec(t, "refresh", nil)
	assertOK(t, env)

	search := f.exec(t, "catalog_search", map[string]interface{}{"query": "added_tool"})
	assertOK(t, search)
	if !strings.Contains(string(search.Result), "C::added_tool") {
		t.Errorf("refresh must surface the added server's tools: %s", search.Result)
	}
}

func TestSyncEnvironment(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{"A": helloServer()}, policy.File{})

	env := f.exec(t, "sync_environment", nil)
	assertOK(t, env)
	var result struct {
		Platform struct {
			OS   string `json:"os"`
			Arch string `json:"arch"`
		} `json:"platform"`
		CLITools []manifest.ProbeResult `json:"cli_tools"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if result.Platform.OS == "" || result.Platform.Arch == "" {
		t.Error("platform must be reported")
	}
	if len(result.CLITools) == 0 {
		t.Error("probe list must be reported")
	}
}

func TestRequestCapability(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{"A": helloServer()}, policy.File{})

	env := f.exec(t, "request_capability", map[string]interface{}{"query": "github pull requests"})
	assertOK(t, env)
	var result struct {
		Candidates     []capability.Candidate `json:"candidates"`
		Recommendation string                 `json:"recommendation"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if len(result.Candidates) == 0 {
		t.Fatal("expected candidates")
	}
	if result.Candidates[0].Name != "github" {
		t.Errorf("expected github first, got %q", result.Candidates[0].Name)
	}
	if result.Recommendation == "" {
		t.Error("expected a recommendation string")
	}
}

func TestRequestCapabilityRequiresQuery(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{"A": helloServer()}, policy.File{})
	env := f.exec(t, "request_capability", nil)
	assertErrCode(t, env, CodeInvalidArgument)
}

func TestUnknownMetaTool(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{"A": helloServer()}, policy.File{})
	env := f.exec(t, "no_such_meta_tool", nil)
	assertErrCode(t, env, CodeToolNotFound)
}

func TestExactlyNineMetaTools(t *testing.T) {
	f := newFixture(t, map[string]*mock.Server{"A": helloServer()}, policy.File{})
	if got := len(f.srv.tools); got != 9 {
		t.Errorf("the upstream surface is exactly nine tools, got %d", got)
	}
}
