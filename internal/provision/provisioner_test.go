package provision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mcp-gateway/internal/config"
	"mcp-gateway/internal/manifest"
)

// fakeRunner records recipe steps and fails on demand.
type fakeRunner struct {
	mu       sync.Mutex
	steps    [][]string
	failStep int // 1-based step to fail; 0 never fails
}

func (r *fakeRunner) Run(_ context.Context, argv []string, _ map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, argv)
	if r.failStep > 0 && len(r.steps) == r.failStep {
		return "boom", errors.New("exit status 1")
	}
	return "ok", nil
}

func (r *fakeRunner) recorded() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.steps...)
}

func testStore(t *testing.T) *manifest.Store {
	t.Helper()
	return manifest.New()
}

func waitTerminal(t *testing.T, p *Provisioner, jobID string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := p.Status(jobID)
		if !ok {
			t.Fatalf("job %s disappeared", jobID)
		}
		if job.State == StateCompleted || job.State == StateFailed {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return Job{}
}

func TestProvisionUnknownServer(t *testing.T) {
	p := New(testStore(t), &fakeRunner{}, func(context.Context, config.ServerSpec) error { return nil })

	_, err := p.Provision(context.Background(), "no-such-server", nil)
	if !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("expected ErrUnknownServer, got %v", err)
	}
	if jobs := p.Jobs(); len(jobs) != 0 {
		t.Errorf("validation failure must create no job, got %v", jobs)
	}
}

func TestProvisionMissingEnvNamesVariable(t *testing.T) {
	t.Setenv("GITHUB_PERSONAL_ACCESS_TOKEN", "")
	p := New(testStore(t), &fakeRunner{}, func(context.Context, config.ServerSpec) error { return nil })

	_, err := p.Provision(context.Background(), "github", nil)
	if !errors.Is(err, ErrMissingEnv) {
		t.Fatalf("expected ErrMissingEnv, got %v", err)
	}
	if !strings.Contains(err.Error(), "GITHUB_PERSONAL_ACCESS_TOKEN") {
		t.Errorf("error must name the missing variable, got %q", err)
	}
	if jobs := p.Jobs(); len(jobs) != 0 {
		t.Errorf("validation failure must create no job, got %v", jobs)
	}
}

func TestProvisionSuccess(t *testing.T) {
	runner := &fakeRunner{}
	var started config.ServerSpec
	var mu sync.Mutex
	p := New(testStore(t), runner, func(_ context.Context, spec config.ServerSpec) error {
		mu.Lock()
		started = spec
		mu.Unlock()
		return nil
	})

	env := map[string]string{"GITHUB_PERSONAL_ACCESS_TOKEN": "ghp_test"}
	jobID, err := p.Provision(context.Background(), "github", env)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	job := waitTerminal(t, p, jobID)
	if job.State != StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.State, job.Progress)
	}
	if job.FinishedAt.IsZero() {
		t.Error("terminal jobs must stamp FinishedAt")
	}

	steps := runner.recorded()
	if len(steps) == 0 || steps[0][0] != "npm" {
		t.Errorf("install recipe did not run, got %v", steps)
	}
	mu.Lock()
	defer mu.Unlock()
	if started.Name != "github" || started.Command == "" {
		t.Errorf("server spec must reach the session layer, got %+v", started)
	}
	if started.Env["GITHUB_PERSONAL_ACCESS_TOKEN"] != "ghp_test" {
		t.Error("request env must flow into the launch spec")
	}
}

func TestProvisionFailureNamesStep(t *testing.T) {
	runner := &fakeRunner{failStep: 1}
	p := New(testStore(t), runner, func(context.Context, config.ServerSpec) error {
		t.Error("start must not run after a failed install step")
		return nil
	})

	jobID, err := p.Provision(context.Background(), "filesystem", nil)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	job := waitTerminal(t, p, jobID)
	if job.State != StateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if !strings.Contains(job.Progress, "step 1/") {
		t.Errorf("failure progress must name the step, got %q", job.Progress)
	}
}

func TestProvisionStartFailure(t *testing.T) {
	p := New(testStore(t), &fakeRunner{}, func(context.Context, config.ServerSpec) error {
		return errors.New("handshake refused")
	})

	jobID, err := p.Provision(context.Background(), "filesystem", nil)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	job := waitTerminal(t, p, jobID)
	if job.State != StateFailed {
		t.Fatalf("expected failed, got %s", job.State)
	}
	if !strings.Contains(job.Progress, "start failed") {
		t.Errorf("unexpected progress: %q", job.Progress)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	p := New(testStore(t), &fakeRunner{}, func(context.Context, config.ServerSpec) error { return nil })
	if _, ok := p.Status("missing"); ok {
		t.Error("unknown job id must not resolve")
	}
}

func TestTerminalJobsRetained(t *testing.T) {
	p := New(testStore(t), &fakeRunner{}, func(context.Context, config.ServerSpec) error { return nil })

	jobID, err := p.Provision(context.Background(), "filesystem", nil)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	waitTerminal(t, p, jobID)

	// Well inside the retention window: the job must still be queryable.
	if _, ok := p.Status(jobID); !ok {
		t.Error("terminal job must stay visible for status polling")
	}
}
