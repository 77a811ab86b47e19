// Package provision runs asynchronous install jobs for manifest servers.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcp-gateway/internal/config"
	"mcp-gateway/internal/manifest"
)

// JobState tracks an install job through its lifecycle.
type JobState string

const (
	StatePending    JobState = "pending"
	StateInstalling JobState = "installing"
	StateStarting   JobState = "starting"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
)

const (
	// jobRetention keeps terminal jobs queryable for status polling.
	jobRetention = 15 * time.Minute
	// stepTimeout bounds one install recipe step.
	stepTimeout = 5 * time.Minute
	// maxWorkers bounds concurrent install jobs.
	maxWorkers = 2
)

// Provisioning errors. Both surface upstream as ProvisionFailed.
var (
	ErrUnknownServer = errors.New("server not in manifest")
	ErrMissingEnv    = errors.New("missing required environment variables")
)

// Job is one asynchronous install.
type Job struct {
	ID         string    `json:"job_id"`
	Server     string    `json:"server"`
	State      JobState  `json:"state"`
	Progress   string    `json:"progress,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

func (j Job) terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// Runner executes one recipe step. The production runner shells out; tests
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, argv []string, env map[string]string) (string, error)
}

// ExecRunner runs recipe steps via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string, env map[string]string) (string, error) {
	if len(argv) == 0 {
		return "", errors.New("empty recipe step")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// StartFunc hands a freshly installed server to the session layer.
type StartFunc func(ctx context.Context, spec config.ServerSpec) error

// Provisioner owns the job table and the background workers.
type Provisioner struct {
	store  *manifest.Store
	runner Runner
	start  StartFunc
	sem    chan struct{}

	mu   sync.Mutex
	jobs map[string]*Job
}

// New builds a provisioner. A nil runner selects ExecRunner.
func New(store *manifest.Store, runner Runner, start StartFunc) *Provisioner {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Provisioner{
		store:  store,
		runner: runner,
		start:  start,
		sem:    make(chan struct{}, maxWorkers),
		jobs:   make(map[string]*Job),
	}
}

// Provision validates the request and, when valid, creates a job and starts
// a background worker. Validation failures return an error and create no
// job, so a missing credential is reported synchronously.
func (p *Provisioner) Provision(ctx context.Context, server string, env map[string]string) (string, error) {
	entry, ok := p.store.Get(server)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownServer, server)
	}
	if missing := entry.MissingEnv(env); len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}

	job := &Job{
		ID:        uuid.NewString(),
		Server:    server,
		State:     StatePending,
		Progress:  "queued",
		CreatedAt: time.Now(),
	}
	p.mu.Lock()
	p.sweepLocked()
	p.jobs[job.ID] = job
	p.mu.Unlock()

	go p.run(job.ID, entry, env)
	return job.ID, nil
}

// Status returns a job snapshot. Terminal jobs stay visible for at least
// the retention window.
func (p *Provisioner) Status(jobID string) (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked()
	job, ok := p.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Jobs returns all retained jobs, newest first.
func (p *Provisioner) Jobs() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked()
	out := make([]Job, 0, len(p.jobs))
	for _, job := range p.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// sweepLocked drops terminal jobs past the retention window.
func (p *Provisioner) sweepLocked() {
	cutoff := time.Now().Add(-jobRetention)
	for id, job := range p.jobs {
		if job.terminal() && job.FinishedAt.Before(cutoff) {
			delete(p.jobs, id)
		}
	}
}

func (p *Provisioner) setState(jobID string, state JobState, progress string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return
	}
	job.State = state
	job.Progress = progress
	if job.terminal() {
		job.FinishedAt = time.Now()
	}
}

// run executes the install recipe and hands the server off to the session
// layer. It owns the job's state transitions from here on.
func (p *Provisioner) run(jobID string, entry manifest.Entry, env map[string]string) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	for i, step := range entry.Install {
		desc := fmt.Sprintf("step %d/%d: %s", i+1, len(entry.Install), strings.Join(step, " "))
		p.setState(jobID, StateInstalling, desc)
		log.Printf("provision %s: %s", entry.Name, desc)

		ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
		out, err := p.runner.Run(ctx, step, env)
		cancel()
		if err != nil {
			p.setState(jobID, StateFailed, fmt.Sprintf("%s failed: %v", desc, err))
			log.Printf("provision %s: %s failed: %v (output: %s)", entry.Name, desc, err, strings.TrimSpace(out))
			return
		}
	}

	p.setState(jobID, StateStarting, "starting server")
	spec := config.ServerSpec{
		Name:    entry.Name,
		Command: entry.Command,
		Args:    entry.Args,
		Env:     env,
	}
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	if err := p.start(ctx, spec); err != nil {
		p.setState(jobID, StateFailed, fmt.Sprintf("start failed: %v", err))
		return
	}
	p.setState(jobID, StateCompleted, "server started")
}
