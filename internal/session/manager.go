package session

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mcp-gateway/internal/config"
)

// retryBackoff is the reconnect schedule after a failed start.
var retryBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Status is one server's entry in a health report.
type Status struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	Pending      int       `json:"pending"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Manager owns the name → session registry. Sessions are created here and
// only here; everything above holds sessions through the manager.
type Manager struct {
	factory TransportFactory
	notify  func(Notification)
	backoff []time.Duration

	mu          sync.RWMutex
	sessions    map[string]*Session
	lastRefresh time.Time
}

// NewManager builds an empty registry using the given transport factory.
func NewManager(factory TransportFactory) *Manager {
	return &Manager{
		factory:  factory,
		backoff:  retryBackoff,
		sessions: make(map[string]*Session),
	}
}

// SetRetryBackoff overrides the reconnect schedule; an empty slice disables
// retries entirely. Must be called before StartAll.
func (m *Manager) SetRetryBackoff(backoff []time.Duration) {
	m.backoff = backoff
}

// SetNotificationSink routes unsolicited notifications from every session.
// Must be called before StartAll.
func (m *Manager) SetNotificationSink(sink func(Notification)) {
	m.notify = sink
}

// StartAll launches every configured session in parallel and waits for all
// outcomes. One server's failure never blocks the others; per-server errors
// are returned for reporting.
func (m *Manager) StartAll(ctx context.Context, cfg *config.Config) map[string]error {
	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  = make(map[string]error)
	)
	for _, name := range cfg.Names() {
		spec := cfg.Servers[name]
		g.Go(func() error {
			if err := m.startSession(ctx, spec); err != nil {
				errMu.Lock()
				errs[spec.Name] = err
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.lastRefresh = time.Now()
	m.mu.Unlock()
	return errs
}

// startSession creates, registers, and starts one session, retrying with
// exponential backoff. After the schedule is exhausted the session stays in
// state failed until an explicit refresh.
func (m *Manager) startSession(ctx context.Context, spec config.ServerSpec) error {
	s := NewSession(spec, m.factory)
	if m.notify != nil {
		s.SetNotificationSink(m.notify)
	}

	m.mu.Lock()
	m.sessions[spec.Name] = s
	m.mu.Unlock()

	err := s.Start(ctx)
	for attempt := 0; err != nil && attempt < len(m.backoff); attempt++ {
		select {
		case <-ctx.Done():
			return err
		case <-time.After(m.backoff[attempt]):
		}
		log.Printf("session %s: retry %d/%d", spec.Name, attempt+1, len(m.backoff))
		err = s.Start(ctx)
	}
	return err
}

// Get returns the session for a server name.
func (m *Manager) Get(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Sessions returns all sessions sorted by name.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// LastRefresh returns when sessions were last started or refreshed.
func (m *Manager) LastRefresh() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRefresh
}

// Statuses returns the health snapshot for every session.
func (m *Manager) Statuses() []Status {
	sessions := m.Sessions()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		st := Status{
			Name:         s.Name(),
			State:        s.State(),
			Pending:      s.PendingCount(),
			LastActivity: s.LastActivity(),
		}
		if err := s.LastError(); err != nil {
			st.LastError = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Refresh diffs the new config against the registry: added servers start,
// removed servers close, changed servers restart. Unchanged servers — and
// their in-flight calls — are left alone unless force is set. A non-empty
// server argument scopes the refresh to that one name. Per-server errors are
// returned; one server's failure never aborts the rest.
func (m *Manager) Refresh(ctx context.Context, cfg *config.Config, server string, force bool) map[string]error {
	current := &config.Config{Servers: make(map[string]config.ServerSpec)}
	m.mu.RLock()
	for name, s := range m.sessions {
		current.Servers[name] = s.Spec()
	}
	m.mu.RUnlock()

	next := cfg
	if server != "" {
		scopedCurrent := &config.Config{Servers: make(map[string]config.ServerSpec)}
		if spec, ok := current.Servers[server]; ok {
			scopedCurrent.Servers[server] = spec
		}
		scopedNext := &config.Config{Servers: make(map[string]config.ServerSpec)}
		if spec, ok := cfg.Servers[server]; ok {
			scopedNext.Servers[server] = spec
		}
		current, next = scopedCurrent, scopedNext
	}

	diff := config.Compare(current, next)
	restart := append([]string{}, diff.Changed...)
	if force {
		for name := range next.Servers {
			if !contains(diff.Added, name) && !contains(diff.Changed, name) {
				restart = append(restart, name)
			}
		}
	}

	for _, name := range diff.Removed {
		m.closeSession(name)
	}
	for _, name := range restart {
		m.closeSession(name)
	}

	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  = make(map[string]error)
	)
	for _, name := range append(diff.Added, restart...) {
		spec := next.Servers[name]
		g.Go(func() error {
			if err := m.startSession(ctx, spec); err != nil {
				errMu.Lock()
				errs[spec.Name] = err
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.lastRefresh = time.Now()
	m.mu.Unlock()
	return errs
}

func (m *Manager) closeSession(name string) {
	m.mu.Lock()
	s, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()
	if ok {
		if err := s.Close(); err != nil {
			log.Printf("session %s: close: %v", name, err)
		}
	}
}

// CloseAll tears down every session in parallel. Safe to call repeatedly.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for name, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()
}

func contains(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}
