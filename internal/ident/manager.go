package ident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxmeet/voxid/internal/feature"
	"github.com/voxmeet/voxid/internal/match"
	"github.com/voxmeet/voxid/internal/observe"
	"github.com/voxmeet/voxid/internal/voiceprint"
)

var (
	// ErrConcurrencyLimit is returned by Create when the pool is full.
	ErrConcurrencyLimit = errors.New("ident: session concurrency limit reached")

	// ErrSessionNotFound is returned for operations on unknown or already
	// destroyed session ids.
	ErrSessionNotFound = errors.New("ident: session not found")
)

// ManagerConfig holds the session-pool parameters.
type ManagerConfig struct {
	// MaxSessions caps concurrently live sessions. Creations beyond it
	// fail with [ErrConcurrencyLimit].
	MaxSessions int `yaml:"max_sessions"`

	// IdleTimeout is how long a session may go without activity before
	// the sweep destroys it. Zero disables the sweep.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Session is the template applied to every created session.
	Session SessionConfig `yaml:"session"`
}

// DefaultManagerConfig returns a 32-session pool with a 10 minute idle
// timeout swept every 30 seconds.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxSessions:   32,
		IdleTimeout:   10 * time.Minute,
		SweepInterval: 30 * time.Second,
		Session:       DefaultSessionConfig(),
	}
}

// Validate reports configuration errors, joined.
func (c ManagerConfig) Validate() error {
	var errs []error
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max_sessions %d must be positive", c.MaxSessions))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle_timeout %v must not be negative", c.IdleTimeout))
	}
	if c.IdleTimeout > 0 && c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep_interval %v must be positive when idle_timeout is set", c.SweepInterval))
	}
	if c.Session.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("session queue_size %d must be positive", c.Session.QueueSize))
	}
	return errors.Join(errs...)
}

// Manager owns the pool of live identification sessions. It enforces the
// concurrency limit, hands each new session an immutable registry
// snapshot, and reaps idle sessions in the background.
type Manager struct {
	cfg       ManagerConfig
	extractor *feature.Extractor
	matcher   *match.Matcher
	registry  *voiceprint.Registry
	metrics   *observe.Metrics
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager builds a Manager. The metrics handle may be nil.
func NewManager(cfg ManagerConfig, ext *feature.Extractor, m *match.Matcher, reg *voiceprint.Registry, met *observe.Metrics) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ident: invalid manager config: %w", err)
	}
	if ext == nil || m == nil || reg == nil {
		return nil, errors.New("ident: extractor, matcher and registry are required")
	}
	return &Manager{
		cfg:       cfg,
		extractor: ext,
		matcher:   m,
		registry:  reg,
		metrics:   met,
		log:       slog.Default().With("component", "session_manager"),
		sessions:  make(map[string]*Session),
	}, nil
}

// Create starts a new identification session for a meeting. The session's
// candidate set is frozen at creation: it sees the registry as of now,
// restricted to candidateIDs when non-empty. Enrollments after this point
// are invisible until the session is recreated.
func (m *Manager) Create(ctx context.Context, meetingID string, candidateIDs []string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("ident: manager is closed")
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.metrics.RecordSessionRejected(ctx)
		m.log.Warn("session rejected, pool full",
			"meeting_id", meetingID,
			"max_sessions", m.cfg.MaxSessions,
		)
		return nil, fmt.Errorf("%w: %d sessions live", ErrConcurrencyLimit, len(m.sessions))
	}

	id := uuid.NewString()
	snap := m.registry.Snapshot(candidateIDs...)
	s, err := newSession(id, meetingID, m.cfg.Session, m.extractor, m.matcher, snap, m.metrics)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = s
	s.start()
	m.metrics.AddActiveSessions(ctx, 1)
	return s, nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return s, nil
}

// Destroy removes a session from the pool and tears it down. Queued
// utterances that have not been processed are dropped, not half-finished.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}

	s.destroy()
	m.metrics.AddActiveSessions(ctx, -1)
	return nil
}

// Pause suspends audio intake on the given session.
func (m *Manager) Pause(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Pause()
}

// Resume re-enables audio intake on the given session.
func (m *Manager) Resume(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Resume()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stats returns per-session stats sorted by session id.
func (m *Manager) Stats() []SessionStats {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	out := make([]SessionStats, 0, len(live))
	for _, s := range live {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run drives the idle sweep until ctx is cancelled, then destroys all
// remaining sessions. Call it from an errgroup in main; it returns nil on
// clean shutdown.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		m.Close(context.Background())
		return nil
	}

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Close(context.Background())
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep destroys sessions idle past the timeout.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		if err := m.Destroy(ctx, id); err == nil {
			m.log.Info("idle session swept", "session_id", id, "idle_timeout", m.cfg.IdleTimeout)
		}
	}
}

// Close destroys every live session and rejects further creations.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range live {
		s.destroy()
		m.metrics.AddActiveSessions(ctx, -1)
	}
	if len(live) > 0 {
		m.log.Info("session pool closed", "destroyed", len(live))
	}
}
