// Package session tracks which sessions are held in memory and evicts them
// by age and by capacity.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/alertflow/internal/config"
	"github.com/sentinel-agent/alertflow/internal/metrics"
)

// Eviction reasons.
const (
	ReasonTTL      = "ttl"
	ReasonCapacity = "capacity"
	ReasonExplicit = "explicit"
)

// Clearer drops the in-memory state a component keeps for a session.
type Clearer interface {
	ClearSession(sessionID string)
}

// Session is the registry's bookkeeping for one session.
type Session struct {
	ID            string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastTouchedAt time.Time `json:"last_touched_at"`
}

// Stats is the memory report of the registry.
type Stats struct {
	ActiveSessions     int     `json:"active_sessions"`
	MaxSessions        int     `json:"max_sessions"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	TrackedTimestamps  int     `json:"tracked_timestamps"`
	TTLSeconds         float64 `json:"ttl_seconds"`
	CleanupRunning     bool    `json:"cleanup_running"`
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithClearers registers components whose session state is dropped on
// eviction.
func WithClearers(c ...Clearer) Option {
	return func(r *Registry) { r.clearers = append(r.clearers, c...) }
}

// Registry is a bounded set of active session ids. All mutations go through
// one lock; clearers run after it is released.
type Registry struct {
	maxSessions int
	margin      int
	ttl         time.Duration
	interval    time.Duration
	clearers    []Clearer
	logger      zerolog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRegistry creates a registry bounded by cfg.
func NewRegistry(cfg config.SessionConfig, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		maxSessions: cfg.MaxSessions,
		margin:      cfg.EvictionMargin,
		ttl:         cfg.TTL,
		interval:    cfg.CleanupInterval,
		logger:      logger.With().Str("component", "session").Logger(),
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
	if r.maxSessions < 1 {
		r.maxSessions = 1
	}
	if r.interval <= 0 {
		r.interval = time.Hour
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddClearer registers another component to clear on eviction.
func (r *Registry) AddClearer(c Clearer) {
	r.mu.Lock()
	r.clearers = append(r.clearers, c)
	r.mu.Unlock()
}

// Admit adds sessionID or refreshes it when already tracked. It reports
// whether the session was new. Reaching capacity evicts the least recently
// touched sessions until the eviction margin below capacity is free again.
func (r *Registry) Admit(sessionID string) bool {
	now := r.now()

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		s.LastTouchedAt = now
		r.mu.Unlock()
		return false
	}
	r.sessions[sessionID] = &Session{ID: sessionID, CreatedAt: now, LastTouchedAt: now}

	var evicted []string
	if len(r.sessions) >= r.maxSessions {
		evicted = r.evictOldestLocked(len(r.sessions)-r.maxSessions+r.margin, sessionID)
	}
	active := len(r.sessions)
	clearers := r.clearers
	r.mu.Unlock()

	metrics.SessionsAdmitted.Inc()
	metrics.SessionsActive.Set(float64(active))
	r.logger.Debug().Str("session_id", sessionID).Int("active", active).Msg("session admitted")

	if len(evicted) > 0 {
		r.logger.Info().
			Int("evicted", len(evicted)).
			Int("active", active).
			Int("max_sessions", r.maxSessions).
			Msg("capacity reached, evicted oldest sessions")
		r.clear(clearers, evicted, ReasonCapacity)
	}
	return true
}

// evictOldestLocked removes up to n least recently touched sessions, never
// removing keep. Caller holds r.mu.
func (r *Registry) evictOldestLocked(n int, keep string) []string {
	if n <= 0 {
		return nil
	}
	candidates := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id != keep {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastTouchedAt.Equal(candidates[j].LastTouchedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].LastTouchedAt.Before(candidates[j].LastTouchedAt)
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	ids := make([]string, 0, n)
	for _, s := range candidates[:n] {
		delete(r.sessions, s.ID)
		ids = append(ids, s.ID)
	}
	return ids
}

// Touch refreshes the session's recency. It reports false for an unknown
// session.
func (r *Registry) Touch(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if ok {
		s.LastTouchedAt = r.now()
	}
	return ok
}

// Evict removes sessionID and clears its in-memory state. Persisted data is
// not touched.
func (r *Registry) Evict(sessionID string) bool {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	active := len(r.sessions)
	clearers := r.clearers
	r.mu.Unlock()

	metrics.SessionsActive.Set(float64(active))
	// Clear even when untracked: a component may still hold state after a restart.
	r.clear(clearers, []string{sessionID}, ReasonExplicit)
	return ok
}

// SweepExpired evicts every session idle for longer than the TTL and
// returns how many were removed.
func (r *Registry) SweepExpired() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if s.LastTouchedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(r.sessions, id)
		}
	}
	active := len(r.sessions)
	clearers := r.clearers
	r.mu.Unlock()

	metrics.SessionsActive.Set(float64(active))
	if len(expired) > 0 {
		sort.Strings(expired)
		r.logger.Info().Int("expired", len(expired)).Int("active", active).Msg("expired sessions removed")
		r.clear(clearers, expired, ReasonTTL)
	}
	return len(expired)
}

func (r *Registry) clear(clearers []Clearer, ids []string, reason string) {
	for _, id := range ids {
		for _, c := range clearers {
			c.ClearSession(id)
		}
		metrics.SessionsEvicted.WithLabelValues(reason).Inc()
	}
}

// Get returns a copy of the session's bookkeeping.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return *s, true
	}
	return Session{}, false
}

// Contains reports whether sessionID is tracked.
func (r *Registry) Contains(sessionID string) bool {
	_, ok := r.Get(sessionID)
	return ok
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns all tracked sessions, most recently touched first.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastTouchedAt.After(out[j].LastTouchedAt) })
	return out
}

// Stats reports registry usage.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()

	r.runMu.Lock()
	running := r.running
	r.runMu.Unlock()

	return Stats{
		ActiveSessions:     n,
		MaxSessions:        r.maxSessions,
		MemoryUsagePercent: float64(n) / float64(r.maxSessions) * 100,
		TrackedTimestamps:  n,
		TTLSeconds:         r.ttl.Seconds(),
		CleanupRunning:     running,
	}
}

// Start runs SweepExpired every cleanup interval until ctx is done or Stop
// is called. Calling Start twice is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.sweepLoop(ctx, r.done)
	r.logger.Info().Dur("interval", r.interval).Dur("ttl", r.ttl).Msg("session cleanup started")
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Registry) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.runMu.Unlock()

	cancel()
	<-done
}

func (r *Registry) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepExpired()
		}
	}
}
