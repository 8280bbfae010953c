package timeline

import (
	"sync"

	"github.com/rs/zerolog"
)

// Pool caches one Tracker per session id.
type Pool struct {
	rec    Recorder
	logger zerolog.Logger

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewPool creates an empty pool over rec.
func NewPool(rec Recorder, logger zerolog.Logger) *Pool {
	return &Pool{
		rec:      rec,
		logger:   logger,
		trackers: make(map[string]*Tracker),
	}
}

// Tracker returns the session's tracker, creating it on first use.
func (p *Pool) Tracker(sessionID string) (*Tracker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.trackers[sessionID]; ok {
		return t, nil
	}
	t, err := NewTracker(sessionID, p.rec, p.logger)
	if err != nil {
		return nil, err
	}
	p.trackers[sessionID] = t
	return t, nil
}

// Lookup returns the cached tracker without creating one.
func (p *Pool) Lookup(sessionID string) (*Tracker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.trackers[sessionID]
	return t, ok
}

// ClearSession drops the cached tracker.
func (p *Pool) ClearSession(sessionID string) {
	p.mu.Lock()
	delete(p.trackers, sessionID)
	p.mu.Unlock()
}

// Len returns the number of cached trackers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.trackers)
}
