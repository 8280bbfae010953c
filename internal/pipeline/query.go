package pipeline

import (
	"sort"
	"time"

	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
	"github.com/sentinel-agent/alertflow/internal/storage"
	"github.com/sentinel-agent/alertflow/internal/types"
)

// StatusReport is the current view of one session.
type StatusReport struct {
	SessionID   string         `json:"session_id"`
	Status      string         `json:"status"`
	Tracked     bool           `json:"tracked"`
	Timeline    types.Timeline `json:"timeline"`
	ErrorStages []string       `json:"error_stages,omitempty"`
	LastUpdated time.Time      `json:"last_updated"`
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

// Status reports a session from its persisted snapshot, preferring the
// in-memory timeline while the session is tracked. Entries from earlier
// admissions come first.
func (o *Orchestrator) Status(sessionID string) (*StatusReport, error) {
	if sessionID == "" {
		return nil, apperrors.New(apperrors.ErrMissingParam, "session_id is required")
	}

	rep := &StatusReport{SessionID: sessionID, Tracked: o.deps.Sessions.Contains(sessionID)}
	stored, err := o.deps.Store.Load(storage.CategorySession, sessionID)
	if err == nil {
		var rec SessionRecord
		if err := stored.Decode(&rec); err == nil {
			rep.Status = rec.Status
			rep.Timeline = rec.Timeline
			rep.LastUpdated = rec.LastUpdated
		}
	}

	if live := o.deps.Output.Timeline(sessionID); len(live) > 0 {
		rep.Timeline = append(o.history(sessionID), live...)
		rep.LastUpdated = live[len(live)-1].RecordedAt
	}
	if rep.Status == "" && len(rep.Timeline) == 0 {
		return nil, apperrors.New(apperrors.ErrSessionNotFound, "session "+sessionID+" not found")
	}
	if rep.Status == "" {
		rep.Status = SessionProcessing
	}

	seen := map[types.Stage]bool{}
	for _, e := range rep.Timeline {
		if e.Status == types.StatusError && !seen[e.Stage] {
			seen[e.Stage] = true
			rep.ErrorStages = append(rep.ErrorStages, e.Stage.String())
		}
	}
	return rep, nil
}

// ListSessions returns every persisted session, newest first.
func (o *Orchestrator) ListSessions() ([]SessionSummary, error) {
	ids, err := o.deps.Store.List(storage.CategorySession)
	if err != nil {
		return nil, err
	}
	out := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		stored, err := o.deps.Store.Load(storage.CategorySession, id)
		if err != nil {
			o.logger.Debug().Err(err).Str("session_id", id).Msg("skipping unreadable session")
			continue
		}
		var rec SessionRecord
		if err := stored.Decode(&rec); err != nil {
			continue
		}
		out = append(out, SessionSummary{SessionID: id, CreatedAt: rec.CreatedAt, Status: rec.Status})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeleteSession evicts a session from memory. Persisted artifacts remain.
// It reports whether the session was tracked.
func (o *Orchestrator) DeleteSession(sessionID string) (bool, error) {
	if sessionID == "" {
		return false, apperrors.New(apperrors.ErrMissingParam, "session_id is required")
	}
	return o.deps.Sessions.Evict(sessionID), nil
}
