// Package timeline records per-session stage transitions.
package timeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
	"github.com/sentinel-agent/alertflow/internal/metrics"
	"github.com/sentinel-agent/alertflow/internal/types"
)

// Recorder is where timeline entries are written. The output aggregator
// implements it.
type Recorder interface {
	AddTimelineEntry(sessionID string, entry types.TimelineEntry) (types.Timeline, error)
	Timeline(sessionID string) types.Timeline
}

// Tracker is the stage state machine of one session. Entries are only ever
// appended, through the Mark* methods and CompleteProcessing.
type Tracker struct {
	sessionID string
	rec       Recorder
	logger    zerolog.Logger
	now       func() time.Time

	mu sync.Mutex // orders appends for this session
}

// NewTracker returns a tracker for sessionID. When the session has no
// timeline yet, "Received Alert = success" is recorded.
func NewTracker(sessionID string, rec Recorder, logger zerolog.Logger) (*Tracker, error) {
	if sessionID == "" {
		return nil, apperrors.New(apperrors.ErrMissingParam, "session id is required")
	}
	t := &Tracker{
		sessionID: sessionID,
		rec:       rec,
		logger:    logger.With().Str("component", "timeline").Str("session_id", sessionID).Logger(),
		now:       time.Now,
	}
	if len(rec.Timeline(sessionID)) == 0 {
		if err := t.append(types.StageReceivedAlert, types.StatusSuccess, ""); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// SessionID returns the tracked session.
func (t *Tracker) SessionID() string { return t.sessionID }

// MarkInProgress records that stage has started.
func (t *Tracker) MarkInProgress(stage types.Stage) error {
	return t.append(stage, types.StatusInProgress, "")
}

// MarkSuccess records that stage finished successfully.
func (t *Tracker) MarkSuccess(stage types.Stage) error {
	return t.append(stage, types.StatusSuccess, "")
}

// MarkError records that stage failed with message.
func (t *Tracker) MarkError(stage types.Stage, message string) error {
	return t.append(stage, types.StatusError, message)
}

// CompleteProcessing appends the terminal Process Complete entry. A failed
// run carries message as its error text.
func (t *Tracker) CompleteProcessing(success bool, message string) error {
	if success {
		return t.append(types.StageProcessComplete, types.StatusSuccess, "")
	}
	return t.append(types.StageProcessComplete, types.StatusError, message)
}

func (t *Tracker) append(stage types.Stage, status types.Status, message string) error {
	if !stage.Valid() {
		return apperrors.New(apperrors.ErrUnknownStage, stage.String())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.rec.Timeline(t.sessionID)
	if n := len(entries); n > 0 && stage < entries[n-1].Stage {
		t.logger.Warn().
			Str("stage", stage.String()).
			Str("after", entries[n-1].Stage.String()).
			Msg("stage recorded out of order")
	}

	entry := types.TimelineEntry{
		Stage:        stage,
		Status:       status,
		ErrorMessage: message,
		RecordedAt:   t.now().UTC(),
	}
	if _, err := t.rec.AddTimelineEntry(t.sessionID, entry); err != nil {
		return apperrors.Wrap(apperrors.ErrStage, "record timeline entry", err).
			WithDetails("stage", stage.String())
	}

	metrics.StageTransitions.WithLabelValues(stage.String(), string(status)).Inc()
	ev := t.logger.Debug()
	if status == types.StatusError {
		ev = t.logger.Warn().Str("error", message)
	}
	ev.Str("stage", stage.String()).Str("status", string(status)).Msg("stage transition")
	return nil
}

// Entries returns a copy of the session's timeline.
func (t *Tracker) Entries() types.Timeline {
	return t.rec.Timeline(t.sessionID)
}

// IsStageCompleted reports whether stage has a success entry.
func (t *Tracker) IsStageCompleted(stage types.Stage) bool {
	for _, e := range t.Entries() {
		if e.Stage == stage && e.Status == types.StatusSuccess {
			return true
		}
	}
	return false
}

// HasErrors reports whether any entry has status error.
func (t *Tracker) HasErrors() bool {
	return len(t.ErrorStages()) > 0
}

// ErrorStages returns the stages with an error entry, in recording order
// and without duplicates.
func (t *Tracker) ErrorStages() []types.Stage {
	var out []types.Stage
	seen := make(map[types.Stage]bool)
	for _, e := range t.Entries() {
		if e.Status == types.StatusError && !seen[e.Stage] {
			seen[e.Stage] = true
			out = append(out, e.Stage)
		}
	}
	return out
}

// Duration is the wall-clock time since the first entry.
func (t *Tracker) Duration() time.Duration {
	entries := t.Entries()
	if len(entries) == 0 {
		return 0
	}
	return t.now().Sub(entries[0].RecordedAt)
}

// Current returns the most recent entry, or false when there is none.
func (t *Tracker) Current() (types.TimelineEntry, bool) {
	entries := t.Entries()
	if len(entries) == 0 {
		return types.TimelineEntry{}, false
	}
	return entries[len(entries)-1], true
}
