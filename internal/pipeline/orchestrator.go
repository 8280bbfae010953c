// Package pipeline drives alerts through the processing stages: it admits
// sessions, records the timeline, persists artifacts, updates the output
// document and publishes progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sentinel-agent/alertflow/internal/alerting"
	"github.com/sentinel-agent/alertflow/internal/config"
	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
	"github.com/sentinel-agent/alertflow/internal/llm"
	"github.com/sentinel-agent/alertflow/internal/output"
	"github.com/sentinel-agent/alertflow/internal/session"
	"github.com/sentinel-agent/alertflow/internal/storage"
	"github.com/sentinel-agent/alertflow/internal/timeline"
	"github.com/sentinel-agent/alertflow/internal/types"
)

// Fixed output texts.
const (
	overviewStarted      = "Alert received and processing started"
	executiveDoneTitle   = "Incident Analysis Complete"
	executiveDoneContent = "All processing stages completed successfully. Review recommendations and take appropriate action."
	recommendationTitle  = "Final incident response recommendations"
	recommendationNone   = "No recommendation text was provided by the analysis stages."

	progressEvent = "agent.timeline.updated"
)

// Session record statuses.
const (
	SessionProcessing = "processing"
	SessionCompleted  = "completed"
	SessionError      = "error"
)

// Publisher sends a JSON-encodable payload to a bus subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload interface{}) error
}

// ToolSource reports the current tool statuses.
type ToolSource interface {
	Tools() []types.Tool
}

// Completer generates text. The retrying completion client implements it.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts llm.Options) (string, error)
}

// Deps are the collaborators of an Orchestrator. Bridge, Notifier, Tools
// and Completer are optional.
type Deps struct {
	Bus       Publisher
	Store     storage.Store
	Output    *output.Aggregator
	Timelines *timeline.Pool
	Sessions  *session.Registry
	Bridge    output.Notifier
	Notifier  alerting.Notifier
	Tools     ToolSource
	Completer Completer
}

// SessionRecord is the persisted snapshot of one session.
type SessionRecord struct {
	SessionID    string          `json:"session_id"`
	AlertID      string          `json:"alert_id,omitempty"`
	Severity     string          `json:"severity,omitempty"`
	Status       string          `json:"status"`
	Technique    string          `json:"technique,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastUpdated  time.Time       `json:"last_updated"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Timeline     types.Timeline  `json:"timeline"`
	FinalResults types.StageData `json:"final_results,omitempty"`

	// prior holds entries persisted before the session was last admitted.
	prior types.Timeline
}

// Orchestrator implements the pipeline operations. Operations on one
// session are serialized; different sessions proceed independently.
type Orchestrator struct {
	subjects config.NATSConfig
	deps     Deps
	logger   zerolog.Logger
	now      func() time.Time
	guard    *llm.PromptGuard

	running atomic.Bool

	mu      sync.Mutex
	records map[string]*SessionRecord
	locks   map[string]*sessionLock
}

// sessionLock is shared by every caller holding or waiting on a session.
type sessionLock struct {
	sync.Mutex
	refs int
}

// NewOrchestrator wires an orchestrator and registers it, the aggregator
// and the timeline pool as session clearers.
func NewOrchestrator(nats config.NATSConfig, deps Deps, logger zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		subjects: nats,
		deps:     deps,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
		guard:    llm.NewPromptGuard(),
		records:  make(map[string]*SessionRecord),
		locks:    make(map[string]*sessionLock),
	}
	o.running.Store(true)
	if deps.Sessions != nil {
		deps.Sessions.AddClearer(deps.Output)
		deps.Sessions.AddClearer(deps.Timelines)
		deps.Sessions.AddClearer(o)
	}
	return o
}

// Running reports whether consumer loops should keep fetching.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Stop asks consumer loops to exit after their current message.
func (o *Orchestrator) Stop() {
	if o.running.CompareAndSwap(true, false) {
		o.logger.Info().Msg("orchestrator stopping")
	}
}

// ClearSession drops the cached session record. Persisted data is kept.
func (o *Orchestrator) ClearSession(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.records, sessionID)
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Start admits a new alert. The alert id becomes the session id when given;
// otherwise one is generated. A redelivered start for a session that already
// has a timeline records nothing new. A stopped orchestrator admits nothing.
func (o *Orchestrator) Start(ctx context.Context, alert types.Alert) (sessionID string, err error) {
	if !o.Running() {
		return "", apperrors.New(apperrors.ErrNotRunning, "orchestrator is stopping")
	}
	if alert.Data == nil {
		return "", apperrors.New(apperrors.ErrInvalidInput, "alert data is required")
	}
	sessionID = strings.TrimSpace(alert.AlertID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	unlock := o.lockSession(sessionID)
	defer unlock()
	stage := types.StageReceivedAlert
	defer o.recoverStage(ctx, sessionID, &stage, &err)

	o.deps.Sessions.Admit(sessionID)
	redelivered := len(o.deps.Output.Timeline(sessionID)) > 0

	if _, err := o.deps.Timelines.Tracker(sessionID); err != nil {
		return sessionID, o.fail(ctx, sessionID, stage, err)
	}
	if redelivered {
		o.logger.Debug().Str("session_id", sessionID).Msg("start redelivered, session already active")
		o.publishProgress(ctx, sessionID)
		return sessionID, nil
	}

	rec := o.record(sessionID)
	rec.AlertID = alert.AlertID
	rec.Severity = alert.Severity
	rec.Status = SessionProcessing

	o.deps.Store.Save(storage.CategoryAlert, sessionID, alert.Data)
	o.deps.Store.AppendLog(sessionID, map[string]interface{}{
		"type":     "start_log",
		"alert_id": alert.AlertID,
		"severity": alert.Severity,
	})

	if err := o.deps.Output.UpdateOverview(sessionID, overviewStarted); err != nil {
		return sessionID, o.fail(ctx, sessionID, stage, err)
	}
	if o.deps.Tools != nil {
		if err := o.deps.Output.UpdateTools(sessionID, o.deps.Tools.Tools()); err != nil {
			return sessionID, o.fail(ctx, sessionID, stage, err)
		}
	}
	if o.deps.Bridge != nil {
		o.deps.Bridge.Notify(output.SessionCreated(sessionID, alert.Data))
	}

	o.persistRecord(sessionID)
	o.publishProgress(ctx, sessionID)
	o.logger.Info().Str("session_id", sessionID).Str("severity", alert.Severity).Msg("processing started")
	return sessionID, nil
}

// StageStarted records that a worker picked up stage for the session.
func (o *Orchestrator) StageStarted(ctx context.Context, stage types.Stage, sessionID string) (err error) {
	if err := validateStage(stage, sessionID); err != nil {
		return err
	}
	unlock := o.lockSession(sessionID)
	defer unlock()
	defer o.recoverStage(ctx, sessionID, &stage, &err)

	o.touch(sessionID)
	tr, err := o.deps.Timelines.Tracker(sessionID)
	if err != nil {
		return o.fail(ctx, sessionID, stage, err)
	}
	if err := tr.MarkInProgress(stage); err != nil {
		return o.fail(ctx, sessionID, stage, err)
	}
	o.persistRecord(sessionID)
	o.publishProgress(ctx, sessionID)
	return nil
}

// StageCompleted records a finished intermediate stage and folds its data
// into the output document. Data carrying status "error" fails the stage
// and returns ErrUpstream. Redelivery appends another success entry and
// replaces the affected sections with the same content.
func (o *Orchestrator) StageCompleted(ctx context.Context, stage types.Stage, data types.StageData, sessionID string) (err error) {
	if err := validateStage(stage, sessionID); err != nil {
		return err
	}
	unlock := o.lockSession(sessionID)
	defer unlock()
	defer o.recoverStage(ctx, sessionID, &stage, &err)

	o.touch(sessionID)
	tr, err := o.deps.Timelines.Tracker(sessionID)
	if err != nil {
		return o.fail(ctx, sessionID, stage, err)
	}

	if data.IsError() {
		msg := data.ErrorMessage()
		o.fail(ctx, sessionID, stage, errors.New(msg))
		return apperrors.New(apperrors.ErrUpstream, msg).WithDetails("stage", stage.String())
	}

	if err := tr.MarkSuccess(stage); err != nil {
		return o.fail(ctx, sessionID, stage, err)
	}
	if err := o.applyStage(ctx, sessionID, stage, data); err != nil {
		return o.fail(ctx, sessionID, stage, err)
	}

	o.persistRecord(sessionID)
	o.publishProgress(ctx, sessionID)
	o.logger.Info().Str("session_id", sessionID).Str("stage", stage.String()).Msg("stage completed")
	return nil
}

// FlowCompleted finalizes a session. Final data carrying status "error"
// appends a single Process Complete error entry and returns ErrUpstream;
// otherwise Recommendation and Process Complete are marked successful.
func (o *Orchestrator) FlowCompleted(ctx context.Context, final types.StageData, sessionID string) (err error) {
	if sessionID == "" {
		return apperrors.New(apperrors.ErrMissingParam, "session_id is required")
	}
	unlock := o.lockSession(sessionID)
	defer unlock()
	stage := types.StageRecommendation
	defer o.recoverStage(ctx, sessionID, &stage, &err)

	o.touch(sessionID)
	tr, err := o.deps.Timelines.Tracker(sessionID)
	if err != nil {
		return o.fail(ctx, sessionID, stage, err)
	}
	o.deps.Store.Save(storage.CategoryReport, sessionID, final)

	if final.IsError() {
		msg := final.ErrorMessage()
		rec := o.record(sessionID)
		rec.FinalResults = final
		o.fail(ctx, sessionID, types.StageProcessComplete, errors.New(msg))
		return apperrors.New(apperrors.ErrUpstream, msg)
	}

	if err := tr.MarkSuccess(types.StageRecommendation); err != nil {
		return o.fail(ctx, sessionID, stage, err)
	}
	report := firstString(final, "report", "recommendation")
	if report == "" {
		report = o.draftRecommendation(ctx, sessionID)
	}
	if err := o.deps.Output.UpdateRecommendation(sessionID, []types.Recommendation{
		{Description: recommendationTitle, Content: report},
	}); err != nil {
		return o.fail(ctx, sessionID, stage, err)
	}

	stage = types.StageProcessComplete
	if err := tr.CompleteProcessing(true, ""); err != nil {
		return o.fail(ctx, sessionID, stage, err)
	}
	if err := o.deps.Output.UpdateExecutive(sessionID, executiveDoneTitle, executiveDoneContent); err != nil {
		return o.fail(ctx, sessionID, stage, err)
	}

	now := o.now().UTC()
	rec := o.record(sessionID)
	rec.Status = SessionCompleted
	rec.CompletedAt = &now
	rec.ErrorMessage = ""
	rec.FinalResults = final
	o.persistRecord(sessionID)

	if o.deps.Bridge != nil {
		o.deps.Bridge.Notify(output.SessionCompleted(sessionID, SessionCompleted))
	}
	o.publishProgress(ctx, sessionID)
	o.notify(sessionID, tr, true, "", "")
	o.logger.Info().Str("session_id", sessionID).Dur("duration", tr.Duration()).Msg("processing complete")
	return nil
}

// ---------------------------------------------------------------------------
// Stage handling
// ---------------------------------------------------------------------------

func validateStage(stage types.Stage, sessionID string) error {
	if sessionID == "" {
		return apperrors.New(apperrors.ErrMissingParam, "session_id is required")
	}
	if !stage.Valid() {
		return apperrors.New(apperrors.ErrUnknownStage, stage.String())
	}
	if stage == types.StageReceivedAlert || stage == types.StageProcessComplete {
		return apperrors.New(apperrors.ErrInvalidInput,
			fmt.Sprintf("stage %q is recorded by start and flow completion only", stage))
	}
	return nil
}

// applyStage persists stage data and updates the sections it feeds.
func (o *Orchestrator) applyStage(ctx context.Context, sessionID string, stage types.Stage, data types.StageData) error {
	switch stage {
	case types.StageTypeAgent:
		o.deps.Store.Save(storage.CategoryAnalysis, sessionID, data)
		o.deps.Store.AppendLog(sessionID, map[string]interface{}{"type": "type_log", "data": data})
		return o.applyTypeResult(sessionID, data)

	case types.StageRecommendation:
		if report := firstString(data, "report", "recommendation", "description"); report != "" {
			return o.deps.Output.UpdateRecommendation(sessionID, []types.Recommendation{
				{Description: recommendationTitle, Content: report},
			})
		}
		return nil

	default:
		o.deps.Store.AppendLog(sessionID, map[string]interface{}{
			"type":  "context_log",
			"stage": stage.String(),
			"data":  data,
		})
		if tools := toolsFrom(data); len(tools) > 0 {
			if err := o.deps.Output.UpdateTools(sessionID, tools); err != nil {
				return err
			}
		}
		return o.mergeChecklist(sessionID, stage, data)
	}
}

func (o *Orchestrator) applyTypeResult(sessionID string, data types.StageData) error {
	res := types.TypeResult{
		TechniqueID:     data.String("technique_id"),
		TechniqueName:   data.String("technique_name"),
		Tactic:          data.String("tactic"),
		TacticID:        data.String("tactic_id"),
		ConfidenceScore: data.Float("confidence_score"),
	}

	if res.Tactic != "" || res.TacticID != "" {
		if err := o.deps.Output.UpdateAttack(sessionID, []types.Tactic{{
			TacticID:   res.TacticID,
			TacticName: res.Tactic,
			Confidence: res.ConfidenceScore,
		}}); err != nil {
			return err
		}
	}
	if res.TechniqueName != "" {
		o.record(sessionID).Technique = strings.TrimSpace(res.TechniqueID + " " + res.TechniqueName)
		return o.deps.Output.UpdateOverview(sessionID,
			fmt.Sprintf("Analysis completed: %s technique identified", res.TechniqueName))
	}
	return nil
}

// mergeChecklist adds the stage's items to the current checklist, skipping
// ones already present.
func (o *Orchestrator) mergeChecklist(sessionID string, stage types.Stage, data types.StageData) error {
	var items []types.ChecklistItem
	if desc := data.String("description"); desc != "" {
		items = append(items, types.ChecklistItem{Title: stage.String(), Content: desc})
	}
	items = append(items, checklistFrom(data)...)
	if len(items) == 0 {
		return nil
	}

	current := o.deps.Output.GetDocument(sessionID).Checklist
	seen := make(map[types.ChecklistItem]bool, len(current))
	merged := append([]types.ChecklistItem(nil), current...)
	for _, it := range current {
		seen[it] = true
	}
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			merged = append(merged, it)
		}
	}
	return o.deps.Output.UpdateChecklist(sessionID, merged)
}

// draftRecommendation asks the completion endpoint for recommendation text
// when the final report carried none.
func (o *Orchestrator) draftRecommendation(ctx context.Context, sessionID string) string {
	if o.deps.Completer == nil {
		return recommendationNone
	}
	doc := o.deps.Output.GetDocument(sessionID)
	var b strings.Builder
	b.WriteString("You are a SOC analyst. Write concise incident response recommendations.\n")
	if t := o.record(sessionID).Technique; t != "" {
		fmt.Fprintf(&b, "MITRE technique: %s\n", t)
	}
	dropped := 0
	for _, it := range doc.Checklist {
		line, ok := o.guard.Line(it.Title + ": " + it.Content)
		if !ok || !o.guard.Fits(b.Len()+len(line)) {
			dropped++
			continue
		}
		fmt.Fprintf(&b, "- %s\n", line)
	}
	if dropped > 0 {
		o.logger.Warn().Str("session_id", sessionID).Int("dropped", dropped).Msg("checklist lines left out of prompt")
	}

	text, err := o.deps.Completer.Complete(ctx, b.String(), llm.Options{})
	if err != nil {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("recommendation draft failed")
		return recommendationNone
	}
	if len(strings.TrimSpace(text)) < 20 {
		return recommendationNone
	}
	return strings.TrimSpace(text)
}

// ---------------------------------------------------------------------------
// Failure handling
// ---------------------------------------------------------------------------

// fail records cause as an error on stage, persists and publishes it, and
// returns the typed stage error.
func (o *Orchestrator) fail(ctx context.Context, sessionID string, stage types.Stage, cause error) error {
	msg := apperrors.Message(cause)
	o.logger.Error().Err(cause).Str("session_id", sessionID).Str("stage", stage.String()).Msg("stage failed")

	var tr *timeline.Tracker
	if t, err := o.deps.Timelines.Tracker(sessionID); err == nil {
		tr = t
		var markErr error
		if stage == types.StageProcessComplete {
			markErr = t.CompleteProcessing(false, msg)
		} else {
			markErr = t.MarkError(stage, msg)
		}
		if markErr != nil {
			o.logger.Error().Err(markErr).Str("session_id", sessionID).Msg("cannot record stage error")
		}
	}
	if err := o.deps.Output.UpdateExecutive(sessionID, "Processing Error - "+stage.String(), msg); err != nil {
		o.logger.Error().Err(err).Str("session_id", sessionID).Msg("cannot record executive error")
	}

	rec := o.record(sessionID)
	rec.Status = SessionError
	rec.ErrorMessage = msg
	o.persistRecord(sessionID)

	if o.deps.Bridge != nil {
		o.deps.Bridge.Notify(output.SessionCompleted(sessionID, SessionError))
	}
	o.publishProgress(ctx, sessionID)
	if tr != nil {
		o.notify(sessionID, tr, false, stage.String(), msg)
	}
	return apperrors.Wrap(apperrors.ErrStage, fmt.Sprintf("%s failed", stage), cause).
		WithDetails("session_id", sessionID).
		WithDetails("stage", stage.String())
}

// recoverStage turns a panic inside an operation into a recorded stage error.
func (o *Orchestrator) recoverStage(ctx context.Context, sessionID string, stage *types.Stage, err *error) {
	r := recover()
	if r == nil {
		return
	}
	o.logger.Error().Str("session_id", sessionID).Str("stack", string(debug.Stack())).Msg("panic during stage transition")
	fault := apperrors.New(apperrors.ErrOrchestrator, fmt.Sprintf("internal error: %v", r))
	*err = o.fail(ctx, sessionID, *stage, fault)
}

// ---------------------------------------------------------------------------
// Session bookkeeping
// ---------------------------------------------------------------------------

// lockSession serializes operations on one session. The lock lives in the
// map while anyone holds or waits on it.
func (o *Orchestrator) lockSession(sessionID string) func() {
	o.mu.Lock()
	l, ok := o.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		o.locks[sessionID] = l
	}
	l.refs++
	o.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, sessionID)
		}
		o.mu.Unlock()
	}
}

// touch refreshes the session, re-admitting it after an eviction.
func (o *Orchestrator) touch(sessionID string) {
	if !o.deps.Sessions.Touch(sessionID) {
		o.deps.Sessions.Admit(sessionID)
		o.logger.Debug().Str("session_id", sessionID).Msg("untracked session re-admitted")
	}
}

// record returns the cached session record, restoring it from the store or
// creating it when needed. A restored record keeps the persisted timeline
// so later snapshots append to it. Callers hold the session lock.
func (o *Orchestrator) record(sessionID string) *SessionRecord {
	o.mu.Lock()
	rec, ok := o.records[sessionID]
	o.mu.Unlock()
	if ok {
		return rec
	}

	rec = &SessionRecord{SessionID: sessionID, Status: SessionProcessing, CreatedAt: o.now().UTC()}
	if stored, err := o.deps.Store.Load(storage.CategorySession, sessionID); err == nil {
		var prev SessionRecord
		if err := stored.Decode(&prev); err == nil {
			rec.AlertID = prev.AlertID
			rec.Severity = prev.Severity
			rec.Technique = prev.Technique
			rec.prior = prev.Timeline
			if !prev.CreatedAt.IsZero() {
				rec.CreatedAt = prev.CreatedAt
			}
		}
	}

	o.mu.Lock()
	o.records[sessionID] = rec
	o.mu.Unlock()
	return rec
}

// history returns the entries persisted before the current admission.
func (o *Orchestrator) history(sessionID string) types.Timeline {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.records[sessionID]; ok {
		return append(types.Timeline(nil), rec.prior...)
	}
	return nil
}

func (o *Orchestrator) persistRecord(sessionID string) {
	rec := o.record(sessionID)
	rec.LastUpdated = o.now().UTC()
	rec.Timeline = append(append(types.Timeline(nil), rec.prior...), o.deps.Output.Timeline(sessionID)...)
	if !o.deps.Store.Save(storage.CategorySession, sessionID, rec) {
		o.logger.Warn().Str("session_id", sessionID).Msg("session snapshot not persisted")
	}
}

// publishProgress sends the session's timeline to the progress subject.
// Failures are logged; the state it reports is already persisted.
func (o *Orchestrator) publishProgress(ctx context.Context, sessionID string) {
	payload := map[string]interface{}{
		progressEvent: map[string]interface{}{
			"alert_id": sessionID,
			"data":     o.deps.Output.Timeline(sessionID),
		},
	}
	if err := o.deps.Bus.Publish(ctx, o.subjects.WebsocSubject(), payload); err != nil {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("progress publish failed")
	}
}

func (o *Orchestrator) notify(sessionID string, tr *timeline.Tracker, success bool, failedStage, msg string) {
	if o.deps.Notifier == nil {
		return
	}
	rec := o.record(sessionID)
	o.deps.Notifier.NotifySession(alerting.SessionEvent{
		SessionID:    sessionID,
		AlertID:      rec.AlertID,
		Severity:     types.ParseSeverity(rec.Severity),
		Success:      success,
		FailedStage:  failedStage,
		ErrorMessage: msg,
		Technique:    rec.Technique,
		Duration:     tr.Duration(),
		At:           o.now(),
	})
}

// ---------------------------------------------------------------------------
// Stage data helpers
// ---------------------------------------------------------------------------

func firstString(d types.StageData, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(d.String(k)); s != "" {
			return s
		}
	}
	return ""
}

// checklistFrom reads data["checklist"], a list of strings or
// {title, content} objects.
func checklistFrom(d types.StageData) []types.ChecklistItem {
	raw, ok := d["checklist"].([]interface{})
	if !ok {
		return nil
	}
	var out []types.ChecklistItem
	for _, v := range raw {
		switch item := v.(type) {
		case string:
			if item != "" {
				out = append(out, types.ChecklistItem{Title: item})
			}
		case map[string]interface{}:
			m := types.StageData(item)
			it := types.ChecklistItem{Title: m.String("title"), Content: m.String("content")}
			if it.Title != "" || it.Content != "" {
				out = append(out, it)
			}
		}
	}
	return out
}

// toolsFrom reads data["tools"], a list of {name, status} objects.
func toolsFrom(d types.StageData) []types.Tool {
	raw, ok := d["tools"].([]interface{})
	if !ok {
		return nil
	}
	var out []types.Tool
	for _, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		sd := types.StageData(m)
		if name := sd.String("name"); name != "" {
			out = append(out, types.Tool{Name: name, Status: sd.String("status")})
		}
	}
	return out
}
