// Package output keeps the per-session output document, writes it to
// output.json on every update and forwards each update to the presentation
// bridge.
package output

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
	"github.com/sentinel-agent/alertflow/internal/storage"
	"github.com/sentinel-agent/alertflow/internal/types"
)

// Document is a snapshot of one session's sections. Slices are copies;
// mutating them does not affect the aggregator.
type Document struct {
	SessionID      string                `json:"session_id"`
	Overview       types.Overview        `json:"overview"`
	Tools          types.Tools           `json:"tools"`
	Recommendation types.Recommendations `json:"recommendation"`
	Checklist      types.Checklist       `json:"checklist"`
	Executive      types.Executive       `json:"executive"`
	Attack         types.Attack          `json:"attack"`
	Timeline       types.Timeline        `json:"timeline"`
	UpdatedAt      time.Time             `json:"updated_at"`

	present map[types.Section]bool
}

// Has reports whether the section has been set.
func (d Document) Has(s types.Section) bool { return d.present[s] }

// Empty reports whether no section has been set.
func (d Document) Empty() bool { return len(d.present) == 0 }

func (d *Document) set(p types.Payload) {
	switch v := p.(type) {
	case types.Overview:
		d.Overview = v
	case types.Tools:
		d.Tools = append(types.Tools(nil), v...)
	case types.Recommendations:
		d.Recommendation = append(types.Recommendations(nil), v...)
	case types.Checklist:
		d.Checklist = append(types.Checklist(nil), v...)
	case types.Executive:
		d.Executive = append(types.Executive(nil), v...)
	case types.Attack:
		d.Attack = append(types.Attack(nil), v...)
	case types.Timeline:
		d.Timeline = append(types.Timeline(nil), v...)
	}
	if d.present == nil {
		d.present = make(map[types.Section]bool)
	}
	d.present[p.Section()] = true
}

func (d *Document) payload(s types.Section) types.Payload {
	switch s {
	case types.SectionOverview:
		return d.Overview
	case types.SectionTools:
		return d.Tools
	case types.SectionRecommendation:
		return d.Recommendation
	case types.SectionChecklist:
		return d.Checklist
	case types.SectionExecutive:
		return d.Executive
	case types.SectionAttack:
		return d.Attack
	case types.SectionTimeline:
		return d.Timeline
	}
	return nil
}

func (d *Document) clone() Document {
	c := *d
	c.Tools = append(types.Tools(nil), d.Tools...)
	c.Recommendation = append(types.Recommendations(nil), d.Recommendation...)
	c.Checklist = append(types.Checklist(nil), d.Checklist...)
	c.Executive = append(types.Executive(nil), d.Executive...)
	c.Attack = append(types.Attack(nil), d.Attack...)
	c.Timeline = append(types.Timeline(nil), d.Timeline...)
	c.present = make(map[types.Section]bool, len(d.present))
	for k, v := range d.present {
		c.present[k] = v
	}
	return c
}

// Aggregator holds the in-memory output documents of all tracked sessions.
type Aggregator struct {
	mu    sync.RWMutex
	docs  map[string]*Document
	order []string

	path     string
	fileMu   sync.Mutex
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time

	// write stores the encoded snapshot; replaced in tests.
	write func(path string, data []byte) error
}

// NewAggregator creates an aggregator writing its snapshot to path. An
// empty path disables the file; a nil notifier disables the bridge.
func NewAggregator(path string, notifier Notifier, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		docs:     make(map[string]*Document),
		path:     path,
		notifier: notifier,
		logger:   logger.With().Str("component", "output").Logger(),
		now:      time.Now,
		write:    storage.WriteFileAtomic,
	}
}

// Update replaces one section of the session's document.
func (a *Aggregator) Update(sessionID string, p types.Payload) error {
	if sessionID == "" {
		return apperrors.New(apperrors.ErrMissingParam, "session id is required")
	}
	if p == nil {
		return apperrors.New(apperrors.ErrUnknownSection, "nil section payload")
	}
	if _, ok := mutationTypes[p.Section()]; !ok {
		return apperrors.New(apperrors.ErrUnknownSection, "unknown section "+string(p.Section()))
	}

	a.mu.Lock()
	doc := a.docLocked(sessionID)
	doc.set(p)
	stored := doc.payload(p.Section())
	a.mu.Unlock()

	a.afterUpdate(sessionID, stored)
	return nil
}

// UpdateOverview sets the overview description.
func (a *Aggregator) UpdateOverview(sessionID, description string) error {
	return a.Update(sessionID, types.Overview{Description: description})
}

// UpdateTools replaces the tools section.
func (a *Aggregator) UpdateTools(sessionID string, tools []types.Tool) error {
	return a.Update(sessionID, types.Tools(tools))
}

// UpdateToolsAll replaces the tools section of every in-memory session and
// writes output.json once. It returns the number of sessions updated.
func (a *Aggregator) UpdateToolsAll(tools []types.Tool) int {
	payload := types.Tools(append([]types.Tool(nil), tools...))

	a.mu.Lock()
	ids := append([]string(nil), a.order...)
	for _, id := range ids {
		a.docLocked(id).set(payload)
	}
	a.mu.Unlock()

	if len(ids) == 0 {
		return 0
	}
	a.persist()
	if a.notifier != nil {
		for _, id := range ids {
			a.notifier.Notify(SectionMutation(id, payload))
		}
	}
	return len(ids)
}

// UpdateRecommendation replaces the recommendation section.
func (a *Aggregator) UpdateRecommendation(sessionID string, recs []types.Recommendation) error {
	return a.Update(sessionID, types.Recommendations(recs))
}

// UpdateChecklist replaces the checklist section.
func (a *Aggregator) UpdateChecklist(sessionID string, items []types.ChecklistItem) error {
	return a.Update(sessionID, types.Checklist(items))
}

// UpdateExecutive replaces the executive summary with a single item.
func (a *Aggregator) UpdateExecutive(sessionID, title, content string) error {
	return a.Update(sessionID, types.Executive{{Title: title, Content: content}})
}

// UpdateAttack replaces the attack mapping section.
func (a *Aggregator) UpdateAttack(sessionID string, tactics []types.Tactic) error {
	return a.Update(sessionID, types.Attack(tactics))
}

// UpdateTimeline replaces the whole timeline section.
func (a *Aggregator) UpdateTimeline(sessionID string, entries []types.TimelineEntry) error {
	return a.Update(sessionID, types.Timeline(entries))
}

// AddTimelineEntry appends one entry to the session's timeline and returns
// a copy of the full timeline after the append.
func (a *Aggregator) AddTimelineEntry(sessionID string, entry types.TimelineEntry) (types.Timeline, error) {
	if sessionID == "" {
		return nil, apperrors.New(apperrors.ErrMissingParam, "session id is required")
	}
	if !entry.Stage.Valid() {
		return nil, apperrors.New(apperrors.ErrUnknownStage, entry.Stage.String())
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = a.now().UTC()
	}

	a.mu.Lock()
	doc := a.docLocked(sessionID)
	doc.Timeline = append(doc.Timeline, entry)
	if doc.present == nil {
		doc.present = make(map[types.Section]bool)
	}
	doc.present[types.SectionTimeline] = true
	snapshot := append(types.Timeline(nil), doc.Timeline...)
	a.mu.Unlock()

	a.afterUpdate(sessionID, snapshot)
	return snapshot, nil
}

// Timeline returns a copy of the session's timeline.
func (a *Aggregator) Timeline(sessionID string) types.Timeline {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if doc, ok := a.docs[sessionID]; ok {
		return append(types.Timeline(nil), doc.Timeline...)
	}
	return nil
}

// GetDocument returns a snapshot of the session's document. An unknown
// session yields an empty document.
func (a *Aggregator) GetDocument(sessionID string) Document {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if doc, ok := a.docs[sessionID]; ok {
		return doc.clone()
	}
	return Document{SessionID: sessionID}
}

// ClearSession drops the session's in-memory document. Persisted files are
// left untouched; output.json is rewritten without the session.
func (a *Aggregator) ClearSession(sessionID string) {
	a.mu.Lock()
	_, ok := a.docs[sessionID]
	if ok {
		delete(a.docs, sessionID)
		for i, id := range a.order {
			if id == sessionID {
				a.order = append(a.order[:i], a.order[i+1:]...)
				break
			}
		}
	}
	a.mu.Unlock()

	if ok {
		a.logger.Debug().Str("session_id", sessionID).Msg("session output cleared")
		a.persist()
	}
}

// Sessions returns the ids with an in-memory document, in creation order.
func (a *Aggregator) Sessions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.order...)
}

// Snapshot returns the output.json representation: for each section key a
// list of {id, data} items, one per session that has the section set.
func (a *Aggregator) Snapshot() map[string][]SectionItem {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string][]SectionItem)
	for _, id := range a.order {
		doc := a.docs[id]
		for _, s := range types.Sections() {
			if !doc.present[s] {
				continue
			}
			out[s.Key()] = append(out[s.Key()], SectionItem{ID: id, Data: doc.payload(s)})
		}
	}
	return out
}

// SectionItem is one session's entry under a section key in output.json.
type SectionItem struct {
	ID   string        `json:"id"`
	Data types.Payload `json:"data"`
}

func (a *Aggregator) docLocked(sessionID string) *Document {
	doc, ok := a.docs[sessionID]
	if !ok {
		doc = &Document{SessionID: sessionID}
		a.docs[sessionID] = doc
		a.order = append(a.order, sessionID)
	}
	doc.UpdatedAt = a.now().UTC()
	return doc
}

// afterUpdate persists the snapshot and hands the change to the bridge.
// Neither step can fail the update.
func (a *Aggregator) afterUpdate(sessionID string, p types.Payload) {
	a.persist()
	if a.notifier != nil {
		a.notifier.Notify(SectionMutation(sessionID, p))
	}
}

func (a *Aggregator) persist() {
	if a.path == "" {
		return
	}
	a.fileMu.Lock()
	defer a.fileMu.Unlock()

	data, err := json.MarshalIndent(a.Snapshot(), "", "  ")
	if err != nil {
		a.logger.Error().Err(err).Msg("encode output document failed")
		return
	}
	if err := a.write(a.path, data); err != nil {
		a.logger.Error().Err(err).Str("path", a.path).Msg("write output document failed")
	}
}
