// Package types defines the data structures shared across AlertFlow.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity levels carried by inbound alerts.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a string severity to the enum.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// ---------------------------------------------------------------------------
// Stages
// ---------------------------------------------------------------------------

// Stage is one step of the fixed alert-processing sequence. Values are
// ordered; a larger value is a later stage.
type Stage int

const (
	StageReceivedAlert Stage = iota
	StageTypeAgent
	StageAnalyzeRootCause
	StageTriageStatus
	StageActionTaken
	StageToolStatus
	StageRecommendation
	StageProcessComplete
)

// stageLabels is the single ordered table of human-readable stage names.
var stageLabels = [...]string{
	StageReceivedAlert:    "Received Alert",
	StageTypeAgent:        "Type Agent",
	StageAnalyzeRootCause: "Analyze Root Cause",
	StageTriageStatus:     "Triage Status",
	StageActionTaken:      "Action Taken",
	StageToolStatus:       "Tool Status",
	StageRecommendation:   "Recommendation",
	StageProcessComplete:  "Process Complete",
}

// Stages returns every stage in pipeline order.
func Stages() []Stage {
	out := make([]Stage, len(stageLabels))
	for i := range stageLabels {
		out[i] = Stage(i)
	}
	return out
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s >= StageReceivedAlert && s <= StageProcessComplete
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageLabels[s]
}

// Number is the 1-based position of the stage in the pipeline.
func (s Stage) Number() int { return int(s) + 1 }

// ParseStage resolves a stage label. Matching ignores case, and
// underscores or dashes are treated as spaces, so "type_agent" resolves
// to StageTypeAgent.
func ParseStage(label string) (Stage, error) {
	norm := strings.ToLower(strings.TrimSpace(label))
	norm = strings.NewReplacer("_", " ", "-", " ").Replace(norm)
	for i, l := range stageLabels {
		if strings.ToLower(l) == norm {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", label)
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(stageLabels[s]), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	st, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Status is the state a stage is recorded in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// TimelineEntry is one append-only record of a stage transition.
type TimelineEntry struct {
	Stage        Stage     `json:"stage"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"errorMessage"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// ---------------------------------------------------------------------------
// Output sections
// ---------------------------------------------------------------------------

// Section names one part of a session's output document.
type Section string

const (
	SectionOverview       Section = "overview"
	SectionTools          Section = "tools"
	SectionRecommendation Section = "recommendation"
	SectionChecklist      Section = "checklist"
	SectionExecutive      Section = "executive"
	SectionAttack         Section = "attack"
	SectionTimeline       Section = "timeline"
)

// Sections lists every section in document order.
func Sections() []Section {
	return []Section{
		SectionOverview, SectionTools, SectionRecommendation, SectionChecklist,
		SectionExecutive, SectionAttack, SectionTimeline,
	}
}

// Key is the output.json key for the section, e.g. "agentAI.overview.updated".
func (s Section) Key() string {
	return "agentAI." + string(s) + ".updated"
}

// Payload is the closed set of section payloads. Each concrete type knows
// the section it belongs to.
type Payload interface {
	Section() Section
}

// Overview is the short free-text status line of a session.
type Overview struct {
	Description string `json:"description"`
}

// Tool reports the availability of one security tool.
type Tool struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Recommendation is one recommended response action.
type Recommendation struct {
	Description string `json:"description"`
	Content     string `json:"content"`
}

// ChecklistItem is one triage checklist entry.
type ChecklistItem struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ExecutiveItem is one entry of the executive summary.
type ExecutiveItem struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Tactic is one MITRE ATT&CK tactic mapped to the alert.
type Tactic struct {
	TacticID   string  `json:"tacticID"`
	TacticName string  `json:"tacticName"`
	Confidence float64 `json:"confidence"`
}

type (
	Tools           []Tool
	Recommendations []Recommendation
	Checklist       []ChecklistItem
	Executive       []ExecutiveItem
	Attack          []Tactic
	Timeline        []TimelineEntry
)

func (Overview) Section() Section        { return SectionOverview }
func (Tools) Section() Section           { return SectionTools }
func (Recommendations) Section() Section { return SectionRecommendation }
func (Checklist) Section() Section       { return SectionChecklist }
func (Executive) Section() Section       { return SectionExecutive }
func (Attack) Section() Section          { return SectionAttack }
func (Timeline) Section() Section        { return SectionTimeline }

// ---------------------------------------------------------------------------
// Pipeline messages
// ---------------------------------------------------------------------------

// Alert is an inbound alert as published on the input subject.
type Alert struct {
	AlertID  string                 `json:"alert_id,omitempty"`
	Severity string                 `json:"severity,omitempty"`
	Data     map[string]interface{} `json:"data"`
}

// TypeResult is what the classification stage reports back.
type TypeResult struct {
	SessionID       string  `json:"session_id"`
	AlertID         string  `json:"alert_id,omitempty"`
	TechniqueID     string  `json:"technique_id,omitempty"`
	TechniqueName   string  `json:"technique_name,omitempty"`
	Tactic          string  `json:"tactic,omitempty"`
	TacticID        string  `json:"tactic_id,omitempty"`
	ConfidenceScore float64 `json:"confidence_score,omitempty"`
	Reasoning       string  `json:"reasoning,omitempty"`
}

// StageData is the generic body of a stage completion. Known keys are
// decoded by the orchestrator per stage; the raw map is persisted as is.
type StageData map[string]interface{}

// String returns the value of key when it is a non-empty string.
func (d StageData) String(key string) string {
	if d == nil {
		return ""
	}
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the numeric value of key, or 0.
func (d StageData) Float(key string) float64 {
	if d == nil {
		return 0
	}
	switch v := d[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// FlowStatus values reported when a flow completes.
const (
	FlowSuccess = "success"
	FlowError   = "error"
)

// IsError reports whether the stage data signals an upstream failure.
func (d StageData) IsError() bool {
	return strings.EqualFold(d.String("status"), FlowError)
}

// ErrorMessage is the upstream failure text, or a generic message when the
// reporter sent none.
func (d StageData) ErrorMessage() string {
	for _, k := range []string{"message", "error", "error_message"} {
		if m := d.String(k); m != "" {
			return m
		}
	}
	return "upstream stage reported an error"
}
