package types

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Severity
// ---------------------------------------------------------------------------

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		input string
		want  Severity
	}{
		{"low", SeverityLow},
		{"HIGH", SeverityHigh},
		{"critical", SeverityCritical},
		{"", SeverityInfo},
		{"banana", SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseSeverity(tt.input); got != tt.want {
				t.Errorf("ParseSeverity(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Stage
// ---------------------------------------------------------------------------

func TestStage_OrderAndLabels(t *testing.T) {
	want := []string{
		"Received Alert", "Type Agent", "Analyze Root Cause", "Triage Status",
		"Action Taken", "Tool Status", "Recommendation", "Process Complete",
	}
	stages := Stages()
	if len(stages) != len(want) {
		t.Fatalf("len(Stages()) = %d, want %d", len(stages), len(want))
	}
	for i, s := range stages {
		if s.String() != want[i] {
			t.Errorf("stage %d = %q, want %q", i, s.String(), want[i])
		}
		if s.Number() != i+1 {
			t.Errorf("stage %q Number() = %d, want %d", s, s.Number(), i+1)
		}
		if i > 0 && !(stages[i-1] < s) {
			t.Errorf("stage %q not after %q", s, stages[i-1])
		}
	}
}

func TestParseStage(t *testing.T) {
	tests := []struct {
		input   string
		want    Stage
		wantErr bool
	}{
		{input: "Type Agent", want: StageTypeAgent},
		{input: "type agent", want: StageTypeAgent},
		{input: "TYPE_AGENT", want: StageTypeAgent},
		{input: "analyze-root-cause", want: StageAnalyzeRootCause},
		{input: " Process Complete ", want: StageProcessComplete},
		{input: "Classify", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStage(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseStage(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStage(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseStage(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestStage_InvalidString(t *testing.T) {
	if got := Stage(42).String(); got != "Stage(42)" {
		t.Errorf("String() = %q", got)
	}
	if _, err := Stage(-1).MarshalText(); err == nil {
		t.Error("MarshalText on invalid stage should fail")
	}
}

func TestTimelineEntry_JSON(t *testing.T) {
	entry := TimelineEntry{Stage: StageTypeAgent, Status: StatusError, ErrorMessage: "boom"}
	b, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("Unmarshal raw: %v", err)
	}
	if raw["stage"] != "Type Agent" {
		t.Errorf("stage = %v, want %q", raw["stage"], "Type Agent")
	}
	if raw["errorMessage"] != "boom" {
		t.Errorf("errorMessage = %v", raw["errorMessage"])
	}

	var back TimelineEntry
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Stage != StageTypeAgent || back.Status != StatusError {
		t.Errorf("round trip = %+v", back)
	}
}

// ---------------------------------------------------------------------------
// Sections
// ---------------------------------------------------------------------------

func TestPayload_Sections(t *testing.T) {
	tests := []struct {
		payload Payload
		want    Section
	}{
		{Overview{Description: "x"}, SectionOverview},
		{Tools{{Name: "EDR", Status: "online"}}, SectionTools},
		{Recommendations{}, SectionRecommendation},
		{Checklist{}, SectionChecklist},
		{Executive{}, SectionExecutive},
		{Attack{}, SectionAttack},
		{Timeline{}, SectionTimeline},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			if got := tt.payload.Section(); got != tt.want {
				t.Errorf("Section() = %q, want %q", got, tt.want)
			}
		})
	}

	if got := SectionOverview.Key(); got != "agentAI.overview.updated" {
		t.Errorf("Key() = %q", got)
	}
	if len(Sections()) != 7 {
		t.Errorf("len(Sections()) = %d, want 7", len(Sections()))
	}
}

// ---------------------------------------------------------------------------
// StageData
// ---------------------------------------------------------------------------

func TestStageData(t *testing.T) {
	d := StageData{"status": "ERROR", "message": "boom", "confidence_score": 0.9}
	if !d.IsError() {
		t.Error("IsError() = false, want true")
	}
	if got := d.ErrorMessage(); got != "boom" {
		t.Errorf("ErrorMessage() = %q", got)
	}
	if got := d.Float("confidence_score"); got != 0.9 {
		t.Errorf("Float() = %v", got)
	}

	var empty StageData
	if empty.IsError() {
		t.Error("nil StageData reported an error")
	}
	if empty.String("x") != "" {
		t.Error("nil StageData returned a string")
	}
	if got := (StageData{"status": "error"}).ErrorMessage(); got == "" {
		t.Error("ErrorMessage() fallback is empty")
	}
}
