package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
	"github.com/sentinel-agent/alertflow/internal/types"
)

// recordingNotifier captures mutations; accept=false simulates a full queue.
type recordingNotifier struct {
	mu     sync.Mutex
	got    []Mutation
	reject bool
}

func (r *recordingNotifier) Notify(m Mutation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return false
	}
	r.got = append(r.got, m)
	return true
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.got {
		out = append(out, m.MutationType)
	}
	return out
}

func newTestAggregator(t *testing.T) (*Aggregator, *recordingNotifier, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "output.json")
	n := &recordingNotifier{}
	return NewAggregator(path, n, zerolog.Nop()), n, path
}

// ---------------------------------------------------------------------------
// Section updates
// ---------------------------------------------------------------------------

func TestAggregator_UpdateReplacesSection(t *testing.T) {
	agg, _, _ := newTestAggregator(t)

	require.NoError(t, agg.UpdateAttack("S1", []types.Tactic{{TacticID: "TA0002", TacticName: "Execution", Confidence: 0.4}}))
	require.NoError(t, agg.UpdateAttack("S1", []types.Tactic{{TacticID: "TA0005", TacticName: "Defense Evasion", Confidence: 0.9}}))

	doc := agg.GetDocument("S1")
	require.Len(t, doc.Attack, 1)
	assert.Equal(t, "TA0005", doc.Attack[0].TacticID)
	assert.True(t, doc.Has(types.SectionAttack))
	assert.False(t, doc.Has(types.SectionChecklist))
}

func TestAggregator_AllSectionsNotifyBridge(t *testing.T) {
	agg, n, _ := newTestAggregator(t)

	require.NoError(t, agg.UpdateOverview("S1", "Alert received and processing started"))
	require.NoError(t, agg.UpdateTools("S1", []types.Tool{{Name: "EDR", Status: "online"}}))
	require.NoError(t, agg.UpdateRecommendation("S1", []types.Recommendation{{Description: "d", Content: "c"}}))
	require.NoError(t, agg.UpdateChecklist("S1", []types.ChecklistItem{{Title: "t", Content: "c"}}))
	require.NoError(t, agg.UpdateExecutive("S1", "Incident Analysis Complete", "done"))
	require.NoError(t, agg.UpdateAttack("S1", nil))
	require.NoError(t, agg.UpdateTimeline("S1", nil))

	assert.Equal(t, []string{
		"updateOverview", "updateTools", "updateRecommendation", "updateChecklist",
		"updateExecutiveSummary", "updateAttack", "updateTimeline",
	}, n.types())
}

func TestAggregator_NotifierRejectionDoesNotFailUpdate(t *testing.T) {
	agg, n, _ := newTestAggregator(t)
	n.reject = true

	require.NoError(t, agg.UpdateOverview("S1", "still recorded"))
	assert.Equal(t, "still recorded", agg.GetDocument("S1").Overview.Description)
}

func TestAggregator_UpdateValidation(t *testing.T) {
	agg, _, _ := newTestAggregator(t)

	err := agg.UpdateOverview("", "x")
	assert.True(t, apperrors.Is(err, apperrors.ErrMissingParam))

	err = agg.Update("S1", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownSection))
}

// ---------------------------------------------------------------------------
// Timeline
// ---------------------------------------------------------------------------

func TestAggregator_AddTimelineEntryAppends(t *testing.T) {
	agg, _, _ := newTestAggregator(t)

	_, err := agg.AddTimelineEntry("S1", types.TimelineEntry{Stage: types.StageReceivedAlert, Status: types.StatusSuccess})
	require.NoError(t, err)
	tl, err := agg.AddTimelineEntry("S1", types.TimelineEntry{Stage: types.StageTypeAgent, Status: types.StatusSuccess})
	require.NoError(t, err)

	require.Len(t, tl, 2)
	assert.Equal(t, types.StageTypeAgent, tl[1].Stage)
	assert.False(t, tl[1].RecordedAt.IsZero())

	_, err = agg.AddTimelineEntry("S1", types.TimelineEntry{Stage: types.Stage(99)})
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownStage))
	assert.Len(t, agg.Timeline("S1"), 2)
}

// ---------------------------------------------------------------------------
// Snapshots and clearing
// ---------------------------------------------------------------------------

func TestAggregator_GetDocumentReturnsCopy(t *testing.T) {
	agg, _, _ := newTestAggregator(t)
	require.NoError(t, agg.UpdateChecklist("S1", []types.ChecklistItem{{Title: "isolate host"}}))

	doc := agg.GetDocument("S1")
	doc.Checklist[0].Title = "mutated"

	assert.Equal(t, "isolate host", agg.GetDocument("S1").Checklist[0].Title)
}

func TestAggregator_ClearSession(t *testing.T) {
	agg, _, path := newTestAggregator(t)
	require.NoError(t, agg.UpdateOverview("S1", "one"))
	require.NoError(t, agg.UpdateOverview("S2", "two"))

	agg.ClearSession("S1")

	assert.True(t, agg.GetDocument("S1").Empty())
	assert.Equal(t, []string{"S2"}, agg.Sessions())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap map[string][]map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Len(t, snap["agentAI.overview.updated"], 1)
	assert.Equal(t, "S2", snap["agentAI.overview.updated"][0]["id"])
}

func TestAggregator_WritesOutputFile(t *testing.T) {
	agg, _, path := newTestAggregator(t)
	require.NoError(t, agg.UpdateOverview("S1", "Alert received and processing started"))
	_, err := agg.AddTimelineEntry("S1", types.TimelineEntry{Stage: types.StageReceivedAlert, Status: types.StatusSuccess})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var snap map[string][]struct {
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &snap))

	require.Len(t, snap["agentAI.timeline.updated"], 1)
	var tl types.Timeline
	require.NoError(t, json.Unmarshal(snap["agentAI.timeline.updated"][0].Data, &tl))
	require.Len(t, tl, 1)
	assert.Equal(t, types.StageReceivedAlert, tl[0].Stage)

	require.Len(t, snap["agentAI.overview.updated"], 1)
	assert.JSONEq(t, `{"description":"Alert received and processing started"}`,
		string(snap["agentAI.overview.updated"][0].Data))
}

func TestAggregator_UpdateToolsAllWritesOnce(t *testing.T) {
	agg, n, path := newTestAggregator(t)
	for _, id := range []string{"S1", "S2", "S3"} {
		require.NoError(t, agg.UpdateOverview(id, "started"))
	}

	writes := 0
	agg.write = func(p string, data []byte) error {
		writes++
		return os.WriteFile(p, data, 0600)
	}
	before := len(n.types())

	tools := []types.Tool{{Name: "wazuh", Status: "online"}}
	assert.Equal(t, 3, agg.UpdateToolsAll(tools))
	assert.Equal(t, 1, writes)
	assert.Len(t, n.types()[before:], 3)

	for _, id := range []string{"S1", "S2", "S3"} {
		assert.Equal(t, types.Tools(tools), agg.GetDocument(id).Tools)
	}
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap map[string][]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Len(t, snap["agentAI.tools.updated"], 3)

	empty, _, _ := newTestAggregator(t)
	assert.Equal(t, 0, empty.UpdateToolsAll(tools))
}

func TestAggregator_ConcurrentUpdates(t *testing.T) {
	agg := NewAggregator("", nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				agg.AddTimelineEntry("S1", types.TimelineEntry{Stage: types.StageTypeAgent, Status: types.StatusSuccess})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, agg.Timeline("S1"), 500)
}
