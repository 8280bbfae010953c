package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-agent/alertflow/internal/transport"
	"github.com/sentinel-agent/alertflow/internal/types"
)

type fakeMsg struct {
	subject string
	data    []byte

	mu       sync.Mutex
	acked    bool
	naked    bool
	progress int
}

func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	m.acked = true
	m.mu.Unlock()
	return nil
}
func (m *fakeMsg) Nak() error {
	m.mu.Lock()
	m.naked = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMsg) InProgress() error {
	m.mu.Lock()
	m.progress++
	m.mu.Unlock()
	return nil
}

func (m *fakeMsg) heartbeats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

func (m *fakeMsg) settled() (acked, naked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked, m.naked
}

// fakeFetcher hands out queued messages one batch at a time.
type fakeFetcher struct {
	subject, durable string

	mu    sync.Mutex
	queue []transport.Message
}

func (f *fakeFetcher) Subject() string { return f.subject }
func (f *fakeFetcher) Durable() string { return f.durable }

func (f *fakeFetcher) Fetch(_ context.Context, batch int, timeout time.Duration) ([]transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		f.mu.Unlock()
		time.Sleep(timeout)
		f.mu.Lock()
		return nil, nil
	}
	if batch > len(f.queue) {
		batch = len(f.queue)
	}
	out := f.queue[:batch]
	f.queue = f.queue[batch:]
	return out, nil
}

type fakeSubscriber struct {
	mu       sync.Mutex
	fetchers map[string]*fakeFetcher
}

func (s *fakeSubscriber) SubscribePull(_ context.Context, subject, durable string) (transport.Fetcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchers == nil {
		s.fetchers = map[string]*fakeFetcher{}
	}
	f, ok := s.fetchers[subject]
	if !ok {
		f = &fakeFetcher{subject: subject, durable: durable}
		s.fetchers[subject] = f
	}
	return f, nil
}

func (s *fakeSubscriber) push(subject string, msgs ...*fakeMsg) {
	f, _ := s.SubscribePull(context.Background(), subject, "")
	ff := f.(*fakeFetcher)
	ff.mu.Lock()
	for _, m := range msgs {
		ff.queue = append(ff.queue, m)
	}
	ff.mu.Unlock()
}

func newRouterFixture(t *testing.T) (*fixture, *Router) {
	t.Helper()
	f := newFixture(t)
	r := NewRouter(f.orch, nil, f.nats, zerolog.Nop())
	return f, r
}

// ---------------------------------------------------------------------------
// dispatch
// ---------------------------------------------------------------------------

func TestDispatchInputStartsSession(t *testing.T) {
	f, r := newRouterFixture(t)
	m := &fakeMsg{subject: f.nats.InputSubject(), data: []byte(`{"alert_id":"S1","severity":"critical","data":{"rule":"x"}}`)}

	r.dispatch(context.Background(), m, r.handleInput)

	acked, naked := m.settled()
	assert.True(t, acked)
	assert.False(t, naked)
	assert.Len(t, f.out.Timeline("S1"), 1)
}

func TestDispatchFlatInput(t *testing.T) {
	f, r := newRouterFixture(t)
	m := &fakeMsg{subject: f.nats.InputSubject(), data: []byte(`{"alert_id":"S9","rule":"ssh"}`)}
	r.dispatch(context.Background(), m, r.handleInput)

	rec, err := f.store.Load("alerts", "S9")
	require.NoError(t, err)
	var alert map[string]interface{}
	require.NoError(t, rec.Decode(&alert))
	assert.Equal(t, "ssh", alert["rule"])
}

func TestDispatchAcksPoisonMessages(t *testing.T) {
	_, r := newRouterFixture(t)
	for _, body := range []string{`not json`, `{"data":{"technique_id":"T1"}}`, `{"session_id":"S1","stage":"Lunch Break"}`} {
		m := &fakeMsg{subject: "agentAI.analysis", data: []byte(body)}
		r.dispatch(context.Background(), m, r.handleAnalysis)
		acked, naked := m.settled()
		assert.True(t, acked, body)
		assert.False(t, naked, body)
	}
}

func TestDispatchAcksUpstreamErrors(t *testing.T) {
	f, r := newRouterFixture(t)
	f.start(t, "S1")

	m := &fakeMsg{subject: f.nats.OutputSubject(), data: []byte(`{"session_id":"S1","data":{"status":"error","message":"boom"}}`)}
	r.dispatch(context.Background(), m, r.handleOutput)

	acked, _ := m.settled()
	assert.True(t, acked, "a recorded upstream failure is not redelivered")
	tl := f.out.Timeline("S1")
	assert.Equal(t, "boom", tl[len(tl)-1].ErrorMessage)
}

func TestDispatchNaksProcessingFailures(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Completer = &fakeCompleter{panic: true} })
	r := NewRouter(f.orch, nil, f.nats, zerolog.Nop())
	f.start(t, "S1")

	m := &fakeMsg{subject: f.nats.OutputSubject(), data: []byte(`{"session_id":"S1","data":{}}`)}
	r.dispatch(context.Background(), m, r.handleOutput)

	acked, naked := m.settled()
	assert.False(t, acked)
	assert.True(t, naked)
}

func TestAnalysisMessageWithStage(t *testing.T) {
	f, r := newRouterFixture(t)
	f.start(t, "S1")

	m := &fakeMsg{subject: f.nats.AnalysisSubject(), data: []byte(`{"session_id":"S1","stage":"triage_status","data":{"description":"benign"}}`)}
	r.dispatch(context.Background(), m, r.handleAnalysis)

	tl := f.out.Timeline("S1")
	assert.Equal(t, types.StageTriageStatus, tl[len(tl)-1].Stage)
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRunRoutesAllSubjects(t *testing.T) {
	f := newFixture(t)
	f.nats.FetchTimeout = 10 * time.Millisecond
	sub := &fakeSubscriber{}
	r := NewRouter(f.orch, sub, f.nats, zerolog.Nop())

	in := &fakeMsg{subject: f.nats.InputSubject(), data: []byte(`{"alert_id":"S1","data":{"rule":"x"}}`)}
	sub.push(f.nats.InputSubject(), in)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { a, _ := in.settled(); return a }, 2*time.Second, 10*time.Millisecond)

	analysis := &fakeMsg{subject: f.nats.AnalysisSubject(), data: []byte(`{"session_id":"S1","technique_name":"Brute Force"}`)}
	sub.push(f.nats.AnalysisSubject(), analysis)
	require.Eventually(t, func() bool { a, _ := analysis.settled(); return a }, 2*time.Second, 10*time.Millisecond)

	out := &fakeMsg{subject: f.nats.OutputSubject(), data: []byte(`{"session_id":"S1","report":"Contain host."}`)}
	sub.push(f.nats.OutputSubject(), out)
	require.Eventually(t, func() bool { a, _ := out.settled(); return a }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		"Received Alert/success",
		"Type Agent/success",
		"Recommendation/success",
		"Process Complete/success",
	}, stagesOf(f.out.Timeline("S1")))

	f.orch.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("router did not exit after Stop")
	}
}

func TestDispatchHeartbeatsSlowHandler(t *testing.T) {
	f := newFixture(t)
	r := NewRouter(f.orch, &fakeSubscriber{}, f.nats, zerolog.Nop())
	r.heartbeat = 10 * time.Millisecond

	m := &fakeMsg{subject: f.nats.OutputSubject(), data: []byte(`{}`)}
	r.dispatch(context.Background(), m, func(context.Context, []byte) error {
		time.Sleep(80 * time.Millisecond)
		return nil
	})

	acked, _ := m.settled()
	assert.True(t, acked)
	assert.GreaterOrEqual(t, m.heartbeats(), 2)

	// No heartbeat after settling.
	n := m.heartbeats()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, m.heartbeats())
}

func TestNewRouterHeartbeatsWithinAckWait(t *testing.T) {
	f := newFixture(t)
	r := NewRouter(f.orch, &fakeSubscriber{}, f.nats, zerolog.Nop())
	assert.Greater(t, r.heartbeat, time.Duration(0))
	assert.Less(t, r.heartbeat, f.nats.AckWait)
}
