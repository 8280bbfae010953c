package output

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-agent/alertflow/internal/types"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads []interface{}
	block    chan struct{}
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, subject string, payload interface{}) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func TestBridge_PublishesQueuedMutations(t *testing.T) {
	pub := &recordingPublisher{}
	b := NewBridge(pub, "agentAI.graphql.mutation", 8, zerolog.Nop())
	b.Start(context.Background())

	require.True(t, b.Notify(SectionMutation("S1", types.Overview{Description: "x"})))
	require.True(t, b.Notify(SessionCompleted("S1", "completed")))
	b.Close()

	require.Equal(t, 2, pub.count())
	assert.Equal(t, "agentAI.graphql.mutation", pub.subjects[0])

	m := pub.payloads[0].(Mutation)
	assert.Equal(t, "updateOverview", m.MutationType)
	assert.Equal(t, "agent_ai_system", m.Source)
	assert.Equal(t, "2.0", m.Version)
	assert.Equal(t, "S1", m.Data["id"])
	assert.Equal(t, "S1", m.Variables["sessionId"])
}

func TestBridge_FullQueueDropsWithoutBlocking(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	b := NewBridge(pub, "subj", 1, zerolog.Nop())

	// not started: the queue holds exactly one mutation
	require.True(t, b.Notify(SessionCreated("S1", nil)))

	done := make(chan bool)
	go func() { done <- b.Notify(SessionCreated("S2", nil)) }()

	select {
	case accepted := <-done:
		assert.False(t, accepted)
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
}

func TestBridge_PublishErrorIsSwallowed(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats: timeout")}
	b := NewBridge(pub, "subj", 4, zerolog.Nop())
	b.Start(context.Background())

	assert.True(t, b.Notify(SessionCompleted("S1", "error")))
	b.Close()
	assert.Equal(t, 1, pub.count())

	// Close twice is a no-op.
	b.Close()
}
