package output

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/alertflow/internal/metrics"
	"github.com/sentinel-agent/alertflow/internal/types"
)

// Publisher sends a JSON-encodable payload to a bus subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload interface{}) error
}

// Notifier accepts bridge mutations without blocking. It reports false when
// the mutation was dropped.
type Notifier interface {
	Notify(m Mutation) bool
}

// Mutation is one structured update for the presentation bridge.
type Mutation struct {
	Timestamp    string                 `json:"timestamp"`
	Source       string                 `json:"source"`
	Version      string                 `json:"version"`
	MutationType string                 `json:"mutation_type"`
	Variables    map[string]interface{} `json:"variables"`
	Data         map[string]interface{} `json:"data"`
}

const (
	mutationSource  = "agent_ai_system"
	mutationVersion = "2.0"
)

var mutationTypes = map[types.Section]string{
	types.SectionOverview:       "updateOverview",
	types.SectionTools:          "updateTools",
	types.SectionRecommendation: "updateRecommendation",
	types.SectionChecklist:      "updateChecklist",
	types.SectionExecutive:      "updateExecutiveSummary",
	types.SectionAttack:         "updateAttack",
	types.SectionTimeline:       "updateTimeline",
}

func newMutation(kind, sessionID string, vars, data map[string]interface{}) Mutation {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if vars == nil {
		vars = map[string]interface{}{}
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	vars["sessionId"] = sessionID
	vars["timestamp"] = now
	data["id"] = sessionID
	return Mutation{
		Timestamp:    now,
		Source:       mutationSource,
		Version:      mutationVersion,
		MutationType: kind,
		Variables:    vars,
		Data:         data,
	}
}

// SectionMutation builds the mutation emitted for a section update.
func SectionMutation(sessionID string, p types.Payload) Mutation {
	section := p.Section()
	return newMutation(mutationTypes[section], sessionID,
		map[string]interface{}{string(section): p},
		map[string]interface{}{string(section): p},
	)
}

// SessionCreated builds the createSession mutation.
func SessionCreated(sessionID string, alert map[string]interface{}) Mutation {
	return newMutation("createSession", sessionID,
		map[string]interface{}{"alertData": alert, "status": "started"},
		map[string]interface{}{"alert_data": alert, "status": "processing",
			"created_at": time.Now().UTC().Format(time.RFC3339Nano)},
	)
}

// SessionCompleted builds the completeSession mutation.
func SessionCompleted(sessionID, status string) Mutation {
	return newMutation("completeSession", sessionID,
		map[string]interface{}{"status": status},
		map[string]interface{}{"status": status,
			"completed_at": time.Now().UTC().Format(time.RFC3339Nano)},
	)
}

// Bridge forwards mutations to the bus from a bounded queue drained by one
// goroutine. Notify never blocks; a full queue drops the mutation.
type Bridge struct {
	pub     Publisher
	subject string
	timeout time.Duration
	queue   chan Mutation
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewBridge creates a bridge publishing to subject with room for size
// pending mutations.
func NewBridge(pub Publisher, subject string, size int, logger zerolog.Logger) *Bridge {
	if size < 1 {
		size = 1
	}
	return &Bridge{
		pub:     pub,
		subject: subject,
		timeout: 5 * time.Second,
		queue:   make(chan Mutation, size),
		logger:  logger.With().Str("component", "bridge").Logger(),
	}
}

// Notify enqueues m.
func (b *Bridge) Notify(m Mutation) bool {
	select {
	case b.queue <- m:
		return true
	default:
		metrics.BridgeDropped.Inc()
		b.logger.Warn().Str("mutation", m.MutationType).Msg("bridge queue full, dropping mutation")
		return false
	}
}

// Start launches the drain goroutine. It stops when ctx is done or Close is
// called.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.drain(ctx, b.stop, b.done)
}

// Close stops the drain goroutine after the mutations already queued are
// sent.
func (b *Bridge) Close() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stop)
	done := b.done
	b.mu.Unlock()
	<-done
}

func (b *Bridge) drain(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case m := <-b.queue:
			b.send(ctx, m)
		case <-stop:
			for {
				select {
				case m := <-b.queue:
					b.send(ctx, m)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) send(ctx context.Context, m Mutation) {
	pctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.pub.Publish(pctx, b.subject, m); err != nil {
		b.logger.Error().Err(err).Str("mutation", m.MutationType).Msg("bridge publish failed")
		return
	}
	b.logger.Debug().Str("mutation", m.MutationType).Msg("bridge mutation published")
}
