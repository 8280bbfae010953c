package alerting

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/alertflow/internal/metrics"
)

// Queue hands session events to a slow Notifier from a bounded buffer
// drained by one goroutine. NotifySession never blocks; a full queue drops
// the event.
type Queue struct {
	next   Notifier
	queue  chan SessionEvent
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewQueue wraps next with room for size pending events.
func NewQueue(next Notifier, size int, logger zerolog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		next:   next,
		queue:  make(chan SessionEvent, size),
		logger: logger.With().Str("component", "notify-queue").Logger(),
	}
}

// NotifySession enqueues ev.
func (q *Queue) NotifySession(ev SessionEvent) {
	select {
	case q.queue <- ev:
	default:
		metrics.NotificationsDropped.Inc()
		q.logger.Warn().Str("session_id", ev.SessionID).Msg("notification queue full, dropping event")
	}
}

// Start launches the drain goroutine.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	go q.drain(q.stop, q.done)
}

// Close delivers the events already queued, then stops the goroutine.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stop)
	done := q.done
	q.mu.Unlock()
	<-done
}

func (q *Queue) drain(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-q.queue:
			q.next.NotifySession(ev)
		case <-stop:
			for {
				select {
				case ev := <-q.queue:
					q.next.NotifySession(ev)
				default:
					return
				}
			}
		}
	}
}
