// Package transport owns the JetStream connection: stream setup, JSON
// publishing and durable pull subscriptions.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/sentinel-agent/alertflow/internal/config"
	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
	"github.com/sentinel-agent/alertflow/internal/metrics"
)

// Message is one fetched bus message. jetstream.Msg satisfies it.
type Message interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	InProgress() error
}

// Fetcher pulls batches from a durable consumer.
type Fetcher interface {
	Subject() string
	Durable() string
	Fetch(ctx context.Context, batch int, timeout time.Duration) ([]Message, error)
}

// Conn is what the rest of the system needs from a bus connection.
type Conn interface {
	Publish(ctx context.Context, subject string, payload interface{}) error
	SubscribePull(ctx context.Context, subject, durable string) (Fetcher, error)
	IsConnected() bool
	Close() error
}

// Handler is a Conn backed by one NATS connection.
type Handler struct {
	cfg    config.NATSConfig
	name   string
	logger zerolog.Logger

	mu     sync.Mutex
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	subs   map[string]*Subscription
	closed chan struct{}
	stop   chan struct{} // closed by Close to release pending fetches
}

// NewHandler returns an unconnected handler. name identifies the
// connection to the server.
func NewHandler(name string, cfg config.NATSConfig, logger zerolog.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		name:   name,
		logger: logger.With().Str("component", "transport").Str("conn", name).Logger(),
		subs:   make(map[string]*Subscription),
	}
}

// Connect dials the server, retrying up to cfg.ConnectRetries times, then
// makes sure the stream exists.
func (h *Handler) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nc != nil {
		return nil
	}

	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name("alertflow-" + h.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(h.cfg.RetryWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				h.logger.Warn().Err(err).Msg("disconnected from bus")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			h.logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to bus")
		}),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	}

	var (
		nc  *nats.Conn
		err error
	)
	attempts := h.cfg.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		nc, err = nats.Connect(h.cfg.URL, opts...)
		if err == nil {
			break
		}
		h.logger.Warn().Err(err).Int("attempt", i).Int("of", attempts).Msg("bus connect failed")
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.ErrBusUnreachable, "connect cancelled", ctx.Err())
		case <-time.After(h.cfg.RetryWait):
		}
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrBusUnreachable,
			fmt.Sprintf("bus %s unreachable after %d attempts", h.cfg.URL, attempts), err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return apperrors.Wrap(apperrors.ErrTransport, "jetstream context", err)
	}

	stream, err := ensureStream(ctx, js, h.cfg, h.logger)
	if err != nil {
		nc.Close()
		return err
	}

	h.nc, h.js, h.stream, h.closed = nc, js, stream, closed
	h.stop = make(chan struct{})
	h.logger.Info().
		Str("url", nc.ConnectedUrl()).
		Str("stream", h.cfg.StreamName).
		Strs("subjects", h.cfg.Subjects()).
		Msg("connected to bus")
	return nil
}

// ensureStream creates the stream, tolerating one that already exists. An
// existing stream missing some of our subjects is updated to include them.
func ensureStream(ctx context.Context, js jetstream.JetStream, cfg config.NATSConfig, logger zerolog.Logger) (jetstream.Stream, error) {
	want := jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  cfg.Subjects(),
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    cfg.MaxAge,
	}

	stream, err := js.CreateStream(ctx, want)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return nil, apperrors.Wrap(apperrors.ErrTransport, "create stream "+cfg.StreamName, err)
	}

	stream, err = js.Stream(ctx, cfg.StreamName)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransport, "lookup stream "+cfg.StreamName, err)
	}
	existing := stream.CachedInfo().Config
	missing := missingSubjects(existing.Subjects, want.Subjects)
	if len(missing) == 0 {
		logger.Debug().Str("stream", cfg.StreamName).Msg("stream already exists")
		return stream, nil
	}

	existing.Subjects = append(existing.Subjects, missing...)
	stream, err = js.UpdateStream(ctx, existing)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransport, "update stream subjects", err)
	}
	logger.Info().Strs("added", missing).Msg("stream subjects extended")
	return stream, nil
}

func missingSubjects(have, want []string) []string {
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	var out []string
	for _, s := range want {
		if !set[s] {
			out = append(out, s)
		}
	}
	return out
}

// Publish JSON-encodes payload and publishes it, waiting for the stream
// acknowledgment. Failures are returned, never dropped.
func (h *Handler) Publish(ctx context.Context, subject string, payload interface{}) error {
	js, err := h.jetStream()
	if err != nil {
		metrics.Publish(subject, err)
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		err = apperrors.Wrap(apperrors.ErrMalformedMessage, "encode payload for "+subject, err)
		metrics.Publish(subject, err)
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		err = apperrors.Wrap(apperrors.ErrPublish, "publish "+subject, err)
		metrics.Publish(subject, err)
		return err
	}
	metrics.Publish(subject, nil)
	h.logger.Debug().Str("subject", subject).Int("bytes", len(data)).Msg("published")
	return nil
}

// SubscribePull binds a durable pull consumer. Asking again for the same
// subject and durable returns the existing subscription.
func (h *Handler) SubscribePull(ctx context.Context, subject, durable string) (Fetcher, error) {
	if subject == "" || durable == "" {
		return nil, apperrors.New(apperrors.ErrMissingParam, "subject and durable name are required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.nc == nil || h.nc.IsClosed() {
		return nil, apperrors.New(apperrors.ErrConnClosed, "not connected")
	}

	key := subject + "|" + durable
	if sub, ok := h.subs[key]; ok {
		return sub, nil
	}

	consumer, err := h.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       h.cfg.AckWait,
		MaxDeliver:    h.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSubscribe, fmt.Sprintf("consumer %s on %s", durable, subject), err)
	}

	sub := &Subscription{subject: subject, durable: durable, consumer: consumer, stop: h.stop}
	h.subs[key] = sub
	h.logger.Info().Str("subject", subject).Str("durable", durable).Dur("ack_wait", h.cfg.AckWait).Msg("pull subscription ready")
	return sub, nil
}

// IsConnected reports whether the connection is currently up.
func (h *Handler) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nc != nil && h.nc.IsConnected()
}

// Close drains the connection, letting pending acknowledgments flush, and
// waits for it to close. Pending fetches are cancelled.
func (h *Handler) Close() error {
	h.mu.Lock()
	nc, closed, stop := h.nc, h.closed, h.stop
	h.nc, h.js, h.stream, h.stop = nil, nil, nil, nil
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	if nc == nil {
		return nil
	}
	close(stop)
	if err := nc.Drain(); err != nil {
		nc.Close()
		return apperrors.Wrap(apperrors.ErrTransport, "drain", err)
	}
	select {
	case <-closed:
	case <-time.After(30 * time.Second):
		nc.Close()
	}
	h.logger.Info().Msg("bus connection closed")
	return nil
}

func (h *Handler) jetStream() (jetstream.JetStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.js == nil {
		return nil, apperrors.New(apperrors.ErrConnClosed, "not connected")
	}
	return h.js, nil
}

// Subscription is a durable pull consumer.
type Subscription struct {
	subject  string
	durable  string
	consumer jetstream.Consumer
	stop     <-chan struct{}
}

func (s *Subscription) Subject() string { return s.subject }
func (s *Subscription) Durable() string { return s.durable }

// Fetch waits up to timeout for at most batch messages. No messages within
// the timeout is an empty result, not an error. Cancelling ctx or closing
// the handler ends the wait; messages received so far are left unacked and
// redeliver.
func (s *Subscription) Fetch(ctx context.Context, batch int, timeout time.Duration) ([]Message, error) {
	if batch < 1 {
		batch = 1
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-s.stop:
		return nil, apperrors.New(apperrors.ErrConnClosed, "connection closed")
	default:
	}

	batchRes, err := s.consumer.Fetch(batch, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.ErrTransport, "fetch "+s.subject, err)
	}

	var out []Message
	msgs := batchRes.Messages()
collect:
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				break collect
			}
			out = append(out, msg)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.stop:
			return nil, apperrors.New(apperrors.ErrConnClosed, "connection closed")
		}
	}
	if err := batchRes.Error(); err != nil && !isEmptyFetch(err) {
		if len(out) > 0 {
			return out, nil
		}
		return nil, apperrors.Wrap(apperrors.ErrTransport, "fetch "+s.subject, err)
	}
	return out, nil
}

func isEmptyFetch(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, jetstream.ErrNoMessages)
}
