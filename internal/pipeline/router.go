package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel-agent/alertflow/internal/config"
	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
	"github.com/sentinel-agent/alertflow/internal/metrics"
	"github.com/sentinel-agent/alertflow/internal/transport"
	"github.com/sentinel-agent/alertflow/internal/types"
)

// Subscriber binds durable pull consumers.
type Subscriber interface {
	SubscribePull(ctx context.Context, subject, durable string) (transport.Fetcher, error)
}

type handlerFunc func(ctx context.Context, data []byte) error

type route struct {
	subject string
	durable string
	handle  handlerFunc
}

// Router feeds bus traffic into the orchestrator: input starts sessions,
// analysis completes stages, output completes flows.
type Router struct {
	orch   *Orchestrator
	sub    Subscriber
	cfg    config.NATSConfig
	logger zerolog.Logger
	idle   time.Duration

	// heartbeat is how often a message still being handled is reported
	// in progress, holding off redelivery.
	heartbeat time.Duration
}

// NewRouter creates a router over sub.
func NewRouter(orch *Orchestrator, sub Subscriber, cfg config.NATSConfig, logger zerolog.Logger) *Router {
	return &Router{
		orch:      orch,
		sub:       sub,
		cfg:       cfg,
		logger:    logger.With().Str("component", "router").Logger(),
		idle:      time.Second,
		heartbeat: cfg.AckWait / 3,
	}
}

func (r *Router) routes() []route {
	return []route{
		{subject: r.cfg.InputSubject(), durable: r.cfg.Durables.Input, handle: r.handleInput},
		{subject: r.cfg.AnalysisSubject(), durable: r.cfg.Durables.Analysis, handle: r.handleAnalysis},
		{subject: r.cfg.OutputSubject(), durable: r.cfg.Durables.Output, handle: r.handleOutput},
	}
}

// Run subscribes every route and runs one fetch loop per subject until ctx
// is cancelled or the orchestrator stops.
func (r *Router) Run(ctx context.Context) error {
	routes := r.routes()
	fetchers := make([]transport.Fetcher, len(routes))
	for i, rt := range routes {
		f, err := r.sub.SubscribePull(ctx, rt.subject, rt.durable)
		if err != nil {
			return err
		}
		fetchers[i] = f
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, rt := range routes {
		f := fetchers[i]
		g.Go(func() error {
			r.loop(gctx, f, rt.handle)
			return nil
		})
	}
	r.logger.Info().Int("consumers", len(routes)).Msg("router started")
	err := g.Wait()
	r.logger.Info().Msg("router stopped")
	return err
}

func (r *Router) loop(ctx context.Context, f transport.Fetcher, handle handlerFunc) {
	log := r.logger.With().Str("subject", f.Subject()).Str("durable", f.Durable()).Logger()
	for r.orch.Running() && ctx.Err() == nil {
		msgs, err := f.Fetch(ctx, r.cfg.FetchBatch, r.cfg.FetchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.idle):
			}
			continue
		}
		for _, m := range msgs {
			// In-flight messages finish even when shutdown starts.
			r.dispatch(context.WithoutCancel(ctx), m, handle)
		}
	}
}

// dispatch runs handle and settles the message: acked on success, on
// unparseable input and on failures redelivery cannot fix; nak'd otherwise.
func (r *Router) dispatch(ctx context.Context, m transport.Message, handle handlerFunc) {
	stop := r.keepAlive(m)
	err := handle(ctx, m.Data())
	stop()
	outcome := "ack"
	switch {
	case err == nil:
	case apperrors.Is(err, apperrors.ErrMalformedMessage):
		outcome = "poison"
		r.logger.Warn().Err(err).Str("subject", m.Subject()).Msg("dropping unparseable message")
	case terminal(err):
		r.logger.Info().Err(err).Str("subject", m.Subject()).Msg("message settled with a recorded failure")
	default:
		outcome = "nak"
	}

	var settleErr error
	if outcome == "nak" {
		r.logger.Error().Err(err).Str("subject", m.Subject()).Msg("processing failed, requesting redelivery")
		settleErr = m.Nak()
	} else {
		settleErr = m.Ack()
	}
	if settleErr != nil {
		r.logger.Warn().Err(settleErr).Str("subject", m.Subject()).Str("outcome", outcome).Msg("settle failed")
	}
	metrics.BusMessages.WithLabelValues(m.Subject(), outcome).Inc()
}

// keepAlive reports m in progress every heartbeat until the returned func
// is called.
func (r *Router) keepAlive(m transport.Message) func() {
	if r.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := m.InProgress(); err != nil {
					r.logger.Warn().Err(err).Str("subject", m.Subject()).Msg("in-progress heartbeat failed")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// terminal errors are already recorded on the timeline or can never succeed.
func terminal(err error) bool {
	switch apperrors.GetCode(err) {
	case apperrors.ErrUpstream, apperrors.ErrInvalidInput, apperrors.ErrMissingParam, apperrors.ErrUnknownStage:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Message decoding
// ---------------------------------------------------------------------------

// envelope is the common shape of control messages. Messages without a
// data object are treated as flat: the whole body is the data.
type envelope struct {
	SessionID string          `json:"session_id"`
	AlertID   string          `json:"alert_id"`
	Severity  string          `json:"severity"`
	Stage     string          `json:"stage"`
	Data      json.RawMessage `json:"data"`
}

func decode(raw []byte) (envelope, types.StageData, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, nil, apperrors.Wrap(apperrors.ErrMalformedMessage, "decode message", err)
	}
	var data types.StageData
	if len(env.Data) > 0 && env.Data[0] == '{' {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return env, nil, apperrors.Wrap(apperrors.ErrMalformedMessage, "decode data", err)
		}
		return env, data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return env, nil, apperrors.Wrap(apperrors.ErrMalformedMessage, "decode body", err)
	}
	return env, data, nil
}

func (r *Router) handleInput(ctx context.Context, raw []byte) error {
	env, data, err := decode(raw)
	if err != nil {
		return err
	}
	id := env.AlertID
	if id == "" {
		id = env.SessionID
	}
	_, err = r.orch.Start(ctx, types.Alert{AlertID: id, Severity: env.Severity, Data: data})
	return err
}

func (r *Router) handleAnalysis(ctx context.Context, raw []byte) error {
	env, data, err := decode(raw)
	if err != nil {
		return err
	}
	if env.SessionID == "" {
		return apperrors.New(apperrors.ErrMalformedMessage, "analysis message without session_id")
	}
	stage := types.StageTypeAgent
	if env.Stage != "" {
		if stage, err = types.ParseStage(env.Stage); err != nil {
			return apperrors.Wrap(apperrors.ErrMalformedMessage, "analysis message stage", err)
		}
	}
	return r.orch.StageCompleted(ctx, stage, data, env.SessionID)
}

func (r *Router) handleOutput(ctx context.Context, raw []byte) error {
	env, data, err := decode(raw)
	if err != nil {
		return err
	}
	if env.SessionID == "" {
		return apperrors.New(apperrors.ErrMalformedMessage, "output message without session_id")
	}
	return r.orch.FlowCompleted(ctx, data, env.SessionID)
}
