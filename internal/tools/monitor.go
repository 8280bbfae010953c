// Package tools checks the availability of the security tools listed in
// config and reports them in the tools section.
package tools

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel-agent/alertflow/internal/config"
	"github.com/sentinel-agent/alertflow/internal/metrics"
	"github.com/sentinel-agent/alertflow/internal/types"
)

// Tool statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusError   = "error"
	StatusMissing = "missing"
)

var statuses = []string{StatusOnline, StatusOffline, StatusError, StatusMissing}

// Sink receives the tool list after each refresh.
type Sink func(tools []types.Tool)

// Monitor runs the configured checks and caches the last result.
type Monitor struct {
	cfg    config.ToolsConfig
	client *http.Client
	logger zerolog.Logger

	mu    sync.RWMutex
	last  []types.Tool
	sinks []Sink
}

// NewMonitor creates a monitor. Until the first refresh every tool is
// reported as missing.
func NewMonitor(cfg config.ToolsConfig, logger zerolog.Logger) *Monitor {
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &Monitor{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "tools").Logger(),
	}
	for _, t := range cfg.Tools {
		m.last = append(m.last, types.Tool{Name: t.Name, Status: StatusMissing})
	}
	return m
}

// OnRefresh registers a sink called after every refresh.
func (m *Monitor) OnRefresh(s Sink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// Tools returns a copy of the last known statuses.
func (m *Monitor) Tools() []types.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Tool, len(m.last))
	copy(out, m.last)
	return out
}

// Refresh checks every tool concurrently and returns the result ordered by
// name. Individual check failures become statuses, never errors.
func (m *Monitor) Refresh(ctx context.Context) []types.Tool {
	results := make([]types.Tool, len(m.cfg.Tools))
	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range m.cfg.Tools {
		g.Go(func() error {
			results[i] = types.Tool{Name: tc.Name, Status: m.check(gctx, tc)}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	for _, t := range results {
		for _, s := range statuses {
			v := 0.0
			if s == t.Status {
				v = 1
			}
			metrics.ToolStatus.WithLabelValues(t.Name, s).Set(v)
		}
	}

	m.mu.Lock()
	m.last = results
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.Unlock()

	for _, s := range sinks {
		s(append([]types.Tool(nil), results...))
	}
	m.logger.Debug().Int("tools", len(results)).Msg("tool status refreshed")
	return results
}

func (m *Monitor) check(ctx context.Context, tc config.ToolConfig) string {
	switch strings.ToLower(tc.Check) {
	case "static", "":
		switch tc.Status {
		case StatusOnline, StatusOffline, StatusError:
			return tc.Status
		default:
			return StatusMissing
		}
	case "http":
		return m.checkHTTP(ctx, tc)
	default:
		m.logger.Warn().Str("tool", tc.Name).Str("check", tc.Check).Msg("unknown check type")
		return StatusError
	}
}

func (m *Monitor) checkHTTP(ctx context.Context, tc config.ToolConfig) string {
	if tc.Endpoint == "" {
		return StatusMissing
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tc.Endpoint, nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("tool", tc.Name).Msg("bad tool endpoint")
		return StatusError
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug().Err(err).Str("tool", tc.Name).Msg("tool unreachable")
		return StatusOffline
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return StatusOnline
	}
	return StatusError
}

// Run refreshes immediately and then every RefreshInterval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	m.Refresh(ctx)
	if m.cfg.RefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}
