// Package alerting sends session completion notices to external channels.
package alerting

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/alertflow/internal/config"
	"github.com/sentinel-agent/alertflow/internal/types"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-AlertFlow-Signature"

// Event names.
const (
	EventCompleted = "session.completed"
	EventFailed    = "session.failed"
)

// ---------------------------------------------------------------------------
// Notifier interface
// ---------------------------------------------------------------------------

// SessionEvent describes a session that reached a terminal state.
type SessionEvent struct {
	SessionID    string
	AlertID      string
	Severity     types.Severity
	Success      bool
	FailedStage  string
	ErrorMessage string
	Technique    string
	Duration     time.Duration
	At           time.Time
}

// Notifier delivers session events. Delivery is best-effort.
type Notifier interface {
	NotifySession(ev SessionEvent)
}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) NotifySession(ev SessionEvent) {
	for _, n := range m {
		n.NotifySession(ev)
	}
}

// FromConfig builds the notifiers enabled in cfg. It returns nil when none are.
func FromConfig(cfg config.NotifyConfig, logger zerolog.Logger) Notifier {
	var out Multi
	if cfg.WebhookURL != "" {
		out = append(out, NewWebhookNotifier(cfg, logger))
	}
	if cfg.SlackWebhook != "" {
		out = append(out, NewSlackNotifier(cfg, logger))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ---------------------------------------------------------------------------
// WebhookNotifier – generic HTTP JSON webhook
// ---------------------------------------------------------------------------

type webhookPayload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Session   sessionPayload `json:"session"`
}

type sessionPayload struct {
	ID           string  `json:"id"`
	AlertID      string  `json:"alert_id,omitempty"`
	Status       string  `json:"status"`
	Severity     string  `json:"severity"`
	FailedStage  string  `json:"failed_stage,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Technique    string  `json:"technique,omitempty"`
	DurationSec  float64 `json:"duration_seconds"`
}

// WebhookNotifier posts signed JSON events to an HTTP endpoint.
type WebhookNotifier struct {
	cfg    config.NotifyConfig
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier creates a WebhookNotifier from cfg.
func NewWebhookNotifier(cfg config.NotifyConfig, logger zerolog.Logger) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "webhook").Logger(),
	}
}

// NotifySession posts the event, retrying once on failure.
func (w *WebhookNotifier) NotifySession(ev SessionEvent) {
	body, err := json.Marshal(buildPayload(ev))
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to marshal webhook payload")
		return
	}

	if w.doPost(body) {
		return
	}
	w.logger.Warn().Str("session_id", ev.SessionID).Msg("webhook delivery failed, retrying once")
	if !w.doPost(body) {
		w.logger.Error().Str("session_id", ev.SessionID).Msg("webhook delivery failed after retry")
	}
}

func buildPayload(ev SessionEvent) webhookPayload {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	event, status := EventCompleted, "completed"
	if !ev.Success {
		event, status = EventFailed, "error"
	}
	return webhookPayload{
		Event:     event,
		Timestamp: at.UTC().Format(time.RFC3339),
		Session: sessionPayload{
			ID:           ev.SessionID,
			AlertID:      ev.AlertID,
			Status:       status,
			Severity:     ev.Severity.String(),
			FailedStage:  ev.FailedStage,
			ErrorMessage: ev.ErrorMessage,
			Technique:    ev.Technique,
			DurationSec:  ev.Duration.Seconds(),
		},
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// doPost performs a single POST and reports whether it got a 2xx.
func (w *WebhookNotifier) doPost(body []byte) bool {
	req, err := http.NewRequest(http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to create webhook request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.cfg.Secret, body))
	}
	for key, value := range w.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Error().Err(err).Str("url", w.cfg.WebhookURL).Msg("webhook request failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.logger.Debug().Int("status", resp.StatusCode).Msg("webhook delivered")
		return true
	}
	w.logger.Warn().Int("status", resp.StatusCode).Str("url", w.cfg.WebhookURL).Msg("webhook returned non-2xx status")
	return false
}

// ---------------------------------------------------------------------------
// SlackNotifier – Slack Block Kit integration
// ---------------------------------------------------------------------------

// SlackNotifier posts session events to a Slack incoming webhook.
type SlackNotifier struct {
	cfg    config.NotifyConfig
	client *http.Client
	logger zerolog.Logger
}

// NewSlackNotifier creates a SlackNotifier from cfg.
func NewSlackNotifier(cfg config.NotifyConfig, logger zerolog.Logger) *SlackNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "slack").Logger(),
	}
}

// NotifySession posts a Block Kit message for the event.
func (s *SlackNotifier) NotifySession(ev SessionEvent) {
	s.post(s.buildMessage(ev))
}

func (s *SlackNotifier) buildMessage(ev SessionEvent) map[string]interface{} {
	title := fmt.Sprintf("Incident analysis complete: %s", ev.SessionID)
	color := severityColor(ev.Severity)
	if !ev.Success {
		title = fmt.Sprintf("Incident analysis failed: %s", ev.SessionID)
		color = "#e91e63"
	}

	fields := []map[string]string{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:*\n%s", strings.ToUpper(ev.Severity.String()))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Duration:*\n%s", ev.Duration.Round(time.Second))},
	}
	if ev.Technique != "" {
		fields = append(fields, map[string]string{"type": "mrkdwn", "text": fmt.Sprintf("*Technique:*\n`%s`", ev.Technique)})
	}
	if ev.FailedStage != "" {
		fields = append(fields, map[string]string{"type": "mrkdwn", "text": fmt.Sprintf("*Failed stage:*\n%s", ev.FailedStage)})
	}

	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]string{"type": "plain_text", "text": title},
		},
		{
			"type":   "section",
			"fields": fields,
		},
	}
	if ev.ErrorMessage != "" {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]string{"type": "mrkdwn", "text": fmt.Sprintf("*Error:*\n%s", ev.ErrorMessage)},
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{"color": color, "blocks": blocks},
		},
	}
	if s.cfg.SlackChannel != "" {
		payload["channel"] = s.cfg.SlackChannel
	}
	return payload
}

func (s *SlackNotifier) post(payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal slack payload")
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.cfg.SlackWebhook, bytes.NewReader(body))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to create slack request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error().Err(err).Msg("slack webhook request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn().Int("status", resp.StatusCode).Msg("slack webhook returned non-2xx status")
		return
	}
	s.logger.Debug().Msg("slack message delivered")
}

func severityColor(sev types.Severity) string {
	switch sev {
	case types.SeverityCritical:
		return "#e91e63"
	case types.SeverityHigh:
		return "#ff9800"
	case types.SeverityMedium:
		return "#ffeb3b"
	case types.SeverityLow:
		return "#4caf50"
	default:
		return "#2196f3"
	}
}
