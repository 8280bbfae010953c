// Package llm is a retrying client for the text completion endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sentinel-agent/alertflow/internal/config"
	apperrors "github.com/sentinel-agent/alertflow/internal/errors"
	"github.com/sentinel-agent/alertflow/internal/metrics"
)

// Options override the configured generation settings for one call.
// Zero values keep the configured defaults.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

type requestBody struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options requestOptions `json:"options"`
}

type requestOptions struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	NumPredict  int     `json:"num_predict"`
}

type responseBody struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// statusError is a non-2xx reply.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("endpoint returned %d: %s", e.code, e.body)
}

func (e *statusError) clientSide() bool { return e.code >= 400 && e.code < 500 }

// Client issues completion requests with bounded retries. The per-attempt
// timeout grows by TimeoutStep on each retry; backoff between attempts is
// 2^attempt seconds capped at MaxBackoff.
type Client struct {
	cfg     config.LLMConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client from config.
func NewClient(cfg config.LLMConfig, logger zerolog.Logger) *Client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "llm").Logger(),
		sleep:   sleepCtx,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Complete sends prompt and returns the response text. Transport errors,
// timeouts and 5xx replies are retried up to MaxRetries times; 4xx replies
// are returned immediately.
func (c *Client) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", apperrors.New(apperrors.ErrMissingParam, "prompt is empty")
	}

	body := c.buildBody(prompt, opts)
	payload, err := json.Marshal(body)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrLLM, "encode request", err)
	}

	var lastErr error
	attempts := c.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.logger.Warn().
				Int("attempt", attempt+1).
				Int("of", attempts).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("retrying completion")
			if err := c.sleep(ctx, backoff); err != nil {
				return "", apperrors.Wrap(apperrors.ErrLLMTimeout, "cancelled during backoff", err)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", apperrors.Wrap(apperrors.ErrLLMTimeout, "cancelled waiting for rate limiter", err)
			}
			return "", apperrors.Wrap(apperrors.ErrRateLimit, "rate limit would exceed deadline", err)
		}

		text, err := c.attempt(ctx, payload, c.attemptTimeout(attempt))
		if err == nil {
			metrics.LLMAttempts.WithLabelValues("ok").Inc()
			c.logger.Debug().Int("attempt", attempt+1).Int("chars", len(text)).Msg("completion received")
			return text, nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.clientSide() {
			metrics.LLMAttempts.WithLabelValues("client_error").Inc()
			return "", apperrors.Wrap(apperrors.ErrLLMClient, "completion rejected", err)
		}
		if ctx.Err() != nil {
			metrics.LLMAttempts.WithLabelValues("failed").Inc()
			return "", apperrors.Wrap(apperrors.ErrLLMTimeout, "completion cancelled", ctx.Err())
		}
		metrics.LLMAttempts.WithLabelValues("retry").Inc()
	}

	metrics.LLMAttempts.WithLabelValues("failed").Inc()
	return "", apperrors.Wrap(apperrors.ErrLLMAllFailed,
		fmt.Sprintf("completion failed after %d attempts", attempts), lastErr)
}

func (c *Client) buildBody(prompt string, opts Options) requestBody {
	b := requestBody{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Options: requestOptions{
			Temperature: c.cfg.Temperature,
			MaxTokens:   c.cfg.MaxTokens,
		},
	}
	if opts.Model != "" {
		b.Model = opts.Model
	}
	if opts.Temperature > 0 {
		b.Options.Temperature = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		b.Options.MaxTokens = opts.MaxTokens
	}
	b.Options.NumPredict = b.Options.MaxTokens
	return b
}

func (c *Client) attempt(ctx context.Context, payload []byte, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() { metrics.LLMDuration.Observe(time.Since(start).Seconds()) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &statusError{code: resp.StatusCode, body: truncate(string(data), 256)}
	}

	var out responseBody
	if err := json.Unmarshal(data, &out); err != nil {
		return "", apperrors.Wrap(apperrors.ErrLLMInvalidResp, "parsing response", err)
	}
	if out.Error != "" {
		return "", apperrors.New(apperrors.ErrLLMInvalidResp, out.Error)
	}
	return out.Response, nil
}

func (c *Client) attemptTimeout(attempt int) time.Duration {
	return c.cfg.Timeout + time.Duration(attempt)*c.cfg.TimeoutStep
}

func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if c.cfg.MaxBackoff > 0 && d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
