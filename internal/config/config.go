// Package config handles AlertFlow configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvNATSURL = "ALERTFLOW_NATS_URL"
	EnvLLMURL  = "ALERTFLOW_LLM_URL"
)

// Config is the top-level AlertFlow configuration.
type Config struct {
	NATS    NATSConfig    `yaml:"nats"`
	Storage StorageConfig `yaml:"storage"`
	Session SessionConfig `yaml:"session"`
	Output  OutputConfig  `yaml:"output"`
	LLM     LLMConfig     `yaml:"llm"`
	Web     WebConfig     `yaml:"web"`
	Tools   ToolsConfig   `yaml:"tools"`
	Inbox   InboxConfig   `yaml:"inbox"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
}

// NATSConfig configures the JetStream bus connection and consumers.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	StreamName     string        `yaml:"stream_name"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectRetries int           `yaml:"connect_retries"`
	RetryWait      time.Duration `yaml:"retry_wait"`
	AckWait        time.Duration `yaml:"ack_wait"` // must exceed the slowest downstream call
	MaxDeliver     int           `yaml:"max_deliver"`
	FetchBatch     int           `yaml:"fetch_batch"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	MaxAge         time.Duration `yaml:"max_age"` // stream retention
	Durables       DurableNames  `yaml:"durables"`
}

// DurableNames are the consumer names used by the control router.
type DurableNames struct {
	Input    string `yaml:"input"`
	Analysis string `yaml:"analysis"`
	Output   string `yaml:"output"`
}

// Subjects derived from the prefix.
func (n NATSConfig) InputSubject() string    { return n.SubjectPrefix + ".input" }
func (n NATSConfig) AnalysisSubject() string { return n.SubjectPrefix + ".analysis" }
func (n NATSConfig) OutputSubject() string   { return n.SubjectPrefix + ".output" }
func (n NATSConfig) WebsocSubject() string   { return n.SubjectPrefix + ".websoc" }
func (n NATSConfig) BridgeSubject() string   { return n.SubjectPrefix + ".graphql.mutation" }

// Subjects lists every subject the stream must cover.
func (n NATSConfig) Subjects() []string {
	return []string{
		n.InputSubject(), n.AnalysisSubject(), n.OutputSubject(),
		n.WebsocSubject(), n.BridgeSubject(),
	}
}

// StorageConfig controls the persistence layer.
type StorageConfig struct {
	Driver        string `yaml:"driver"`   // "file" or "sqlite"
	DataDir       string `yaml:"data_dir"` // root for the file driver
	DSN           string `yaml:"dsn"`      // sqlite path
	RetentionDays int    `yaml:"retention_days"`
}

// SessionConfig bounds in-memory session tracking.
type SessionConfig struct {
	MaxSessions     int           `yaml:"max_sessions"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	EvictionMargin  int           `yaml:"eviction_margin"`
}

// OutputConfig controls the aggregated output document.
type OutputConfig struct {
	Path        string `yaml:"path"`         // output.json
	BridgeQueue int    `yaml:"bridge_queue"` // pending bridge notifications
}

// LLMConfig configures the inference endpoint and retry policy.
type LLMConfig struct {
	URL         string        `yaml:"url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`      // first attempt
	TimeoutStep time.Duration `yaml:"timeout_step"` // added per retry
	MaxRetries  int           `yaml:"max_retries"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	RateLimit   float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst   int           `yaml:"rate_burst"`
}

// Budget is the longest a completion can take with every retry used: each
// attempt's timeout plus the backoff before each retry.
func (l LLMConfig) Budget() time.Duration {
	var total time.Duration
	for attempt := 0; attempt <= l.MaxRetries; attempt++ {
		total += l.Timeout + time.Duration(attempt)*l.TimeoutStep
		if attempt == 0 {
			continue
		}
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		if l.MaxBackoff > 0 && backoff > l.MaxBackoff {
			backoff = l.MaxBackoff
		}
		total += backoff
	}
	return total
}

// ackWaitMargin is the headroom kept between the completion budget and the
// consumer ack wait.
const ackWaitMargin = 30 * time.Second

// WebConfig controls the HTTP control surface.
type WebConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	APIKeyHash string `yaml:"api_key_hash"` // bcrypt; empty disables auth
}

// ToolsConfig lists the security tools reported in the tools section.
type ToolsConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	CheckTimeout    time.Duration `yaml:"check_timeout"`
	Tools           []ToolConfig  `yaml:"tools"`
}

// ToolConfig describes one monitored tool.
type ToolConfig struct {
	Name     string `yaml:"name"`
	Check    string `yaml:"check"`    // "http" or "static"
	Endpoint string `yaml:"endpoint"` // http only
	Status   string `yaml:"status"`   // static only
}

// InboxConfig configures the watched alert directory.
type InboxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// NotifyConfig configures session completion notifications.
type NotifyConfig struct {
	WebhookURL   string            `yaml:"webhook_url"`
	Secret       string            `yaml:"secret"` // HMAC-SHA256 key
	Headers      map[string]string `yaml:"headers"`
	SlackWebhook string            `yaml:"slack_webhook"`
	SlackChannel string            `yaml:"slack_channel"`
	Timeout      time.Duration     `yaml:"timeout"`
	QueueSize    int               `yaml:"queue_size"` // pending notices
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	Output     string `yaml:"output"` // stdout, file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ResolveEnv replaces ${VAR} references in config strings with their env values.
func ResolveEnv(s string) string {
	if len(s) > 3 && s[0] == '$' && s[1] == '{' && s[len(s)-1] == '}' {
		envKey := s[2 : len(s)-1]
		if v := os.Getenv(envKey); v != "" {
			return v
		}
	}
	return s
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			StreamName:     "AGENT_AI_PIPELINE",
			SubjectPrefix:  "agentAI",
			ConnectRetries: 5,
			RetryWait:      2 * time.Second,
			AckWait:        7 * time.Minute,
			MaxDeliver:     5,
			FetchBatch:     1,
			FetchTimeout:   5 * time.Second,
			MaxAge:         72 * time.Hour,
			Durables: DurableNames{
				Input:    "control_input",
				Analysis: "control_analysis",
				Output:   "control_output",
			},
		},
		Storage: StorageConfig{
			Driver:        "file",
			DataDir:       "./data",
			DSN:           "./data/alertflow.db",
			RetentionDays: 30,
		},
		Session: SessionConfig{
			MaxSessions:     1000,
			TTL:             24 * time.Hour,
			CleanupInterval: time.Hour,
			EvictionMargin:  10,
		},
		Output: OutputConfig{
			Path:        "./data/output.json",
			BridgeQueue: 256,
		},
		LLM: LLMConfig{
			URL:         "http://localhost:11434/api/generate",
			Model:       "llama3.1:8b",
			Temperature: 0.05,
			MaxTokens:   2048,
			Timeout:     60 * time.Second,
			TimeoutStep: 20 * time.Second,
			MaxRetries:  3,
			MaxBackoff:  10 * time.Second,
		},
		Web: WebConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8000",
		},
		Tools: ToolsConfig{
			RefreshInterval: 5 * time.Minute,
			CheckTimeout:    5 * time.Second,
		},
		Inbox: InboxConfig{
			Enabled: false,
			Dir:     "./data/inbox",
		},
		Notify: NotifyConfig{
			Timeout:   10 * time.Second,
			QueueSize: 64,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Load reads a YAML config file and merges it with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(EnvLLMURL); v != "" {
		c.LLM.URL = v
	}
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// Validate checks required fields and constraints.
func (c *Config) Validate() error {
	c.NATS.URL = ResolveEnv(c.NATS.URL)
	c.LLM.URL = ResolveEnv(c.LLM.URL)
	c.Notify.Secret = ResolveEnv(c.Notify.Secret)
	c.Notify.SlackWebhook = ResolveEnv(c.Notify.SlackWebhook)
	c.Web.APIKeyHash = ResolveEnv(c.Web.APIKeyHash)

	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.NATS.StreamName == "" {
		return fmt.Errorf("nats.stream_name is required")
	}
	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("nats.subject_prefix is required")
	}
	if c.NATS.Durables.Input == "" || c.NATS.Durables.Analysis == "" || c.NATS.Durables.Output == "" {
		return fmt.Errorf("nats.durables must name the input, analysis and output consumers")
	}
	switch c.Storage.Driver {
	case "file":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the file driver")
		}
	case "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'file' or 'sqlite', got %q", c.Storage.Driver)
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path is required")
	}
	if c.Web.Enabled && c.Web.ListenAddr == "" {
		return fmt.Errorf("web.listen_addr is required when web is enabled")
	}
	if c.Inbox.Enabled && c.Inbox.Dir == "" {
		return fmt.Errorf("inbox.dir is required when inbox is enabled")
	}
	for i, tool := range c.Tools.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tools.tools[%d].name is required", i)
		}
		switch tool.Check {
		case "http":
			if tool.Endpoint == "" {
				return fmt.Errorf("tools.tools[%d].endpoint is required for http checks", i)
			}
		case "static", "":
		default:
			return fmt.Errorf("tools.tools[%d].check must be 'http' or 'static', got %q", i, tool.Check)
		}
	}
	if c.LLM.URL == "" {
		return fmt.Errorf("llm.url is required")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must not be negative")
	}

	// Clamp minimums.
	if c.NATS.ConnectRetries < 1 {
		c.NATS.ConnectRetries = 1
	}
	if c.NATS.FetchBatch < 1 {
		c.NATS.FetchBatch = 1
	}
	if c.NATS.FetchTimeout <= 0 {
		c.NATS.FetchTimeout = 5 * time.Second
	}
	if c.Session.MaxSessions < 1 {
		c.Session.MaxSessions = 1
	}
	if c.Session.EvictionMargin < 0 {
		c.Session.EvictionMargin = 0
	}
	if c.Session.CleanupInterval <= 0 {
		c.Session.CleanupInterval = time.Hour
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Output.BridgeQueue < 1 {
		c.Output.BridgeQueue = 1
	}
	if c.Notify.QueueSize < 1 {
		c.Notify.QueueSize = 1
	}
	if c.LLM.MaxBackoff <= 0 {
		c.LLM.MaxBackoff = 10 * time.Second
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.Tools.CheckTimeout <= 0 {
		c.Tools.CheckTimeout = 5 * time.Second
	}
	if c.Storage.RetentionDays < 0 {
		c.Storage.RetentionDays = 0
	}
	// A message must not redeliver while its flow is still waiting on the
	// completion endpoint.
	if floor := c.LLM.Budget() + ackWaitMargin; c.NATS.AckWait < floor {
		c.NATS.AckWait = floor
	}

	return nil
}
