package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// ResolveEnv
// ---------------------------------------------------------------------------

func TestResolveEnv(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		envKey string
		envVal string
		want   string
	}{
		{
			name:   "resolves set env var",
			input:  "${AF_TEST_VAR}",
			envKey: "AF_TEST_VAR",
			envVal: "resolved_value",
			want:   "resolved_value",
		},
		{
			name:  "returns original when env var not set",
			input: "${AF_UNSET_VAR_THAT_DOES_NOT_EXIST}",
			want:  "${AF_UNSET_VAR_THAT_DOES_NOT_EXIST}",
		},
		{
			name:  "plain string unchanged",
			input: "nats://localhost:4222",
			want:  "nats://localhost:4222",
		},
		{
			name:  "too short to match",
			input: "${}",
			want:  "${}",
		},
		{
			name:  "embedded reference unchanged",
			input: "prefix${VAR}suffix",
			want:  "prefix${VAR}suffix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envKey != "" {
				t.Setenv(tt.envKey, tt.envVal)
			}
			if got := ResolveEnv(tt.input); got != tt.want {
				t.Errorf("ResolveEnv(%q) = %q; want %q", tt.input, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// DefaultConfig
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NATS.StreamName != "AGENT_AI_PIPELINE" {
		t.Errorf("NATS.StreamName = %q", cfg.NATS.StreamName)
	}
	if cfg.Session.MaxSessions != 1000 {
		t.Errorf("Session.MaxSessions = %d; want 1000", cfg.Session.MaxSessions)
	}
	if cfg.Session.TTL != 24*time.Hour {
		t.Errorf("Session.TTL = %v; want 24h", cfg.Session.TTL)
	}
	if cfg.Session.CleanupInterval != time.Hour {
		t.Errorf("Session.CleanupInterval = %v; want 1h", cfg.Session.CleanupInterval)
	}
	if cfg.Session.EvictionMargin != 10 {
		t.Errorf("Session.EvictionMargin = %d; want 10", cfg.Session.EvictionMargin)
	}
	if cfg.LLM.MaxRetries != 3 {
		t.Errorf("LLM.MaxRetries = %d; want 3", cfg.LLM.MaxRetries)
	}
	if cfg.LLM.MaxBackoff != 10*time.Second {
		t.Errorf("LLM.MaxBackoff = %v; want 10s", cfg.LLM.MaxBackoff)
	}
	if cfg.Storage.Driver != "file" {
		t.Errorf("Storage.Driver = %q; want file", cfg.Storage.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestNATSConfig_Subjects(t *testing.T) {
	n := NATSConfig{SubjectPrefix: "agentAI"}
	want := []string{
		"agentAI.input", "agentAI.analysis", "agentAI.output",
		"agentAI.websoc", "agentAI.graphql.mutation",
	}
	got := n.Subjects()
	if len(got) != len(want) {
		t.Fatalf("Subjects() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Subjects()[%d] = %q; want %q", i, got[i], want[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoad_NonExistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does_not_exist.yml"))
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.Storage.DataDir != "./data" {
		t.Errorf("Storage.DataDir = %q; want default %q", cfg.Storage.DataDir, "./data")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("{{{{not yaml at all::::"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
	if !strings.Contains(err.Error(), "parsing config") {
		t.Errorf("error = %q; want it to contain %q", err.Error(), "parsing config")
	}
}

func TestLoad_ValidYAML_MergesWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alertflow.yml")

	yaml := `
nats:
  url: nats://bus:4222
  subject_prefix: soc
session:
  max_sessions: 50
  ttl: 30m
storage:
  driver: sqlite
  dsn: /var/lib/alertflow/af.db
web:
  enabled: false
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.NATS.URL != "nats://bus:4222" {
		t.Errorf("NATS.URL = %q", cfg.NATS.URL)
	}
	if cfg.NATS.InputSubject() != "soc.input" {
		t.Errorf("InputSubject() = %q", cfg.NATS.InputSubject())
	}
	if cfg.Session.MaxSessions != 50 {
		t.Errorf("Session.MaxSessions = %d; want 50", cfg.Session.MaxSessions)
	}
	if cfg.Session.TTL != 30*time.Minute {
		t.Errorf("Session.TTL = %v; want 30m", cfg.Session.TTL)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q", cfg.Storage.Driver)
	}

	// Defaults preserved for fields not in YAML.
	if cfg.LLM.MaxRetries != 3 {
		t.Errorf("LLM.MaxRetries = %d; want default 3", cfg.LLM.MaxRetries)
	}
	if cfg.NATS.Durables.Analysis != "control_analysis" {
		t.Errorf("NATS.Durables.Analysis = %q", cfg.NATS.Durables.Analysis)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvNATSURL, "nats://override:4222")
	t.Setenv(EnvLLMURL, "http://ollama:11434/api/generate")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if cfg.NATS.URL != "nats://override:4222" {
		t.Errorf("NATS.URL = %q", cfg.NATS.URL)
	}
	if cfg.LLM.URL != "http://ollama:11434/api/generate" {
		t.Errorf("LLM.URL = %q", cfg.LLM.URL)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad_config.yml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: postgres\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("error = %q; want it to contain %q", err.Error(), "invalid config")
	}
}

// ---------------------------------------------------------------------------
// Save
// ---------------------------------------------------------------------------

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "alertflow.yml")

	orig := DefaultConfig()
	orig.Session.MaxSessions = 77
	orig.Tools.Tools = []ToolConfig{{Name: "CrowdStrike Falcon", Check: "static", Status: "online"}}

	if err := orig.Save(path); err != nil {
		t.Fatalf("Save(): %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if loaded.Session.MaxSessions != 77 {
		t.Errorf("Session.MaxSessions = %d; want 77", loaded.Session.MaxSessions)
	}
	if len(loaded.Tools.Tools) != 1 || loaded.Tools.Tools[0].Name != "CrowdStrike Falcon" {
		t.Errorf("Tools = %+v", loaded.Tools.Tools)
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			modify: func(c *Config) {},
		},
		{
			name:    "missing nats url",
			modify:  func(c *Config) { c.NATS.URL = "" },
			wantErr: "nats.url is required",
		},
		{
			name:    "missing stream",
			modify:  func(c *Config) { c.NATS.StreamName = "" },
			wantErr: "nats.stream_name is required",
		},
		{
			name:    "missing durable",
			modify:  func(c *Config) { c.NATS.Durables.Output = "" },
			wantErr: "nats.durables",
		},
		{
			name:    "unknown storage driver",
			modify:  func(c *Config) { c.Storage.Driver = "mongo" },
			wantErr: "storage.driver must be",
		},
		{
			name:    "sqlite without dsn",
			modify:  func(c *Config) { c.Storage.Driver = "sqlite"; c.Storage.DSN = "" },
			wantErr: "storage.dsn is required",
		},
		{
			name:    "web enabled without addr",
			modify:  func(c *Config) { c.Web.ListenAddr = "" },
			wantErr: "web.listen_addr is required",
		},
		{
			name: "http tool without endpoint",
			modify: func(c *Config) {
				c.Tools.Tools = []ToolConfig{{Name: "Splunk", Check: "http"}}
			},
			wantErr: "endpoint is required",
		},
		{
			name: "unknown tool check",
			modify: func(c *Config) {
				c.Tools.Tools = []ToolConfig{{Name: "Splunk", Check: "icmp"}}
			},
			wantErr: "check must be",
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.LLM.MaxRetries = -1 },
			wantErr: "llm.max_retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q; want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_ClampsMinimums(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NATS.FetchBatch = 0
	cfg.NATS.AckWait = time.Second
	cfg.Session.MaxSessions = 0
	cfg.Session.EvictionMargin = -5
	cfg.Output.BridgeQueue = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate(): %v", err)
	}
	if cfg.NATS.FetchBatch != 1 {
		t.Errorf("FetchBatch = %d; want 1", cfg.NATS.FetchBatch)
	}
	if want := cfg.LLM.Budget() + ackWaitMargin; cfg.NATS.AckWait != want {
		t.Errorf("AckWait = %v; want %v", cfg.NATS.AckWait, want)
	}
	if cfg.Session.MaxSessions != 1 {
		t.Errorf("MaxSessions = %d; want 1", cfg.Session.MaxSessions)
	}
	if cfg.Session.EvictionMargin != 0 {
		t.Errorf("EvictionMargin = %d; want 0", cfg.Session.EvictionMargin)
	}
	if cfg.Output.BridgeQueue != 1 {
		t.Errorf("BridgeQueue = %d; want 1", cfg.Output.BridgeQueue)
	}
}

func TestLLMBudget(t *testing.T) {
	llm := DefaultConfig().LLM
	// 60+80+100+120s of attempts plus 2+4+8s of backoff.
	if got, want := llm.Budget(), 6*time.Minute+14*time.Second; got != want {
		t.Errorf("Budget() = %v; want %v", got, want)
	}

	llm.MaxRetries = 0
	if got := llm.Budget(); got != llm.Timeout {
		t.Errorf("Budget() without retries = %v; want %v", got, llm.Timeout)
	}
}

func TestValidate_AckWaitCoversCompletionBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NATS.AckWait = 3 * time.Minute
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate(): %v", err)
	}
	if cfg.NATS.AckWait <= cfg.LLM.Budget() {
		t.Errorf("AckWait = %v; must exceed completion budget %v", cfg.NATS.AckWait, cfg.LLM.Budget())
	}

	cfg = DefaultConfig()
	cfg.NATS.AckWait = time.Hour
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate(): %v", err)
	}
	if cfg.NATS.AckWait != time.Hour {
		t.Errorf("AckWait = %v; a larger configured value must be kept", cfg.NATS.AckWait)
	}
}

func TestValidate_ResolvesEnvInSecrets(t *testing.T) {
	t.Setenv("AF_WEBHOOK_SECRET", "s3cret")
	cfg := DefaultConfig()
	cfg.Notify.Secret = "${AF_WEBHOOK_SECRET}"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate(): %v", err)
	}
	if cfg.Notify.Secret != "s3cret" {
		t.Errorf("Notify.Secret = %q; want %q", cfg.Notify.Secret, "s3cret")
	}
}
