package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/merchkit/clerkd/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
provider:
  api_key: test-key
  base_url: http://localhost:9999/v1
  model: gpt-4o-mini
  timeout: 45s
  stream: true
retry:
  max_retries: 4
  base_delay: 500ms
  max_delay: 20s
  jitter_factor: 0.2
rate_limit:
  enabled: true
  limit: 10
  window: 1m
redis:
  addr: localhost:6379
  db: 2
drafts:
  ttl: 15m
stream:
  max_content_bytes: 262144
  max_tool_calls: 16
  max_tool_call_arg_bytes: 32768
assistant:
  system_prompt: "You are a test assistant."
  max_tool_rounds: 4
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Provider.Model != "gpt-4o-mini" || !cfg.Provider.Stream {
		t.Errorf("provider: got %+v", cfg.Provider)
	}
	if cfg.Provider.Timeout != 45*time.Second {
		t.Errorf("provider.timeout: got %s", cfg.Provider.Timeout)
	}
	if cfg.Retry.MaxRetries != 4 || cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("retry: got %+v", cfg.Retry)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.Limit != 10 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("rate_limit: got %+v", cfg.RateLimit)
	}
	if cfg.Redis == nil || cfg.Redis.Addr != "localhost:6379" || cfg.Redis.DB != 2 {
		t.Errorf("redis: got %+v", cfg.Redis)
	}
	if cfg.Drafts.TTL != 15*time.Minute {
		t.Errorf("drafts.ttl: got %s", cfg.Drafts.TTL)
	}
	if cfg.Stream.MaxContentBytes != 262144 || cfg.Stream.MaxToolCalls != 16 {
		t.Errorf("stream: got %+v", cfg.Stream)
	}
	if cfg.Assistant.MaxToolRounds != 4 {
		t.Errorf("assistant: got %+v", cfg.Assistant)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
provider:
  api_key: k
  model: m
  tempreature: 0.7
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.APIKey != "test-key" {
		t.Errorf("api_key: got %q", cfg.Provider.APIKey)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("\"verbose\" should be invalid")
	}
}
