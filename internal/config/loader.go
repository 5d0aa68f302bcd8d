package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider
	if cfg.Provider.APIKey == "" {
		errs = append(errs, errors.New("provider.api_key is required"))
	}
	if cfg.Provider.Model == "" {
		errs = append(errs, errors.New("provider.model is required"))
	}
	if cfg.Provider.Timeout < 0 {
		errs = append(errs, fmt.Errorf("provider.timeout %s must not be negative", cfg.Provider.Timeout))
	}

	// Retry
	if cfg.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries %d must not be negative", cfg.Retry.MaxRetries))
	}
	if cfg.Retry.JitterFactor < 0 || cfg.Retry.JitterFactor > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter_factor %.2f is out of range [0, 1]", cfg.Retry.JitterFactor))
	}
	if cfg.Retry.MaxDelay != 0 && cfg.Retry.BaseDelay > cfg.Retry.MaxDelay {
		errs = append(errs, fmt.Errorf("retry.base_delay %s exceeds retry.max_delay %s", cfg.Retry.BaseDelay, cfg.Retry.MaxDelay))
	}

	// Rate limiting
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Limit < 0 {
			errs = append(errs, fmt.Errorf("rate_limit.limit %d must not be negative", cfg.RateLimit.Limit))
		}
		if cfg.RateLimit.Window < 0 {
			errs = append(errs, fmt.Errorf("rate_limit.window %s must not be negative", cfg.RateLimit.Window))
		}
		if cfg.Redis == nil {
			slog.Warn("rate limiting is enabled without redis; counters are process-local and reset on restart")
		}
	}

	// Redis
	if cfg.Redis != nil && cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when the redis block is present"))
	}

	// Drafts
	if cfg.Drafts.TTL < 0 {
		errs = append(errs, fmt.Errorf("drafts.ttl %s must not be negative", cfg.Drafts.TTL))
	}
	if cfg.Redis == nil {
		slog.Warn("redis is not configured; prepared actions are confirmable only on the instance that prepared them")
	}

	// Stream caps
	if cfg.Stream.MaxContentBytes < 0 {
		errs = append(errs, fmt.Errorf("stream.max_content_bytes %d must not be negative", cfg.Stream.MaxContentBytes))
	}
	if cfg.Stream.MaxToolCalls < 0 {
		errs = append(errs, fmt.Errorf("stream.max_tool_calls %d must not be negative", cfg.Stream.MaxToolCalls))
	}
	if cfg.Stream.MaxToolCallArgBytes < 0 {
		errs = append(errs, fmt.Errorf("stream.max_tool_call_arg_bytes %d must not be negative", cfg.Stream.MaxToolCallArgBytes))
	}

	// Assistant
	if cfg.Assistant.MaxToolRounds < 0 {
		errs = append(errs, fmt.Errorf("assistant.max_tool_rounds %d must not be negative", cfg.Assistant.MaxToolRounds))
	}

	return errors.Join(errs...)
}
