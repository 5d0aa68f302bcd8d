// Package config provides the configuration schema, loader, and file watcher
// for the clerkd assistant daemon.
package config

import "time"

// LogLevel controls log verbosity for the clerkd server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for clerkd.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     *RedisConfig    `yaml:"redis"`
	Drafts    DraftsConfig    `yaml:"drafts"`
	Stream    StreamConfig    `yaml:"stream"`
	Assistant AssistantConfig `yaml:"assistant"`
}

// ServerConfig holds network and logging settings for the clerkd server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderConfig configures the upstream chat-completion provider.
type ProviderConfig struct {
	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects the model driving the assistant (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Timeout bounds a single provider request. Values outside [5s, 5m]
	// are clamped by the client.
	Timeout time.Duration `yaml:"timeout"`

	// Stream enables the SSE transport for provider responses.
	Stream bool `yaml:"stream"`
}

// RetryConfig tunes the backoff policy applied to provider calls.
type RetryConfig struct {
	// MaxRetries is the retry count after the first attempt.
	MaxRetries int `yaml:"max_retries"`

	// BaseDelay is the first retry delay; subsequent delays double.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps every computed delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// JitterFactor applies symmetric jitter in [0, 1]. Zero disables jitter.
	JitterFactor float64 `yaml:"jitter_factor"`
}

// RateLimitConfig tunes per-user admission control.
type RateLimitConfig struct {
	// Enabled switches admission control on.
	Enabled bool `yaml:"enabled"`

	// Limit is the number of instructions admitted per window.
	Limit int `yaml:"limit"`

	// Window is the fixed window duration.
	Window time.Duration `yaml:"window"`
}

// RedisConfig selects the shared Redis store. When the block is absent the
// daemon falls back to a process-local in-memory store, which is fine for a
// single instance but gives no cross-instance rate limiting or drafts.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr"`

	// Password authenticates against the server. Empty means no auth.
	Password string `yaml:"password"`

	// DB selects the logical database.
	DB int `yaml:"db"`
}

// DraftsConfig tunes the prepare/confirm draft store.
type DraftsConfig struct {
	// TTL bounds how long a prepared action stays confirmable.
	TTL time.Duration `yaml:"ttl"`
}

// StreamConfig bounds the memory one streamed provider response may consume.
type StreamConfig struct {
	// MaxContentBytes caps accumulated text content.
	MaxContentBytes int `yaml:"max_content_bytes"`

	// MaxToolCalls caps the number of tool calls per response.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// MaxToolCallArgBytes caps each call's accumulated argument JSON.
	MaxToolCallArgBytes int `yaml:"max_tool_call_arg_bytes"`
}

// AssistantConfig tunes the instruction loop.
type AssistantConfig struct {
	// SystemPrompt overrides the built-in persona.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxToolRounds bounds tool-dispatch rounds per instruction.
	MaxToolRounds int `yaml:"max_tool_rounds"`
}
