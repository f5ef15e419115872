// Package config loads and validates the Kindred runtime configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the root runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Providers ProvidersConfig `yaml:"providers"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Memory    MemoryConfig    `yaml:"memory"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the Postgres store. When URL is empty the
// server runs on the in-memory store (local development only).
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuthConfig configures session validation.
type AuthConfig struct {
	// JWTSecret signs and validates session tokens. Required in production.
	JWTSecret string `yaml:"jwt_secret"`
}

// ProvidersConfig holds model provider credentials.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	MaxRetries   int    `yaml:"max_retries"`
}

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	MaxRetries   int    `yaml:"max_retries"`
}

// RetrievalConfig configures knowledge-base retrieval.
type RetrievalConfig struct {
	Enabled bool `yaml:"enabled"`
	// Limit bounds hits per turn. Default: 5.
	Limit int `yaml:"limit"`
	// MinScore is the similarity floor. Default: 0.7.
	MinScore float32 `yaml:"min_score"`
	// EmbeddingModel is the model used to embed queries.
	EmbeddingModel string `yaml:"embedding_model"`
}

// MemoryConfig configures post-turn memory extraction.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// MinMessages is the conversation size threshold before extraction
	// fires. Default: 3.
	MinMessages int `yaml:"min_messages"`
	// Window is how many recent messages feed the extraction prompt.
	// Default: 10.
	Window int `yaml:"window"`
	// Model overrides the extraction model (defaults to the turn's model).
	Model string `yaml:"model"`
	// Timeout bounds the detached extraction call. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// RetentionConfig configures the background archival sweeper.
type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxIdle archives conversations not updated within this window.
	MaxIdle time.Duration `yaml:"max_idle"`
	// Schedule is a cron expression. Default: @hourly.
	Schedule string `yaml:"schedule"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OTLP trace export. An empty endpoint disables
// export.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	// SamplingRate is the fraction of traces recorded. Default: 1.0.
	SamplingRate float64 `yaml:"sampling_rate"`
	// Insecure disables TLS toward the collector (dev only).
	Insecure bool `yaml:"insecure"`
}

// Default returns a configuration with sensible local-development values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Retrieval: RetrievalConfig{
			Limit:          5,
			MinScore:       0.7,
			EmbeddingModel: "text-embedding-3-small",
		},
		Memory: MemoryConfig{
			Enabled:     true,
			MinMessages: 3,
			Window:      10,
			Timeout:     30 * time.Second,
		},
		Retention: RetentionConfig{
			MaxIdle:  90 * 24 * time.Hour,
			Schedule: "@hourly",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
	}
}

// Validate checks invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Providers.Anthropic.APIKey == "" && c.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("at least one provider api key is required")
	}
	if c.Memory.MinMessages < 0 {
		return fmt.Errorf("memory.min_messages must be >= 0")
	}
	if c.Retrieval.Limit < 0 {
		return fmt.Errorf("retrieval.limit must be >= 0")
	}
	if c.Retention.Enabled && c.Retention.MaxIdle <= 0 {
		return fmt.Errorf("retention.max_idle must be positive when retention is enabled")
	}
	return nil
}
