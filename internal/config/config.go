// Package config loads bridge configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/janusbridge/janus/internal/platform"
)

// Config holds all bridge configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Platform credentials and endpoints
	AToken      string `env:"A_TOKEN,required"`
	BToken      string `env:"B_TOKEN,required"`
	AAPIBase    string `env:"A_API_BASE" envDefault:"https://a.app/api"`
	BAPIBase    string `env:"B_API_BASE" envDefault:"https://b.app/api"`
	AGatewayURL string `env:"A_GATEWAY_URL" envDefault:"wss://gateway.a.app"`
	BGatewayURL string `env:"B_GATEWAY_URL" envDefault:"wss://gateway.b.app"`
	ACDNBase    string `env:"A_CDN_BASE" envDefault:"https://cdn.a.app"`
	BCDNBase    string `env:"B_CDN_BASE" envDefault:"https://cdn.b.app"`

	// Whether a side can edit its webhook posts in place. The side that
	// can't gets edits as linked follow-up messages instead.
	AWebhookEdit bool `env:"A_WEBHOOK_EDIT" envDefault:"true"`
	BWebhookEdit bool `env:"B_WEBHOOK_EDIT" envDefault:"false"`

	// Web bases for jump links in the edit workaround. The side-specific
	// variables win over WEB_BASE_URL; with neither set the delivery worker
	// falls back to https://<platform>.app.
	WebBaseURL  string `env:"WEB_BASE_URL"`
	AWebBaseURL string `env:"A_WEB_BASE_URL"`
	BWebBaseURL string `env:"B_WEB_BASE_URL"`

	// Backing stores
	DatabaseURL string `env:"DATABASE_URL" envDefault:"janus.db"`
	KVURL       string `env:"KV_URL" envDefault:"redis://localhost:6379/0"`

	// Outbound pacing per target channel
	RateLimitPerChannel    int `env:"RATE_LIMIT_PER_CHANNEL" envDefault:"5"`
	RateLimitWindowSeconds int `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"2"`

	// Echo suppression
	LoopHashTTLSeconds int `env:"LOOP_HASH_TTL" envDefault:"10"`

	// Circuit breaker on platform calls
	CBFailureThreshold int `env:"CB_FAILURE_THRESHOLD" envDefault:"10"`
	CBResetTimeoutMS   int `env:"CB_RESET_TIMEOUT_MS" envDefault:"60000"`

	// Edit-workaround follow-up tracking
	EditUpdateTTLSeconds int `env:"EDIT_UPDATE_TTL_SECONDS" envDefault:"604800"`

	// Queue workers
	IngestConcurrency   int `env:"INGEST_CONCURRENCY" envDefault:"10"`
	DeliveryConcurrency int `env:"DELIVERY_CONCURRENCY" envDefault:"5"`

	// Operator surface
	AdminAddr string `env:"ADMIN_ADDR" envDefault:":8455"`

	// Shutdown
	ShutdownGraceSeconds int `env:"SHUTDOWN_GRACE_SECONDS" envDefault:"30"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Side is one platform's assembled connection settings.
type Side struct {
	Token       string
	APIBase     string
	GatewayURL  string
	CDNBase     string
	WebBase     string
	WebhookEdit bool
}

// Side assembles the settings for one platform, resolving the web-base
// fallback chain.
func (c *Config) Side(id platform.ID) Side {
	if id == platform.A {
		return Side{
			Token:       c.AToken,
			APIBase:     c.AAPIBase,
			GatewayURL:  c.AGatewayURL,
			CDNBase:     c.ACDNBase,
			WebBase:     firstNonEmpty(c.AWebBaseURL, c.WebBaseURL),
			WebhookEdit: c.AWebhookEdit,
		}
	}
	return Side{
		Token:       c.BToken,
		APIBase:     c.BAPIBase,
		GatewayURL:  c.BGatewayURL,
		CDNBase:     c.BCDNBase,
		WebBase:     firstNonEmpty(c.BWebBaseURL, c.WebBaseURL),
		WebhookEdit: c.BWebhookEdit,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// RateLimitWindow returns the per-channel send window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// LoopHashTTL returns the loop-filter fingerprint lifetime.
func (c *Config) LoopHashTTL() time.Duration {
	return time.Duration(c.LoopHashTTLSeconds) * time.Second
}

// CBResetTimeout returns how long an open circuit waits before probing.
func (c *Config) CBResetTimeout() time.Duration {
	return time.Duration(c.CBResetTimeoutMS) * time.Millisecond
}

// EditUpdateTTL returns the edit-workaround tracker lifetime.
func (c *Config) EditUpdateTTL() time.Duration {
	return time.Duration(c.EditUpdateTTLSeconds) * time.Second
}

// ShutdownGrace returns the drain budget for graceful shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
//
// Optional logger parameter for structured logging. If nil, .env handling
// stays silent.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production sets real env vars.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.AdminAddr == "" {
		return fmt.Errorf("ADMIN_ADDR is required")
	}

	// Range checks
	if c.RateLimitPerChannel < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_CHANNEL must be > 0, got %d", c.RateLimitPerChannel)
	}
	if c.RateLimitWindowSeconds < 1 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be > 0, got %d", c.RateLimitWindowSeconds)
	}
	if c.LoopHashTTLSeconds < 1 {
		return fmt.Errorf("LOOP_HASH_TTL must be > 0, got %d", c.LoopHashTTLSeconds)
	}
	if c.CBFailureThreshold < 1 {
		return fmt.Errorf("CB_FAILURE_THRESHOLD must be > 0, got %d", c.CBFailureThreshold)
	}
	if c.CBResetTimeoutMS < 1 {
		return fmt.Errorf("CB_RESET_TIMEOUT_MS must be > 0, got %d", c.CBResetTimeoutMS)
	}
	if c.EditUpdateTTLSeconds < 1 {
		return fmt.Errorf("EDIT_UPDATE_TTL_SECONDS must be > 0, got %d", c.EditUpdateTTLSeconds)
	}
	if c.IngestConcurrency < 1 {
		return fmt.Errorf("INGEST_CONCURRENCY must be > 0, got %d", c.IngestConcurrency)
	}
	if c.DeliveryConcurrency < 1 {
		return fmt.Errorf("DELIVERY_CONCURRENCY must be > 0, got %d", c.DeliveryConcurrency)
	}
	if c.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("SHUTDOWN_GRACE_SECONDS must be >= 0, got %d", c.ShutdownGraceSeconds)
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the loaded configuration. Credentials reduce to presence
// booleans.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Bool("a_token", c.AToken != "").
		Bool("b_token", c.BToken != "").
		Str("a_api_base", c.AAPIBase).
		Str("b_api_base", c.BAPIBase).
		Str("a_gateway_url", c.AGatewayURL).
		Str("b_gateway_url", c.BGatewayURL).
		Bool("a_webhook_edit", c.AWebhookEdit).
		Bool("b_webhook_edit", c.BWebhookEdit).
		Str("database_url", c.DatabaseURL).
		Int("rate_limit_per_channel", c.RateLimitPerChannel).
		Dur("rate_limit_window", c.RateLimitWindow()).
		Dur("loop_hash_ttl", c.LoopHashTTL()).
		Int("cb_failure_threshold", c.CBFailureThreshold).
		Dur("cb_reset_timeout", c.CBResetTimeout()).
		Dur("edit_update_ttl", c.EditUpdateTTL()).
		Int("ingest_concurrency", c.IngestConcurrency).
		Int("delivery_concurrency", c.DeliveryConcurrency).
		Str("admin_addr", c.AdminAddr).
		Dur("shutdown_grace", c.ShutdownGrace()).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
