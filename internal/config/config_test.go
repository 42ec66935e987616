package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janusbridge/janus/internal/platform"
)

func setTokens(t *testing.T) {
	t.Helper()
	t.Setenv("A_TOKEN", "secret-a")
	t.Setenv("B_TOKEN", "secret-b")
}

func TestLoadDefaults(t *testing.T) {
	setTokens(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "janus.db", cfg.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.KVURL)
	assert.Equal(t, 5, cfg.RateLimitPerChannel)
	assert.Equal(t, 2*time.Second, cfg.RateLimitWindow())
	assert.Equal(t, 10*time.Second, cfg.LoopHashTTL())
	assert.Equal(t, 10, cfg.CBFailureThreshold)
	assert.Equal(t, time.Minute, cfg.CBResetTimeout())
	assert.Equal(t, 7*24*time.Hour, cfg.EditUpdateTTL())
	assert.Equal(t, 10, cfg.IngestConcurrency)
	assert.Equal(t, 5, cfg.DeliveryConcurrency)
	assert.Equal(t, ":8455", cfg.AdminAddr)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestSideAssembly(t *testing.T) {
	setTokens(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	a := cfg.Side(platform.A)
	assert.Equal(t, "secret-a", a.Token)
	assert.Equal(t, "https://a.app/api", a.APIBase)
	assert.Equal(t, "wss://gateway.a.app", a.GatewayURL)
	assert.Equal(t, "https://cdn.a.app", a.CDNBase)
	assert.Empty(t, a.WebBase)
	assert.True(t, a.WebhookEdit)

	b := cfg.Side(platform.B)
	assert.Equal(t, "secret-b", b.Token)
	assert.Equal(t, "https://b.app/api", b.APIBase)
	assert.False(t, b.WebhookEdit)
}

func TestWebBaseFallbackChain(t *testing.T) {
	setTokens(t)
	t.Setenv("WEB_BASE_URL", "https://shared.example")
	t.Setenv("A_WEB_BASE_URL", "https://a.example")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "https://a.example", cfg.Side(platform.A).WebBase)
	assert.Equal(t, "https://shared.example", cfg.Side(platform.B).WebBase)
}

func TestOverrides(t *testing.T) {
	setTokens(t)
	t.Setenv("RATE_LIMIT_PER_CHANNEL", "9")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "5")
	t.Setenv("LOG_FORMAT", "pretty")
	t.Setenv("B_WEBHOOK_EDIT", "true")
	t.Setenv("DATABASE_URL", "/var/lib/janus/bridge.db")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.RateLimitPerChannel)
	assert.Equal(t, 5*time.Second, cfg.RateLimitWindow())
	assert.Equal(t, "pretty", cfg.LogFormat)
	assert.True(t, cfg.Side(platform.B).WebhookEdit)
	assert.Equal(t, "/var/lib/janus/bridge.db", cfg.DatabaseURL)
}

func TestMissingTokenRejected(t *testing.T) {
	t.Setenv("A_TOKEN", "secret-a")
	// Register a restore for B_TOKEN, then drop it for the duration.
	t.Setenv("B_TOKEN", "placeholder")
	os.Unsetenv("B_TOKEN")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "B_TOKEN")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]struct {
		key, value string
	}{
		"zero rate limit":     {"RATE_LIMIT_PER_CHANNEL", "0"},
		"zero window":         {"RATE_LIMIT_WINDOW_SECONDS", "0"},
		"zero loop ttl":       {"LOOP_HASH_TTL", "0"},
		"zero breaker calls":  {"CB_FAILURE_THRESHOLD", "0"},
		"zero reset timeout":  {"CB_RESET_TIMEOUT_MS", "0"},
		"zero tracker ttl":    {"EDIT_UPDATE_TTL_SECONDS", "0"},
		"zero ingest workers": {"INGEST_CONCURRENCY", "0"},
		"negative grace":      {"SHUTDOWN_GRACE_SECONDS", "-1"},
		"unknown log level":   {"LOG_LEVEL", "verbose"},
		"unknown log format":  {"LOG_FORMAT", "xml"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			setTokens(t)
			t.Setenv(tc.key, tc.value)

			_, err := Load(nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}
