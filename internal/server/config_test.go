package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, "configs/pricing", cfg.PricingDir)
	assert.Equal(t, "configs/models", cfg.ModelCatalogDir)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.AuthEnabled)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("PRICING_DIR", "/data/pricing")
	t.Setenv("DB_PATH", ":memory:")
	t.Setenv("TIMEOUT_MS", "1500")
	t.Setenv("RATE_LIMIT_RPM", "120")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "/data/pricing", cfg.PricingDir)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 120, cfg.RateLimitRPM)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "PORT", "nope"},
		{"bad timeout", "TIMEOUT_MS", "-5"},
		{"bad rate limit", "RATE_LIMIT_RPM", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestValidateAuthRequirements(t *testing.T) {
	cfg := &Config{Port: 8090, Timeout: time.Second, AuthEnabled: true}
	assert.Error(t, cfg.Validate())

	cfg.TrustRootURL = "http://localhost:9000"
	assert.Error(t, cfg.Validate())

	cfg.GatewayPrivateKey = "00"
	assert.NoError(t, cfg.Validate())
}
