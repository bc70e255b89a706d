package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("OTP_SERVER_SECRET", testSecret)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.OTP.CodeLength)
	assert.Equal(t, 5*time.Minute, cfg.OTP.Expiry)
	assert.Equal(t, 5, cfg.OTP.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.OTP.CleanupInterval)
	assert.Equal(t, 3, cfg.RateLimit.MaxPerWindow)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("OTP_SERVER_SECRET", testSecret)
	t.Setenv("OTP_CODE_LENGTH", "8")
	t.Setenv("CLEANUP_INTERVAL", "90s")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.OTP.CodeLength)
	assert.Equal(t, 90*time.Second, cfg.OTP.CleanupInterval)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.OTP.Secret = testSecret
		cfg.OTP.CodeLength = 6
		cfg.OTP.Expiry = 5 * time.Minute
		cfg.OTP.MaxAttempts = 5
		cfg.OTP.CleanupInterval = 5 * time.Minute
		cfg.RateLimit.MaxPerWindow = 3
		cfg.RateLimit.Window = time.Minute
		cfg.Store.Backend = "memory"
		return cfg
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.OTP.CodeLength = 11
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.OTP.Secret = "short"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.OTP.CleanupInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Store.Backend = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.KMS.Enabled = true
	cfg.KMS.SecretCiphertext = ""
	assert.Error(t, cfg.Validate())
}
