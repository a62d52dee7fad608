package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SERVER_URL", "http://localhost:8080")
	t.Setenv("TOKEN_SIGNING_SECRET", strings.Repeat("s", 32))
	t.Setenv("ADMIN_PASSWORD", "hunter2hunter2")
}

func TestLoadDefaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "admin", cfg.AdminUsername)
	assert.Equal(t, 10*time.Minute, cfg.AuthorizationCodeTTL)
	assert.Equal(t, 24*time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 8760*time.Hour, cfg.AdminSessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.SnapshotInterval)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	setValidEnv(t)
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("ACCESS_TOKEN_TTL", "1h")
	t.Setenv("RATE_LIMIT_PER_SECOND", "50")
	t.Setenv("TRUST_PROXY", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 50, cfg.RateLimitPerSecond)
	assert.True(t, cfg.TrustProxy)
}

func TestValidateMissingSigningSecret(t *testing.T) {
	setValidEnv(t)
	t.Setenv("TOKEN_SIGNING_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_SIGNING_SECRET")
}

func TestValidateShortSigningSecret(t *testing.T) {
	setValidEnv(t)
	t.Setenv("TOKEN_SIGNING_SECRET", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}

func TestValidateMissingAdminPassword(t *testing.T) {
	setValidEnv(t)
	t.Setenv("ADMIN_PASSWORD", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_PASSWORD")
}

func TestValidatePasswordHashIsEnough(t *testing.T) {
	setValidEnv(t)
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")

	_, err := Load()
	assert.NoError(t, err)
}

func TestValidateProductionRequiresHTTPS(t *testing.T) {
	setValidEnv(t)
	t.Setenv("ENVIRONMENT", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https")

	t.Setenv("SERVER_URL", "https://bridge.example.com")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestValidateBadServerURL(t *testing.T) {
	setValidEnv(t)
	t.Setenv("SERVER_URL", "not-a-url")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_URL")
}
