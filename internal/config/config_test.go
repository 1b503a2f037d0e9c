package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()

	assert.Equal(t, 30*time.Second, cfg.API.RequestTimeout.Std())
	assert.Equal(t, float64(10), cfg.API.RateLimit.RPS)
	assert.Equal(t, 20, cfg.API.RateLimit.Burst)
	assert.False(t, cfg.Stream.Reconnect.Enabled)
	assert.Equal(t, time.Second, cfg.Stream.Reconnect.InitialWait.Std())
	assert.Equal(t, 30*time.Second, cfg.Stream.Reconnect.MaxWait.Std())
	assert.Zero(t, cfg.Stream.IdleTimeout)
	assert.Zero(t, cfg.Sync.PendingBuffer)
	assert.Equal(t, 0.05, cfg.Otel.Probability)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.API.BaseURL = "http://localhost:8080"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingBaseURL(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.API.BaseURL = "not a url"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeDurations(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.API.BaseURL = "http://localhost:8080"
	cfg.Stream.IdleTimeout = Duration(-time.Second)
	require.Error(t, cfg.Validate())
}
