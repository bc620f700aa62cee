package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient("nonexistent-env")
	require.NoError(t, err)

	// The capture pipeline knobs the operator client reads.
	assert.Equal(t, 10, cfg.Replay.CaptureFPS)
	assert.Equal(t, 1000, cfg.Replay.ScreenshotTimeoutMs)
	assert.Equal(t, 5000, cfg.Replay.CloseTimeoutMs)
	assert.Equal(t, 70, cfg.Replay.JPEGQuality)
	assert.EqualValues(t, 40, cfg.Geo.RequestsPerMinute)
}

func TestLoadClientEnvOverride(t *testing.T) {
	t.Setenv("ROVERFOX_REPLAY_CAPTUREFPS", "25")
	t.Setenv("ROVERFOX_MANAGER_URL", "http://manager.internal:9001")

	cfg, err := LoadClient("nonexistent-env")
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Replay.CaptureFPS)
	assert.Equal(t, "http://manager.internal:9001", cfg.Manager.URL)
}

func TestLoadClientRejectsBadReplay(t *testing.T) {
	t.Setenv("ROVERFOX_REPLAY_CAPTUREFPS", "0")

	_, err := LoadClient("nonexistent-env")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "captureFPS")
}

func TestLoadRequiresAuth(t *testing.T) {
	// The server-side load insists on some authentication setup; the
	// client-side load from the same sources does not.
	_, err := Load("nonexistent-env")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication")

	_, err = LoadClient("nonexistent-env")
	assert.NoError(t, err)
}
