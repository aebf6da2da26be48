package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trading.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "risk:\n  trading_enabled: true\n"))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.TimeframeMinutes)
	assert.Equal(t, 80, cfg.AutoOpenConfidence)
	assert.Equal(t, 3, cfg.FailureAlertThreshold)
	assert.True(t, cfg.Risk.TradingEnabled)
}

func TestLoadConfigOverridesAndEnvExpansion(t *testing.T) {
	t.Setenv("MAX_POS", "500")
	cfg, err := LoadConfig(writeConfig(t, `
timeframe_minutes: 15
max_position_size_usd: ${MAX_POS}
auto_open_enabled: true
risk:
  trading_enabled: true
  daily_loss_limit_usd: 200
  strict_mode: true
`))
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.TimeframeMinutes)
	assert.Equal(t, 500.0, cfg.MaxPositionSizeUSD)
	assert.True(t, cfg.AutoOpenEnabled)
	assert.Equal(t, 200.0, cfg.Risk.DailyLossLimitUSD)
	assert.True(t, cfg.Risk.StrictMode)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero timeframe":     "timeframe_minutes: 0\n",
		"bad aggressiveness": "aggressiveness: 1.5\n",
		"target over cap":    "target_positions: 9\nmanaged_position_cap: 2\n",
		"bad confidence":     "auto_open_confidence: 120\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestIntervalString(t *testing.T) {
	assert.Equal(t, "15", intervalString(15))
	assert.Equal(t, "60", intervalString(60))
	assert.Equal(t, "D", intervalString(1440))
}
