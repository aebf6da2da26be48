package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tradepilot/pkg/risk"
)

// Config is the trading configuration threaded through the orchestrator.
type Config struct {
	// TimeframeMinutes throttles ticks and selects the candle interval.
	TimeframeMinutes int `yaml:"timeframe_minutes"`
	// HistoryCandles is how many candles to fetch per symbol.
	HistoryCandles int `yaml:"history_candles"`

	// MaxPositionSizeUSD caps the notional of any single open or average-in.
	MaxPositionSizeUSD float64 `yaml:"max_position_size_usd"`
	// Aggressiveness scales the default auto-open size, in (0, 1].
	Aggressiveness float64 `yaml:"aggressiveness"`
	MinLeverage    float64 `yaml:"min_leverage"`
	MaxLeverage    float64 `yaml:"max_leverage"`

	// TargetPositions is how many positions auto-open tries to reach.
	TargetPositions int `yaml:"target_positions"`
	// ManagedPositionCap is the hard ceiling on concurrently managed positions.
	ManagedPositionCap int  `yaml:"managed_position_cap"`
	AutoOpenEnabled    bool `yaml:"auto_open_enabled"`
	// AutoOpenConfidence is the minimum proposal confidence for auto-open.
	AutoOpenConfidence int  `yaml:"auto_open_confidence"`
	TopMarketsLimit    int  `yaml:"top_markets_limit"`

	// FailureAlertThreshold fires a repeated-failure alert once a symbol's
	// consecutive execution failures reach it.
	FailureAlertThreshold int `yaml:"failure_alert_threshold"`

	Risk risk.Config `yaml:"risk"`
}

func defaultConfig() Config {
	return Config{
		TimeframeMinutes:      60,
		HistoryCandles:        48,
		MaxPositionSizeUSD:    250,
		Aggressiveness:        0.5,
		MinLeverage:           1,
		MaxLeverage:           10,
		TargetPositions:       3,
		ManagedPositionCap:    5,
		AutoOpenConfidence:    80,
		TopMarketsLimit:       12,
		FailureAlertThreshold: 3,
	}
}

// LoadConfig reads the trading configuration from a YAML file, applying
// defaults and environment-variable expansion before validation.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("engine: read config %s: %w", path, err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("engine: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.TimeframeMinutes <= 0 {
		return fmt.Errorf("engine: timeframe_minutes must be positive, got %d", c.TimeframeMinutes)
	}
	if c.MaxPositionSizeUSD <= 0 {
		return fmt.Errorf("engine: max_position_size_usd must be positive, got %g", c.MaxPositionSizeUSD)
	}
	if c.Aggressiveness <= 0 || c.Aggressiveness > 1 {
		return fmt.Errorf("engine: aggressiveness must be in (0, 1], got %g", c.Aggressiveness)
	}
	if c.TargetPositions > c.ManagedPositionCap {
		return fmt.Errorf("engine: target_positions %d exceeds managed_position_cap %d", c.TargetPositions, c.ManagedPositionCap)
	}
	if c.AutoOpenConfidence < 0 || c.AutoOpenConfidence > 100 {
		return fmt.Errorf("engine: auto_open_confidence must be 0-100, got %d", c.AutoOpenConfidence)
	}
	return nil
}
