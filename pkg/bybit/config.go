package bybit

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAPIBaseURL  = "https://api.bybit.com"
	defaultHTTPTimeout = 10 * time.Second

	// TestnetBaseURL is the public paper-trading endpoint.
	TestnetBaseURL = "https://api-testnet.bybit.com"
)

// Config holds exchange connection settings. Credentials may be empty, in
// which case the client runs in read-only mode: public market data works and
// trading calls fail with a structured no-credentials outcome.
type Config struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	// CacheDir is where the shared instrument and clock-offset caches live.
	// Empty disables on-disk caching (in-memory tiers still apply).
	CacheDir string        `yaml:"cache_dir"`
	Timeout  time.Duration `yaml:"-"`

	timeoutRaw string
}

// HasCredentials reports whether signed endpoints can be used.
func (c *Config) HasCredentials() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

// ApplyTestnet redirects the client to the public testnet unless an explicit
// non-default base URL was configured.
func (c *Config) ApplyTestnet() {
	if c.BaseURL == defaultAPIBaseURL {
		c.BaseURL = TestnetBaseURL
	}
}

// LoadConfig reads exchange configuration from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open exchange config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	var raw struct {
		BaseURL   string `yaml:"base_url"`
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
		CacheDir  string `yaml:"cache_dir"`
		Timeout   string `yaml:"timeout"`
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read exchange config: %w", err)
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal exchange config: %w", err)
	}

	cfg := &Config{
		BaseURL:    os.ExpandEnv(raw.BaseURL),
		APIKey:     os.ExpandEnv(raw.APIKey),
		APISecret:  os.ExpandEnv(raw.APISecret),
		CacheDir:   os.ExpandEnv(raw.CacheDir),
		timeoutRaw: raw.Timeout,
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultAPIBaseURL
	}
	if strings.TrimSpace(cfg.timeoutRaw) == "" {
		cfg.Timeout = defaultHTTPTimeout
	} else {
		d, err := time.ParseDuration(cfg.timeoutRaw)
		if err != nil {
			return nil, fmt.Errorf("exchange config: invalid timeout %q: %w", cfg.timeoutRaw, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("exchange config: timeout must be positive, got %s", d)
		}
		cfg.Timeout = d
	}
	return cfg, nil
}
