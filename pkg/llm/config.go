package llm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 2
	defaultLogLevel   = "info"
)

// ProviderConfig holds runtime settings for a single chat-completion provider.
type ProviderConfig struct {
	Name       string        `yaml:"-"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"-"`
	MaxRetries int           `yaml:"max_retries"`
	Enabled    *bool         `yaml:"enabled,omitempty"`

	timeoutRaw string
}

// IsEnabled reports whether the provider participates in the fallback chain.
// Absent the flag, a provider with an API key is considered enabled.
func (p *ProviderConfig) IsEnabled() bool {
	if p == nil {
		return false
	}
	if p.Enabled != nil {
		return *p.Enabled
	}
	return strings.TrimSpace(p.APIKey) != ""
}

// Config describes the ordered set of providers available to callers.
type Config struct {
	Order     []string                   `yaml:"order"`
	Providers map[string]*ProviderConfig `yaml:"providers"`
	LogLevel  string                     `yaml:"log_level"`
}

// LoadConfig reads provider configuration from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open llm config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	var raw struct {
		Order     []string `yaml:"order"`
		LogLevel  string   `yaml:"log_level"`
		Providers map[string]struct {
			BaseURL    string `yaml:"base_url"`
			APIKey     string `yaml:"api_key"`
			Model      string `yaml:"model"`
			Timeout    string `yaml:"timeout"`
			MaxRetries int    `yaml:"max_retries"`
			Enabled    *bool  `yaml:"enabled"`
		} `yaml:"providers"`
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read llm config: %w", err)
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal llm config: %w", err)
	}

	cfg := &Config{
		Order:     raw.Order,
		LogLevel:  raw.LogLevel,
		Providers: make(map[string]*ProviderConfig, len(raw.Providers)),
	}
	for name, p := range raw.Providers {
		cfg.Providers[name] = &ProviderConfig{
			Name:       name,
			BaseURL:    p.BaseURL,
			APIKey:     p.APIKey,
			Model:      p.Model,
			MaxRetries: p.MaxRetries,
			Enabled:    p.Enabled,
			timeoutRaw: p.Timeout,
		}
	}

	cfg.applyDefaults()
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return errors.New("llm config: at least one provider is required")
	}
	for _, name := range c.Order {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("llm config: order references unknown provider %q", name)
		}
	}
	for name, p := range c.Providers {
		if strings.TrimSpace(p.BaseURL) == "" {
			return fmt.Errorf("llm config: provider %s: base_url is required", name)
		}
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("llm config: provider %s: model is required", name)
		}
		if p.Timeout <= 0 {
			return fmt.Errorf("llm config: provider %s: timeout must be positive", name)
		}
	}
	return nil
}

// Ordered returns enabled provider configs in fallback order. When no explicit
// order is configured, providers are sorted by name for determinism.
func (c *Config) Ordered() []*ProviderConfig {
	names := c.Order
	if len(names) == 0 {
		names = make([]string, 0, len(c.Providers))
		for name := range c.Providers {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	out := make([]*ProviderConfig, 0, len(names))
	for _, name := range names {
		if p := c.Providers[name]; p.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}
	for _, p := range c.Providers {
		if p.MaxRetries <= 0 {
			p.MaxRetries = defaultMaxRetries
		}
	}
}

func (c *Config) finalize() error {
	for name, p := range c.Providers {
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.Model = os.ExpandEnv(p.Model)
		if strings.TrimSpace(p.timeoutRaw) == "" {
			p.Timeout = defaultTimeout
			continue
		}
		d, err := time.ParseDuration(os.ExpandEnv(p.timeoutRaw))
		if err != nil {
			return fmt.Errorf("llm config: provider %s: invalid timeout %q: %w", name, p.timeoutRaw, err)
		}
		p.Timeout = d
	}
	return nil
}
