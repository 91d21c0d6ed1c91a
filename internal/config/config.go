// Package config loads saltdig.yml: the policy knobs and rail settings the
// ledger, bounty, and reconciler components are parameterized by.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models saltdig.yml.
type Config struct {
	Ledger struct {
		MaxTransfer int64 `yaml:"max_transfer"`
	} `yaml:"ledger"`

	Escrow struct {
		ContractAddress   string `yaml:"contract_address"`
		USDCAddress       string `yaml:"usdc_address"`
		RPCURL            string `yaml:"rpc_url"`
		PlatformWalletKey string `yaml:"platform_wallet_key"`
		CallTimeoutSecs   int    `yaml:"call_timeout_seconds"`
	} `yaml:"escrow"`

	Reconciler struct {
		CronSecret          string `yaml:"cron_secret"`
		AutoReleaseSeconds  int64  `yaml:"auto_release_seconds"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	} `yaml:"reconciler"`

	RateLimits map[string]RateLimitPreset `yaml:"rate_limits"`

	Competition struct {
		DefaultTop3Percentages []float64 `yaml:"default_top3_percentages"`
	} `yaml:"competition"`
}

// RateLimitPreset is one named token-bucket configuration.
type RateLimitPreset struct {
	Limit  int `yaml:"limit"`
	Window int `yaml:"window_seconds"`
}

// Load reads and validates config from a workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run saltdig config init", path)
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	applyEnvOverlay(cfg)
	return cfg, nil
}

// LoadOptional returns nil, nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	applyEnvOverlay(cfg)
	return cfg, nil
}

// applyEnvOverlay lets the secrets that must never live in a checked-in
// file override the YAML document: contract/RPC endpoints and key material
// come from the process environment in any real deployment.
func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("ESCROW_CONTRACT_ADDRESS"); v != "" {
		cfg.Escrow.ContractAddress = v
	}
	if v := os.Getenv("BASE_RPC_URL"); v != "" {
		cfg.Escrow.RPCURL = v
	}
	if v := os.Getenv("PLATFORM_WALLET_KEY"); v != "" {
		cfg.Escrow.PlatformWalletKey = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.Reconciler.CronSecret = v
	}
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	if c.Ledger.MaxTransfer <= 0 {
		return fmt.Errorf("config.ledger.max_transfer must be positive")
	}
	if c.Reconciler.AutoReleaseSeconds <= 0 {
		return fmt.Errorf("config.reconciler.auto_release_seconds must be positive")
	}
	for name, preset := range c.RateLimits {
		if preset.Limit <= 0 || preset.Window <= 0 {
			return fmt.Errorf("rate limit preset %s must have positive limit and window", name)
		}
	}
	if len(c.Competition.DefaultTop3Percentages) > 0 {
		var sum float64
		for _, p := range c.Competition.DefaultTop3Percentages {
			sum += p
		}
		if sum < 99.99 || sum > 100.01 {
			return fmt.Errorf("config.competition.default_top3_percentages must sum to 100")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "saltdig.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `ledger:
  max_transfer: 10000

escrow:
  contract_address: ""
  usdc_address: ""
  rpc_url: ""
  platform_wallet_key: ""
  call_timeout_seconds: 30

reconciler:
  cron_secret: ""
  auto_release_seconds: 259200
  poll_interval_seconds: 300

rate_limits:
  register:
    limit: 2
    window_seconds: 3600
  message:
    limit: 10
    window_seconds: 60
  prediction_offer:
    limit: 5
    window_seconds: 60
  general:
    limit: 100
    window_seconds: 60

competition:
  default_top3_percentages: [50, 30, 20]
`
