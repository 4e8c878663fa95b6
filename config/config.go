// Package config loads and validates the insurance service configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names accepted by the loader.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

// Payment verifier modes.
const (
	PaymentModeFull   = "full"
	PaymentModeSimple = "simple"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the insurance service.
type Config struct {
	Environment   string          `yaml:"environment"`
	ListenAddress string          `yaml:"listen"`
	DataDir       string          `yaml:"data_dir"`
	Chain         ChainConfig     `yaml:"chain"`
	Payment       PaymentConfig   `yaml:"payment"`
	Insurance     InsuranceConfig `yaml:"insurance"`
	Reserve       ReserveConfig   `yaml:"reserve"`
	Storage       StorageConfig   `yaml:"storage"`
	ZKEngine      ZKEngineConfig  `yaml:"zkengine"`
}

// ChainConfig configures the ledger connection and the custodial wallet.
type ChainConfig struct {
	RPCURL              string   `yaml:"rpc_url"`
	ChainID             int64    `yaml:"chain_id"`
	TokenAddress        string   `yaml:"token_address"`
	BackendAddress      string   `yaml:"backend_address"`
	WalletKey           string   `yaml:"wallet_key"`
	WalletKeyEnv        string   `yaml:"wallet_key_env"`
	WalletKeyFile       string   `yaml:"wallet_key_file"`
	MaxGasPriceGwei     int64    `yaml:"max_gas_price_gwei"`
	MaxRetries          int      `yaml:"max_retries"`
	ConfirmationTimeout Duration `yaml:"confirmation_timeout"`
	ReceiptPollInterval Duration `yaml:"receipt_poll_interval"`
}

// PaymentConfig controls claim verification behaviour.
type PaymentConfig struct {
	Mode           string   `yaml:"mode"`
	MaxAge         Duration `yaml:"max_age"`
	NoncePath      string   `yaml:"nonce_path"`
	NonceRetention Duration `yaml:"nonce_retention"`
}

// InsuranceConfig captures policy pricing parameters.
type InsuranceConfig struct {
	PremiumBps       uint64   `yaml:"premium_bps"`
	MaxCoverageUnits uint64   `yaml:"max_coverage_units"`
	PolicyDuration   Duration `yaml:"policy_duration"`
}

// ReserveConfig controls solvency monitoring.
type ReserveConfig struct {
	MinRatio     float64  `yaml:"min_ratio"`
	PollInterval Duration `yaml:"poll_interval"`
}

// StorageConfig locates the policy and claim store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ZKEngineConfig locates the external proving binary.
type ZKEngineConfig struct {
	BinaryPath string   `yaml:"binary_path"`
	Timeout    Duration `yaml:"timeout"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("wallet key: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8000"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Chain.MaxGasPriceGwei <= 0 {
		cfg.Chain.MaxGasPriceGwei = 100
	}
	if cfg.Chain.MaxRetries <= 0 {
		cfg.Chain.MaxRetries = 3
	}
	if cfg.Chain.ConfirmationTimeout.Duration == 0 {
		cfg.Chain.ConfirmationTimeout.Duration = 2 * time.Minute
	}
	if cfg.Chain.ReceiptPollInterval.Duration == 0 {
		cfg.Chain.ReceiptPollInterval.Duration = 3 * time.Second
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 84532
	}
	if cfg.Payment.Mode == "" {
		if cfg.Environment == EnvProduction {
			cfg.Payment.Mode = PaymentModeFull
		} else {
			cfg.Payment.Mode = PaymentModeSimple
		}
	}
	if cfg.Payment.MaxAge.Duration == 0 {
		cfg.Payment.MaxAge.Duration = 5 * time.Minute
	}
	if cfg.Payment.NoncePath == "" {
		cfg.Payment.NoncePath = cfg.DataDir + "/nonces.db"
	}
	if cfg.Payment.NonceRetention.Duration == 0 {
		cfg.Payment.NonceRetention.Duration = time.Hour
	}
	if cfg.Insurance.PremiumBps == 0 {
		cfg.Insurance.PremiumBps = 100
	}
	if cfg.Insurance.MaxCoverageUnits == 0 {
		cfg.Insurance.MaxCoverageUnits = 100_000
	}
	if cfg.Insurance.PolicyDuration.Duration == 0 {
		cfg.Insurance.PolicyDuration.Duration = 24 * time.Hour
	}
	if cfg.Reserve.MinRatio == 0 {
		cfg.Reserve.MinRatio = 1.5
	}
	if cfg.Reserve.PollInterval.Duration == 0 {
		cfg.Reserve.PollInterval.Duration = 5 * time.Minute
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = cfg.DataDir + "/insurance.db"
	}
	if cfg.ZKEngine.BinaryPath == "" {
		cfg.ZKEngine.BinaryPath = "./zkengine/zkengine-binary"
	}
	if cfg.ZKEngine.Timeout.Duration == 0 {
		cfg.ZKEngine.Timeout.Duration = time.Minute
	}
}

func validate(cfg Config) error {
	switch cfg.Environment {
	case EnvDevelopment, EnvProduction, EnvTesting:
	default:
		return fmt.Errorf("unknown environment %q", cfg.Environment)
	}
	switch cfg.Payment.Mode {
	case PaymentModeFull, PaymentModeSimple:
	default:
		return fmt.Errorf("unknown payment mode %q", cfg.Payment.Mode)
	}
	// The trusted-test verifier must never be selectable where real funds
	// move.
	if cfg.Environment == EnvProduction {
		if cfg.Payment.Mode != PaymentModeFull {
			return fmt.Errorf("payment mode must be %q in production", PaymentModeFull)
		}
		if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
			return fmt.Errorf("chain rpc_url must be configured in production")
		}
		if strings.TrimSpace(cfg.Chain.WalletKey) == "" {
			return fmt.Errorf("wallet key must be configured in production")
		}
		if strings.TrimSpace(cfg.Chain.BackendAddress) == "" {
			return fmt.Errorf("backend_address must be configured in production")
		}
	}
	if strings.TrimSpace(cfg.Chain.TokenAddress) == "" {
		return fmt.Errorf("chain token_address must be configured")
	}
	// Retention shorter than the freshness window would let a nonce be
	// purged and legitimately replayed.
	if cfg.Payment.NonceRetention.Duration <= cfg.Payment.MaxAge.Duration {
		return fmt.Errorf(
			"nonce_retention (%s) must exceed payment max_age (%s)",
			cfg.Payment.NonceRetention.Duration, cfg.Payment.MaxAge.Duration,
		)
	}
	if cfg.Reserve.MinRatio < 1.0 {
		return fmt.Errorf("reserve min_ratio must be at least 1.0")
	}
	return nil
}

func (c *ChainConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("chain configuration missing")
	}
	c.WalletKey = strings.TrimSpace(c.WalletKey)
	c.WalletKeyEnv = strings.TrimSpace(c.WalletKeyEnv)
	c.WalletKeyFile = strings.TrimSpace(c.WalletKeyFile)
	if c.WalletKey != "" {
		return nil
	}
	switch {
	case c.WalletKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.WalletKeyEnv))
		if value == "" {
			return fmt.Errorf("wallet_key_env %s is empty", c.WalletKeyEnv)
		}
		c.WalletKey = value
	case c.WalletKeyFile != "":
		contents, err := os.ReadFile(c.WalletKeyFile)
		if err != nil {
			return fmt.Errorf("read wallet_key_file: %w", err)
		}
		c.WalletKey = strings.TrimSpace(string(contents))
	}
	return nil
}
