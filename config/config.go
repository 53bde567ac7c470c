package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime configuration for the bridge daemon.
type Config struct {
	Environment string            `toml:"Environment"`
	Gateway     GatewayConfig     `toml:"gateway"`
	Replay      ReplayConfig      `toml:"replay"`
	Fraud       FraudConfig       `toml:"fraud"`
	Staking     StakingConfig     `toml:"staking"`
	Withdrawals WithdrawalsConfig `toml:"withdrawals"`
	Storage     StorageConfig     `toml:"storage"`
	Upstream    UpstreamConfig    `toml:"upstream"`
	Log         LogConfig         `toml:"log"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
}

// UpstreamConfig locates the rollup node and the treasury executor.
type UpstreamConfig struct {
	NodeURL               string `toml:"NodeURL"`
	ExecutorURL           string `toml:"ExecutorURL"`
	RequestTimeoutSeconds int64  `toml:"RequestTimeoutSeconds"`
}

// GatewayConfig controls the HTTP gateway and its security checks.
type GatewayConfig struct {
	ListenAddress        string `toml:"ListenAddress"`
	MaxRequestsPerMinute int    `toml:"MaxRequestsPerMinute"`
	ApiKeySecret         string `toml:"ApiKeySecret"`
	ApiKeySecretEnv      string `toml:"ApiKeySecretEnv"`
	ApiKeySecretFile     string `toml:"ApiKeySecretFile"`
}

// ReplayConfig controls nonce retention.
type ReplayConfig struct {
	NonceExpirationBlocks uint64 `toml:"NonceExpirationBlocks"`
}

// FraudConfig bounds transaction and block screening.
type FraudConfig struct {
	MaxTransactionsPerBlock int    `toml:"MaxTransactionsPerBlock"`
	MaxTransactionSize      int    `toml:"MaxTransactionSize"`
	MaxCostPerTransaction   uint64 `toml:"MaxCostPerTransaction"`
	PolicyPath              string `toml:"PolicyPath"`
}

// StakingConfig sets the validator stake floor.
type StakingConfig struct {
	MinValidatorStakeWei string `toml:"MinValidatorStakeWei"`
}

// WithdrawalsConfig controls the optimistic challenge window.
type WithdrawalsConfig struct {
	ChallengePeriodSeconds int64 `toml:"ChallengePeriodSeconds"`
}

// StorageConfig locates the persistent stores.
type StorageConfig struct {
	DataDir     string `toml:"DataDir"`
	ArchivePath string `toml:"ArchivePath"`
}

// LogConfig selects an optional rotating file sink next to stdout.
type LogConfig struct {
	FilePath   string `toml:"FilePath"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Headers  string `toml:"Headers"`
	Insecure bool   `toml:"Insecure"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "AdminToken" {
			return nil, fmt.Errorf("config file %s uses deprecated AdminToken field; move the value to gateway.ApiKeySecret", path)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Gateway.normaliseSecret(); err != nil {
		return nil, fmt.Errorf("gateway secret: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	if strings.TrimSpace(c.Gateway.ListenAddress) == "" {
		c.Gateway.ListenAddress = ":8446"
	}
	if c.Gateway.MaxRequestsPerMinute == 0 {
		c.Gateway.MaxRequestsPerMinute = 60
	}
	if c.Replay.NonceExpirationBlocks == 0 {
		c.Replay.NonceExpirationBlocks = 100
	}
	if c.Fraud.MaxTransactionsPerBlock == 0 {
		c.Fraud.MaxTransactionsPerBlock = 1000
	}
	if c.Fraud.MaxTransactionSize == 0 {
		c.Fraud.MaxTransactionSize = 10 * 1024
	}
	if c.Fraud.MaxCostPerTransaction == 0 {
		c.Fraud.MaxCostPerTransaction = 500_000
	}
	if strings.TrimSpace(c.Staking.MinValidatorStakeWei) == "" {
		c.Staking.MinValidatorStakeWei = "1000000000000000000"
	}
	if c.Withdrawals.ChallengePeriodSeconds == 0 {
		c.Withdrawals.ChallengePeriodSeconds = 7 * 24 * 60 * 60
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = "./aegis-data"
	}
	if strings.TrimSpace(c.Storage.ArchivePath) == "" {
		c.Storage.ArchivePath = filepath.Join(c.Storage.DataDir, "events.db")
	}
	if strings.TrimSpace(c.Upstream.NodeURL) == "" {
		c.Upstream.NodeURL = "http://localhost:8551"
	}
	if strings.TrimSpace(c.Upstream.ExecutorURL) == "" {
		c.Upstream.ExecutorURL = "http://localhost:8651"
	}
	if c.Upstream.RequestTimeoutSeconds == 0 {
		c.Upstream.RequestTimeoutSeconds = 10
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
}

// Validate rejects configurations that cannot produce a safe daemon.
func (c *Config) Validate() error {
	if c.Gateway.MaxRequestsPerMinute < 0 {
		return fmt.Errorf("gateway.MaxRequestsPerMinute must be positive")
	}
	if c.Fraud.MaxTransactionsPerBlock < 0 {
		return fmt.Errorf("fraud.MaxTransactionsPerBlock must be positive")
	}
	if c.Fraud.MaxTransactionSize < 0 {
		return fmt.Errorf("fraud.MaxTransactionSize must be positive")
	}
	if c.Withdrawals.ChallengePeriodSeconds < 0 {
		return fmt.Errorf("withdrawals.ChallengePeriodSeconds must be positive")
	}
	if _, ok := new(big.Int).SetString(strings.TrimSpace(c.Staking.MinValidatorStakeWei), 10); !ok {
		return fmt.Errorf("staking.MinValidatorStakeWei must be a base-10 integer")
	}
	if c.Upstream.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.RequestTimeoutSeconds must be positive")
	}
	if c.IsProduction() && strings.TrimSpace(c.Gateway.ApiKeySecret) == "" {
		return fmt.Errorf("gateway.ApiKeySecret must be configured in production")
	}
	return nil
}

// IsProduction reports whether the production hardening rules apply.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// MinValidatorStake parses the configured stake floor.
func (c *Config) MinValidatorStake() *big.Int {
	value, ok := new(big.Int).SetString(strings.TrimSpace(c.Staking.MinValidatorStakeWei), 10)
	if !ok {
		return big.NewInt(0)
	}
	return value
}

func (g *GatewayConfig) normaliseSecret() error {
	g.ApiKeySecret = strings.TrimSpace(g.ApiKeySecret)
	g.ApiKeySecretEnv = strings.TrimSpace(g.ApiKeySecretEnv)
	g.ApiKeySecretFile = strings.TrimSpace(g.ApiKeySecretFile)
	if g.ApiKeySecret != "" {
		return nil
	}
	switch {
	case g.ApiKeySecretEnv != "":
		value := strings.TrimSpace(os.Getenv(g.ApiKeySecretEnv))
		if value == "" {
			return fmt.Errorf("ApiKeySecretEnv %s is empty", g.ApiKeySecretEnv)
		}
		g.ApiKeySecret = value
	case g.ApiKeySecretFile != "":
		contents, err := os.ReadFile(g.ApiKeySecretFile)
		if err != nil {
			return fmt.Errorf("read ApiKeySecretFile: %w", err)
		}
		g.ApiKeySecret = strings.TrimSpace(string(contents))
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
