// Package config loads the typed Config tree the core runs from: a
// YAML base file overlaid with environment variables for credentials
// and a handful of top-level flags. Sections map to each subsystem
// (risk limits, trading parameters, execution, risk guard, per-exchange
// credentials) rather than one flat struct.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trinity/pkg/utils"
)

// Config is the full typed configuration tree.
type Config struct {
	RiskLimits       RiskLimits                `yaml:"risk_limits"`
	TradingParams    TradingParams             `yaml:"trading_params"`
	Execution        Execution                 `yaml:"execution"`
	RiskGuard        RiskGuardConfig           `yaml:"risk_guard"`
	Exchanges        map[string]ExchangeConfig `yaml:"exchanges"`
	EnabledExchanges []string                  `yaml:"enabled_exchanges"`

	PaperTrading bool   `yaml:"paper_trading"`
	DryRun       bool   `yaml:"dry_run"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`

	KVHost     string `yaml:"kv_host"`
	KVPort     int    `yaml:"kv_port"`
	KVPassword string `yaml:"kv_password"`
	KVDB       int    `yaml:"kv_db"`
	KVPrefix   string `yaml:"kv_prefix"`
}

type RiskLimits struct {
	MaxMarginUsage      float64 `yaml:"max_margin_usage"`
	MaxPositionSizeUSD  float64 `yaml:"max_position_size_usd"`
	DeltaThresholdPct   float64 `yaml:"delta_threshold_pct"`
	PositionSizePct     float64 `yaml:"position_size_pct"`
}

type TradingParams struct {
	MinFundingSpread           float64 `yaml:"min_funding_spread"`
	MinImmediateSpread         float64 `yaml:"min_immediate_spread"`
	MinNetPct                  float64 `yaml:"min_net_pct"`
	SlippageBufferPct          float64 `yaml:"slippage_buffer_pct"`
	SafetyBufferPct            float64 `yaml:"safety_buffer_pct"`
	BasisBufferPct             float64 `yaml:"basis_buffer_pct"`
	MaxEntryWindowMinutes      int     `yaml:"max_entry_window_minutes"`
	CooldownAfterOrphanHours   float64 `yaml:"cooldown_after_orphan_hours"`
	HoldMinSpread              float64 `yaml:"hold_min_spread"`
	HoldMaxWaitSeconds         int     `yaml:"hold_max_wait_seconds"`
	UpgradeSpreadDelta         float64 `yaml:"upgrade_spread_delta"`
	UpgradeCooldownSeconds     int     `yaml:"upgrade_cooldown_seconds"`
	ExecuteOnlyBestOpportunity bool    `yaml:"execute_only_best_opportunity"`
}

type Execution struct {
	ConcurrentOpportunities int `yaml:"concurrent_opportunities"`
	OrderTimeoutMs          int `yaml:"order_timeout_ms"`
	ScanParallelism         int `yaml:"scan_parallelism"`
}

type RiskGuardConfig struct {
	FastLoopIntervalSec int  `yaml:"fast_loop_interval_sec"`
	DeepLoopIntervalSec int  `yaml:"deep_loop_interval_sec"`
	EnablePanicClose    bool `yaml:"enable_panic_close"`
	ScannerIntervalSec  int  `yaml:"scanner_interval_sec"`
}

// ExchangeConfig is the per-venue settings block; APIKey/APISecret/
// APIPassphrase are never read from YAML, only from environment
// overrides, so they're excluded from the yaml tags below.
type ExchangeConfig struct {
	CCXTID      string `yaml:"ccxt_id"`
	DefaultType string `yaml:"default_type"`
	RateLimitMs int    `yaml:"rate_limit_ms"`
	MaxLeverage int    `yaml:"max_leverage"`
	Leverage    int    `yaml:"leverage"`
	MarginMode  string `yaml:"margin_mode"`
	PositionMode string `yaml:"position_mode"`
	Testnet     bool   `yaml:"testnet"`

	APIKey        string `yaml:"-"`
	APISecret     string `yaml:"-"`
	APIPassphrase string `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		RiskLimits: RiskLimits{
			MaxMarginUsage:     0.70,
			MaxPositionSizeUSD: 5000,
			DeltaThresholdPct:  0.002,
			PositionSizePct:    0.70,
		},
		TradingParams: TradingParams{
			MinFundingSpread:         0.5,
			MinImmediateSpread:       0.5,
			MinNetPct:                0.5,
			SlippageBufferPct:        0.05,
			SafetyBufferPct:          0.05,
			BasisBufferPct:           0.05,
			MaxEntryWindowMinutes:    15,
			CooldownAfterOrphanHours: 2,
			HoldMinSpread:            0.3,
			HoldMaxWaitSeconds:       14400,
			UpgradeSpreadDelta:       0.2,
			UpgradeCooldownSeconds:   1800,
		},
		Execution: Execution{
			ConcurrentOpportunities: 1,
			OrderTimeoutMs:          5000,
			ScanParallelism:         10,
		},
		RiskGuard: RiskGuardConfig{
			FastLoopIntervalSec: 5,
			DeepLoopIntervalSec: 60,
			EnablePanicClose:    true,
			ScannerIntervalSec:  10,
		},
		Exchanges: map[string]ExchangeConfig{},
		LogLevel:  "info",
		LogFormat: "json",
		KVHost:    "localhost",
		KVPort:    6379,
		KVPrefix:  "trinity:",
	}
}

// Load reads path (a YAML file) into a Config seeded with defaults,
// then applies the environment overlay for credentials and top-level
// flags, then validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverlay(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverlay fills in per-venue credentials from
// <EXCHANGE>_API_KEY / _API_SECRET / _API_PASSPHRASE and a handful of
// top-level runtime flags.
func applyEnvOverlay(cfg *Config) {
	cfg.PaperTrading = getEnvAsBool("PAPER_TRADING", cfg.PaperTrading)
	cfg.DryRun = getEnvAsBool("DRY_RUN", cfg.DryRun)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.KVHost = getEnv("KV_HOST", cfg.KVHost)
	cfg.KVPort = getEnvAsInt("KV_PORT", cfg.KVPort)
	cfg.KVPassword = getEnv("KV_PASSWORD", cfg.KVPassword)
	cfg.KVPrefix = getEnv("KV_PREFIX", cfg.KVPrefix)

	for name, ex := range cfg.Exchanges {
		upper := strings.ToUpper(name)
		ex.APIKey = getEnv(upper+"_API_KEY", ex.APIKey)
		ex.APISecret = getEnv(upper+"_API_SECRET", ex.APISecret)
		ex.APIPassphrase = getEnv(upper+"_API_PASSPHRASE", ex.APIPassphrase)
		cfg.Exchanges[name] = ex
	}
}

// Validate rejects a config the core cannot safely run with, using the
// same field-accumulating pattern as pkg/utils.ValidationErrors so
// every problem surfaces at once.
func (c *Config) Validate() error {
	var errs utils.ValidationErrors

	errs.AddError("risk_limits.max_margin_usage", utils.ValidatePercentage(c.RiskLimits.MaxMarginUsage*100))
	errs.AddError("trading_params.min_net_pct", utils.ValidatePercentage(c.TradingParams.MinNetPct))

	if len(c.EnabledExchanges) == 0 {
		errs.Add("enabled_exchanges", "at least one exchange must be enabled")
	}

	for _, name := range c.EnabledExchanges {
		norm := utils.NormalizeExchange(name)
		if err := utils.ValidateExchange(norm); err != nil {
			errs.AddError("enabled_exchanges["+name+"]", err)
			continue
		}
		ex, ok := c.Exchanges[norm]
		if !ok {
			errs.Add("exchanges."+norm, "enabled but has no configuration block")
			continue
		}
		errs.AddError("exchanges."+norm+".api_key", utils.ValidateAPIKey(ex.APIKey))
		errs.AddError("exchanges."+norm+".api_secret", utils.ValidateAPISecret(ex.APISecret))
		errs.AddError("exchanges."+norm+".api_passphrase", utils.ValidateAPIPassphrase(ex.APIPassphrase))
		if ex.Leverage > 0 {
			errs.AddError("exchanges."+norm+".leverage", utils.ValidateLeverage(ex.Leverage))
		}
	}

	if errs.HasErrors() {
		return fmt.Errorf("config: %w", errs)
	}
	return nil
}

// OrderTimeout returns Execution.OrderTimeoutMs as a time.Duration.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Execution.OrderTimeoutMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
