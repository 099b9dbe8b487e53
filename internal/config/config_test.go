package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
enabled_exchanges: [bybit, okx]
risk_limits:
  max_margin_usage: 0.70
  max_position_size_usd: 5000
  delta_threshold_pct: 0.2
  position_size_pct: 0.70
trading_params:
  min_funding_spread: 0.5
  min_net_pct: 0.5
exchanges:
  bybit:
    ccxt_id: bybit
    leverage: 5
    margin_mode: cross
    position_mode: oneway
  okx:
    ccxt_id: okx
    leverage: 3
    margin_mode: cross
    position_mode: oneway
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv("BYBIT_API_KEY", "1234567890123456")
	t.Setenv("BYBIT_API_SECRET", "1234567890123456")
	t.Setenv("OKX_API_KEY", "1234567890123456")
	t.Setenv("OKX_API_SECRET", "1234567890123456")
	t.Setenv("OKX_API_PASSPHRASE", "pass")

	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RiskLimits.MaxMarginUsage != 0.70 {
		t.Errorf("MaxMarginUsage = %v, want 0.70", cfg.RiskLimits.MaxMarginUsage)
	}
	if cfg.Exchanges["bybit"].APIKey != "1234567890123456" {
		t.Errorf("expected env overlay to populate bybit API key")
	}
	if cfg.Exchanges["okx"].APIPassphrase != "pass" {
		t.Errorf("expected env overlay to populate okx passphrase")
	}
}

func TestLoad_MissingCredentialsFails(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for missing API credentials")
	}
}

func TestLoad_NoEnabledExchangesFails(t *testing.T) {
	path := writeTempConfig(t, "enabled_exchanges: []\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error when no exchanges are enabled")
	}
}

func TestLoad_UnknownExchangeNameFails(t *testing.T) {
	path := writeTempConfig(t, "enabled_exchanges: [binance]\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unsupported exchange name")
	}
}

func TestDefaults_AppliedWhenFieldsOmitted(t *testing.T) {
	cfg := defaults()
	if cfg.Execution.OrderTimeoutMs != 5000 {
		t.Errorf("default OrderTimeoutMs = %d, want 5000", cfg.Execution.OrderTimeoutMs)
	}
	if cfg.RiskGuard.FastLoopIntervalSec != 5 {
		t.Errorf("default FastLoopIntervalSec = %d, want 5", cfg.RiskGuard.FastLoopIntervalSec)
	}
	if cfg.TradingParams.MaxEntryWindowMinutes != 15 {
		t.Errorf("default MaxEntryWindowMinutes = %d, want 15", cfg.TradingParams.MaxEntryWindowMinutes)
	}
}

func TestOrderTimeout(t *testing.T) {
	cfg := defaults()
	if got := cfg.OrderTimeout().Milliseconds(); got != 5000 {
		t.Errorf("OrderTimeout = %dms, want 5000ms", got)
	}
}
