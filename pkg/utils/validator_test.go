package utils

import "testing"

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		wantErr bool
	}{
		{"valid BTCUSDT", "BTCUSDT", false},
		{"valid lowercase", "btcusdt", false},
		{"valid with hyphen", "BTC-USDT", false},
		{"valid with underscore", "BTC_USDT", false},
		{"valid with slash", "BTC/USDT", false},
		{"empty", "", true},
		{"single char", "B", true},
		{"too long", "BTCUSDTBTCUSDTBTCUSDTBTCUSDTXXX", true},
		{"special chars", "BTC@USDT", true},
		{"spaces", "BTC USDT", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSymbol(tt.symbol)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSymbol(%q) error = %v, wantErr %v", tt.symbol, err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct{ input, expected string }{
		{"btcusdt", "BTCUSDT"},
		{"btc-usdt", "BTCUSDT"},
		{"BTC_USDT", "BTCUSDT"},
		{"btc/usdt", "BTCUSDT"},
		{"BTCUSDT", "BTCUSDT"},
	}
	for _, tt := range tests {
		if got := NormalizeSymbol(tt.input); got != tt.expected {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestExtractBaseAndQuoteCurrency(t *testing.T) {
	tests := []struct {
		symbol, base, quote string
	}{
		{"BTCUSDT", "BTC", "USDT"},
		{"ETHUSDC", "ETH", "USDC"},
		{"SOL-USDT", "SOL", "USDT"},
		{"ETH_BTC", "ETH", "BTC"},
	}
	for _, tt := range tests {
		if got := ExtractBaseCurrency(tt.symbol); got != tt.base {
			t.Errorf("ExtractBaseCurrency(%q) = %q, want %q", tt.symbol, got, tt.base)
		}
		if got := ExtractQuoteCurrency(tt.symbol); got != tt.quote {
			t.Errorf("ExtractQuoteCurrency(%q) = %q, want %q", tt.symbol, got, tt.quote)
		}
	}
}

func TestValidateVolume(t *testing.T) {
	tests := []struct {
		volume  float64
		wantErr bool
	}{
		{0.001, false}, {100.0, false}, {0, true}, {-1, true}, {1e10, true},
	}
	for _, tt := range tests {
		if err := ValidateVolume(tt.volume); (err != nil) != tt.wantErr {
			t.Errorf("ValidateVolume(%v) error = %v, wantErr %v", tt.volume, err, tt.wantErr)
		}
	}
}

func TestValidateLeverage(t *testing.T) {
	tests := []struct {
		leverage int
		wantErr  bool
	}{
		{1, false}, {10, false}, {100, false}, {0, true}, {-1, true}, {101, true},
	}
	for _, tt := range tests {
		if err := ValidateLeverage(tt.leverage); (err != nil) != tt.wantErr {
			t.Errorf("ValidateLeverage(%v) error = %v, wantErr %v", tt.leverage, err, tt.wantErr)
		}
	}
}

func TestValidatePercentage(t *testing.T) {
	tests := []struct {
		pct     float64
		wantErr bool
	}{
		{0, false}, {50, false}, {100, false}, {-1, true}, {101, true},
	}
	for _, tt := range tests {
		if err := ValidatePercentage(tt.pct); (err != nil) != tt.wantErr {
			t.Errorf("ValidatePercentage(%v) error = %v, wantErr %v", tt.pct, err, tt.wantErr)
		}
	}
}

func TestValidateAPIKeySecretPassphrase(t *testing.T) {
	if err := ValidateAPIKey("1234567890123456"); err != nil {
		t.Errorf("expected valid api key, got %v", err)
	}
	if err := ValidateAPIKey("short"); err == nil {
		t.Error("expected error for short api key")
	}
	if err := ValidateAPISecret("1234567890123456"); err != nil {
		t.Errorf("expected valid secret, got %v", err)
	}
	if err := ValidateAPIPassphrase(""); err != nil {
		t.Error("empty passphrase should be valid")
	}
	if err := ValidateAPIPassphrase(string(make([]byte, 100))); err == nil {
		t.Error("expected error for oversized passphrase")
	}
}

func TestValidateExchange(t *testing.T) {
	tests := []struct {
		exchange string
		wantErr  bool
	}{
		{"bybit", false}, {"bitget", false}, {"okx", false}, {"gate", false},
		{"htx", false}, {"bingx", false}, {"BYBIT", false},
		{"", true}, {"binance", true}, {"kraken", true},
	}
	for _, tt := range tests {
		if err := ValidateExchange(tt.exchange); (err != nil) != tt.wantErr {
			t.Errorf("ValidateExchange(%q) error = %v, wantErr %v", tt.exchange, err, tt.wantErr)
		}
	}
}

func TestNormalizeExchange(t *testing.T) {
	if NormalizeExchange("  BYBIT  ") != "bybit" {
		t.Error("NormalizeExchange should lowercase and trim")
	}
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors
	errs.Add("field1", "error1")
	errs.AddError("field2", ErrInvalidSymbol)
	errs.AddError("field3", nil)

	if !errs.HasErrors() {
		t.Error("expected HasErrors to be true")
	}
	if len(errs) != 2 {
		t.Errorf("expected 2 errors (nil AddError should be skipped), got %d", len(errs))
	}
	if errs.Error() == "" {
		t.Error("Error() should not be empty")
	}
}

func TestGetSupportedExchanges(t *testing.T) {
	got := GetSupportedExchanges()
	if len(got) != len(SupportedExchanges) {
		t.Fatalf("length mismatch: %d vs %d", len(got), len(SupportedExchanges))
	}
	got[0] = "modified"
	if SupportedExchanges[0] == "modified" {
		t.Error("GetSupportedExchanges should return a copy")
	}
}
