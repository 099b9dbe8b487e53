package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidSymbol     = errors.New("invalid symbol format")
	ErrInvalidVolume     = errors.New("volume must be positive and within bounds")
	ErrInvalidLeverage   = errors.New("leverage must be between 1 and 100")
	ErrInvalidPercentage = errors.New("percentage must be between 0 and 100")
	ErrInvalidAPIKey     = errors.New("api key must be at least 16 characters, alphanumeric plus -_")
	ErrInvalidAPISecret  = errors.New("api secret must be at least 16 characters")
	ErrInvalidPassphrase = errors.New("api passphrase must be at most 64 characters")
	ErrInvalidExchange   = errors.New("unsupported exchange")
)

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9_/-]{2,20}$`)
var apiKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,}$`)

// SupportedExchanges mirrors internal/exchange.SupportedExchanges; kept
// as a plain string list here so this package stays free of a
// dependency on internal/exchange.
var SupportedExchanges = []string{"bybit", "bitget", "okx", "gate", "htx", "bingx"}

// GetSupportedExchanges returns a copy of SupportedExchanges so callers
// cannot mutate the package-level slice.
func GetSupportedExchanges() []string {
	out := make([]string, len(SupportedExchanges))
	copy(out, SupportedExchanges)
	return out
}

// ValidateSymbol checks that symbol looks like a trading pair
// (BTCUSDT, BTC-USDT, BTC_USDT, BTC/USDT), 2-20 chars, no spaces or
// other punctuation.
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

func IsValidSymbol(symbol string) bool { return ValidateSymbol(symbol) == nil }

// NormalizeSymbol upper-cases and strips the separator characters some
// venues use, producing the bare BASEQUOTE form used as the cache and
// map key throughout the core.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
	return s
}

// knownQuotes is tried longest-first so "USDT" matches before a
// shorter accidental suffix would.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// ExtractBaseCurrency returns the base asset of a normalized symbol,
// e.g. BTCUSDT -> BTC.
func ExtractBaseCurrency(symbol string) string {
	norm := NormalizeSymbol(symbol)
	for _, q := range knownQuotes {
		if strings.HasSuffix(norm, q) && len(norm) > len(q) {
			return norm[:len(norm)-len(q)]
		}
	}
	return norm
}

// ExtractQuoteCurrency returns the quote asset of a normalized symbol,
// e.g. BTCUSDT -> USDT.
func ExtractQuoteCurrency(symbol string) string {
	norm := NormalizeSymbol(symbol)
	for _, q := range knownQuotes {
		if strings.HasSuffix(norm, q) && len(norm) > len(q) {
			return q
		}
	}
	return ""
}

// ValidateVolume checks that a base-currency quantity is positive and
// not so large it is almost certainly a config typo.
func ValidateVolume(volume float64) error {
	if volume <= 0 || volume > 1e9 {
		return ErrInvalidVolume
	}
	return nil
}

// ValidateLeverage checks a venue leverage setting is in a sane range.
// 100x is the practical ceiling across the supported venues.
func ValidateLeverage(leverage int) error {
	if leverage < 1 || leverage > 100 {
		return ErrInvalidLeverage
	}
	return nil
}

// ValidatePercentage checks a config fraction expressed as 0-100.
func ValidatePercentage(pct float64) error {
	if pct < 0 || pct > 100 {
		return ErrInvalidPercentage
	}
	return nil
}

// ValidateAPIKey is a loose format check, not a venue-specific one —
// real validation happens on the first authenticated call.
func ValidateAPIKey(key string) error {
	if !apiKeyPattern.MatchString(key) {
		return ErrInvalidAPIKey
	}
	return nil
}

func IsValidAPIKey(key string) bool { return ValidateAPIKey(key) == nil }

// ValidateAPISecret only checks length; secrets contain characters an
// API-key pattern would reject.
func ValidateAPISecret(secret string) error {
	if len(secret) < 16 {
		return ErrInvalidAPISecret
	}
	return nil
}

// ValidateAPIPassphrase is optional for venues that don't require one
// (bybit, gate, htx, bingx); an empty string is valid.
func ValidateAPIPassphrase(passphrase string) error {
	if len(passphrase) > 64 {
		return ErrInvalidPassphrase
	}
	return nil
}

// ValidateExchange checks name against the adapters this module ships.
func ValidateExchange(name string) error {
	norm := NormalizeExchange(name)
	if norm == "" {
		return ErrInvalidExchange
	}
	for _, e := range SupportedExchanges {
		if e == norm {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidExchange, name)
}

func IsValidExchange(name string) bool { return ValidateExchange(name) == nil }

// NormalizeExchange lower-cases and trims an exchange name as it might
// appear in config or an environment variable.
func NormalizeExchange(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidationErrors accumulates field-scoped errors from validating a
// multi-field config section, so config.Load can report every problem
// at once instead of failing on the first.
type ValidationErrors []fieldError

type fieldError struct {
	Field string
	Msg   string
}

func (e ValidationErrors) HasErrors() bool { return len(e) > 0 }

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Msg)
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationErrors) Add(field, msg string) {
	*e = append(*e, fieldError{Field: field, Msg: msg})
}

// AddError is a no-op when err is nil, so callers can write
// errs.AddError("leverage", ValidateLeverage(cfg.Leverage)) unconditionally.
func (e *ValidationErrors) AddError(field string, err error) {
	if err == nil {
		return
	}
	e.Add(field, err.Error())
}
