package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingCacheEntry is the normalized view of a venue's funding rate for
// one symbol, as kept warm by the adapter's background watchers (see
// exchange.Watcher) and read non-blockingly by the scanner.
//
// Invariant: if NextPaymentAt is non-zero, it must be strictly in the
// future. Adapters forward-correct stale timestamps by repeatedly adding
// IntervalHours until the result is future (see AdvancePastNow).
type FundingCacheEntry struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Rate          decimal.Decimal `json:"rate"` // signed, per-payment, not annualized
	IntervalHours decimal.Decimal `json:"interval_hours"`
	NextPaymentAt time.Time       `json:"next_payment_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DefaultFundingIntervalHours is used whenever a venue's funding-interval
// metadata is absent. Adapters resolve the interval in this order: the
// normalized field, then a venue-specific market-info field, then this.
var DefaultFundingIntervalHours = decimal.NewFromInt(8)

// MinutesUntil returns the number of minutes from `now` until
// NextPaymentAt. Negative when NextPaymentAt is in the past (the caller
// should treat the entry as stale before acting on a negative value).
func (e FundingCacheEntry) MinutesUntil(now time.Time) decimal.Decimal {
	return decimal.NewFromFloat(e.NextPaymentAt.Sub(now).Minutes())
}

// AdvancePastNow advances ts by intervalHours repeatedly until it is
// strictly after now. A zero or negative interval is treated as the
// default to avoid an infinite loop on malformed venue data.
func AdvancePastNow(ts time.Time, intervalHours decimal.Decimal, now time.Time) time.Time {
	if ts.IsZero() {
		return ts
	}
	if intervalHours.LessThanOrEqual(decimal.Zero) {
		intervalHours = DefaultFundingIntervalHours
	}
	step := time.Duration(intervalHours.InexactFloat64() * float64(time.Hour))
	if step <= 0 {
		step = 8 * time.Hour
	}
	for !ts.After(now) {
		ts = ts.Add(step)
	}
	return ts
}
