package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity modes.
const (
	ModeHold        = "HOLD"
	ModeCherryPick  = "CHERRY_PICK"
)

// Opportunity is the ephemeral output of one (symbol, exchange-pair,
// direction) evaluation by the Discovery Scanner. It is rebuilt on every
// scan tick and never persisted.
//
// Invariant: Qualified implies ImmediateNetPct >= the scan's min_net_pct
// AND at least one income leg has a funding payment within the entry
// window (the scanner must not set Qualified without having checked
// both).
type Opportunity struct {
	Symbol            string          `json:"symbol"`
	LongExchange      string          `json:"long_exchange"`
	ShortExchange     string          `json:"short_exchange"`
	LongRate          decimal.Decimal `json:"long_rate"`
	ShortRate         decimal.Decimal `json:"short_rate"`
	ImmediateSpreadPct decimal.Decimal `json:"immediate_spread_pct"`
	FundingSpreadPct  decimal.Decimal `json:"funding_spread_pct"` // 8h-normalized
	ImmediateNetPct   decimal.Decimal `json:"immediate_net_pct"`
	GrossEdgePct      decimal.Decimal `json:"gross_edge_pct"`
	FeesPct           decimal.Decimal `json:"fees_pct"`
	NetEdgePct        decimal.Decimal `json:"net_edge_pct"`
	SuggestedQty      decimal.Decimal `json:"suggested_qty"`
	ReferencePrice    decimal.Decimal `json:"reference_price"`
	MinIntervalHours  decimal.Decimal `json:"min_interval_hours"`
	HourlyRatePct     decimal.Decimal `json:"hourly_rate_pct"`
	NextFundingAtMs   int64           `json:"next_funding_ms"`
	Mode              string          `json:"mode"`
	ExitBefore        time.Time       `json:"exit_before,omitempty"` // CHERRY_PICK only
	NCollections      int             `json:"n_collections"`
	Qualified         bool            `json:"qualified"`
}

// ExchangePair identifies an unordered pair of venues for dedup/ranking
// purposes (A/B is the same pair as B/A).
type ExchangePair struct {
	A, B string
}

// Canonical returns the pair with A and B ordered lexicographically, so
// two ExchangePair values naming the same venues compare equal.
func (p ExchangePair) Canonical() ExchangePair {
	if p.A > p.B {
		return ExchangePair{A: p.B, B: p.A}
	}
	return p
}
