package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade lifecycle states, enforced by the transition table in
// internal/controller/state_machine.go.
const (
	TradeStateOpen    = "OPEN"
	TradeStateClosing = "CLOSING"
	TradeStateClosed  = "CLOSED"
	TradeStateError   = "ERROR"
)

// FundingPayment records one collected funding payment on a leg,
// appended to TradeRecord.History as the exit monitor observes
// NextFundingLong/Short trackers crossing into the past.
type FundingPayment struct {
	Exchange string          `json:"exchange"`
	Rate     decimal.Decimal `json:"rate"`
	PaidAt   time.Time       `json:"paid_at"`
}

// TradeRecord is the single mutable record of a delta-neutral pair,
// exclusively owned by the Execution Controller. It is persisted to the
// KV store on every state change (key trade:{id}) and reconstructed on
// startup.
//
// Invariant: while State == TradeStateOpen, |LongQty - ShortQty| must be
// <= max(long lot step, short lot step).
type TradeRecord struct {
	TradeID       string    `json:"trade_id"` // 12 hex chars
	Symbol        string    `json:"symbol"`
	State         string    `json:"state"`
	LongExchange  string    `json:"long_exchange"`
	ShortExchange string    `json:"short_exchange"`

	LongQty  decimal.Decimal `json:"long_qty"`
	ShortQty decimal.Decimal `json:"short_qty"`

	EntryEdgePct         decimal.Decimal `json:"entry_edge_pct"`
	LongRateAtOpen       decimal.Decimal `json:"long_rate_at_open"`
	ShortRateAtOpen      decimal.Decimal `json:"short_rate_at_open"`
	ReferencePriceAtOpen decimal.Decimal `json:"reference_price_at_open"`

	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	Mode       string    `json:"mode"`
	ExitBefore time.Time `json:"exit_before,omitempty"`

	NextFundingLong    time.Time `json:"next_funding_long"`
	NextFundingShort   time.Time `json:"next_funding_short"`
	LongPaidThisCycle  bool      `json:"long_paid_this_cycle"`
	ShortPaidThisCycle bool      `json:"short_paid_this_cycle"`

	CumulativeFundingCollected decimal.Decimal  `json:"cumulative_funding_collected"`
	History                    []FundingPayment `json:"history,omitempty"`
}

// QtyImbalance returns the absolute difference between the two legs'
// quantities.
func (t TradeRecord) QtyImbalance() decimal.Decimal {
	return t.LongQty.Sub(t.ShortQty).Abs()
}

// IsOpen reports whether the trade currently holds a position (OPEN or
// CLOSING — both have live legs on the exchanges).
func (t TradeRecord) IsOpen() bool {
	return t.State == TradeStateOpen || t.State == TradeStateClosing
}
