package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side constants for orders, shared with the exchange package's own
// SideBuy/SideSell — duplicated here so models has no import cycle on
// exchange.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Position is a read-only view of an open position on one exchange,
// derived from adapter queries. The core never mutates a Position; it
// only reads it to compute delta and PnL.
type Position struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"` // SideBuy or SideSell
	Quantity      decimal.Decimal `json:"quantity"` // always positive, base-currency units
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Leverage      int             `json:"leverage"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SignedQuantity returns Quantity with BUY positive and SELL negative,
// for summing net delta across exchanges.
func (p Position) SignedQuantity() decimal.Decimal {
	if p.Side == SideSell {
		return p.Quantity.Neg()
	}
	return p.Quantity
}
