package models

import "github.com/shopspring/decimal"

// InstrumentSpec describes the immutable trading parameters of a
// (exchange, symbol) pair. Cached for the lifetime of the exchange
// connection by the adapter that produced it.
type InstrumentSpec struct {
	Exchange     string          `json:"exchange"`
	Symbol       string          `json:"symbol"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	ContractSize decimal.Decimal `json:"contract_size"` // base units per contract
	TickSize     decimal.Decimal `json:"tick_size"`
	LotSize      decimal.Decimal `json:"lot_size"` // step for base-currency quantity
	MinNotional  decimal.Decimal `json:"min_notional"`
	MakerFeeRate decimal.Decimal `json:"maker_fee_rate"`
	TakerFeeRate decimal.Decimal `json:"taker_fee_rate"`
}

// RoundDownToLot rounds qty down to the nearest multiple of LotSize.
// Never rounds up — the caller must not receive a quantity larger than
// what it asked for.
func (s InstrumentSpec) RoundDownToLot(qty decimal.Decimal) decimal.Decimal {
	if s.LotSize.IsZero() {
		return qty
	}
	steps := qty.Div(s.LotSize).Floor()
	return steps.Mul(s.LotSize)
}
