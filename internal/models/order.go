package models

import "github.com/shopspring/decimal"

// OrderRequest asks an adapter to place a market order. Quantity is in
// base-currency units; the adapter converts to the venue's native
// contract units and rounds down to the lot step.
type OrderRequest struct {
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"` // SideBuy or SideSell
	Quantity    decimal.Decimal `json:"quantity"`
	ReduceOnly  bool            `json:"reduce_only"`
}

// Order statuses returned by FillResult.
const (
	OrderStatusFilled  = "filled"
	OrderStatusPartial = "partial"
	OrderStatusNone    = "none" // no fill at all — never counts as an orphan leg
)

// FillResult is what an adapter returns after placing an order.
type FillResult struct {
	OrderID        string          `json:"order_id"`
	FilledBaseQty  decimal.Decimal `json:"filled_base_qty"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	Status         string          `json:"status"`
}
