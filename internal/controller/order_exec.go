package controller

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"trinity/internal/exchange"
	"trinity/internal/models"
)

// placeWithTimeout places req on adapter, bounded by the controller's
// configured order timeout (default 5s).
func placeWithTimeout(ctx context.Context, adapter exchange.Adapter, req models.OrderRequest, timeout time.Duration) (models.FillResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		fill models.FillResult
		err  error
	}
	done := make(chan result, 1)
	go func() {
		fill, err := adapter.PlaceOrder(ctx, req)
		done <- result{fill, err}
	}()

	select {
	case r := <-done:
		return r.fill, r.err
	case <-ctx.Done():
		return models.FillResult{}, exchange.NewOrderTimeoutError(req.Exchange, ctx.Err())
	}
}

// orphanFilled reports whether fill counts as a filled leg that now
// needs an offsetting close: nonzero quantity, not a no-fill.
func orphanFilled(fill models.FillResult) bool {
	return fill.Status != models.OrderStatusNone && fill.FilledBaseQty.GreaterThan(decimal.Zero)
}
