package controller

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trinity/internal/config"
	"trinity/internal/exchange"
	"trinity/internal/kvstore"
	"trinity/internal/models"
)

type fakeAdapter struct {
	name        string
	spec        models.InstrumentSpec
	balance     exchange.Balance
	placeOrder  func(ctx context.Context, req models.OrderRequest) (models.FillResult, error)
	placedCalls []models.OrderRequest
}

func (f *fakeAdapter) Connect(ctx context.Context, apiKey, secret, passphrase string) error {
	return nil
}
func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) ListSymbols() []string { return []string{"BTCUSDT"} }
func (f *fakeAdapter) EnsureTradingSettings(ctx context.Context, symbol string) error {
	return nil
}
func (f *fakeAdapter) GetInstrumentSpec(ctx context.Context, symbol string) (models.InstrumentSpec, error) {
	return f.spec, nil
}
func (f *fakeAdapter) GetBalance(ctx context.Context) (exchange.Balance, error) {
	return f.balance, nil
}
func (f *fakeAdapter) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{Symbol: symbol, Last: dec("50000")}, nil
}
func (f *fakeAdapter) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	return nil, nil
}
func (f *fakeAdapter) GetFundingRate(ctx context.Context, symbol string) (models.FundingCacheEntry, error) {
	return models.FundingCacheEntry{}, nil
}
func (f *fakeAdapter) GetCachedFunding(symbol string) (models.FundingCacheEntry, bool) {
	return models.FundingCacheEntry{}, false
}
func (f *fakeAdapter) WarmUpFunding(ctx context.Context, symbols []string) error { return nil }
func (f *fakeAdapter) StartFundingWatchers(ctx context.Context, symbols []string) {}
func (f *fakeAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.FillResult, error) {
	f.placedCalls = append(f.placedCalls, req)
	return f.placeOrder(ctx, req)
}
func (f *fakeAdapter) Close() error { return nil }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testSpec() models.InstrumentSpec {
	return models.InstrumentSpec{Symbol: "BTCUSDT", LotSize: dec("0.001"), TakerFeeRate: dec("0.0005")}
}

func testConfig() *config.Config {
	return &config.Config{
		Execution: config.Execution{OrderTimeoutMs: 200, ConcurrentOpportunities: 5},
		TradingParams: config.TradingParams{
			CooldownAfterOrphanHours: 2,
		},
		KVPrefix: "trinity:",
	}
}

func testOpportunity() *models.Opportunity {
	return &models.Opportunity{
		Symbol: "BTCUSDT", LongExchange: "longex", ShortExchange: "shortex",
		SuggestedQty: dec("0.010"), ReferencePrice: dec("50000"),
		NetEdgePct: dec("0.30"), Qualified: true, Mode: models.ModeHold,
	}
}

type noopGrace struct{}

func (noopGrace) MarkTradeOpened(string) {}

// long leg fills 0.010, short leg times out.
// Expect a reduce-only SELL 0.010 orphan close on the long-leg
// exchange, no TradeRecord persisted, cooldown set.
func TestHandleOpportunity_OrphanRecovery_Scenario4(t *testing.T) {
	longAdapter := &fakeAdapter{
		name: "longex", spec: testSpec(), balance: exchange.Balance{Free: dec("1000")},
		placeOrder: func(ctx context.Context, req models.OrderRequest) (models.FillResult, error) {
			if req.ReduceOnly {
				return models.FillResult{Status: models.OrderStatusFilled, FilledBaseQty: req.Quantity}, nil
			}
			return models.FillResult{Status: models.OrderStatusFilled, FilledBaseQty: dec("0.010"), AveragePrice: dec("50000")}, nil
		},
	}
	shortAdapter := &fakeAdapter{
		name: "shortex", spec: testSpec(), balance: exchange.Balance{Free: dec("1000")},
		placeOrder: func(ctx context.Context, req models.OrderRequest) (models.FillResult, error) {
			time.Sleep(500 * time.Millisecond)
			return models.FillResult{Status: models.OrderStatusFilled, FilledBaseQty: req.Quantity}, nil
		},
	}

	adapters := map[string]exchange.Adapter{"longex": longAdapter, "shortex": shortAdapter}
	kv := kvstore.NewMemoryStore(nil)
	c := New(adapters, testConfig(), kv, nil, noopGrace{}, nil, nil)

	c.HandleOpportunity(context.Background(), testOpportunity())

	c.mu.Lock()
	_, hasTrade := c.trades["BTCUSDT"]
	c.mu.Unlock()
	if hasTrade {
		t.Fatal("expected no TradeRecord to be persisted on orphan recovery")
	}

	foundOrphanClose := false
	for _, req := range longAdapter.placedCalls {
		if req.ReduceOnly && req.Side == exchange.SideSell && req.Quantity.Equal(dec("0.010")) {
			foundOrphanClose = true
		}
	}
	if !foundOrphanClose {
		t.Fatalf("expected reduce-only SELL 0.010 orphan close on longex, calls=%+v", longAdapter.placedCalls)
	}

	exists, err := kv.Exists(context.Background(), kvstore.CooldownKey("trinity:", "BTCUSDT"))
	if err != nil || !exists {
		t.Fatal("expected a cooldown to be set on the symbol")
	}
}

// long fills 0.010, short fills 0.007. Expect a
// reduce-only SELL 0.003 trim on the long leg, TradeRecord persisted
// with long_qty=short_qty=0.007, state=OPEN.
func TestHandleOpportunity_DeltaCorrection_Scenario5(t *testing.T) {
	trimCalls := 0
	longAdapter := &fakeAdapter{
		name: "longex", spec: testSpec(), balance: exchange.Balance{Free: dec("1000")},
		placeOrder: func(ctx context.Context, req models.OrderRequest) (models.FillResult, error) {
			if req.ReduceOnly {
				trimCalls++
				return models.FillResult{Status: models.OrderStatusFilled, FilledBaseQty: req.Quantity}, nil
			}
			return models.FillResult{Status: models.OrderStatusFilled, FilledBaseQty: dec("0.010"), AveragePrice: dec("50000")}, nil
		},
	}
	shortAdapter := &fakeAdapter{
		name: "shortex", spec: testSpec(), balance: exchange.Balance{Free: dec("1000")},
		placeOrder: func(ctx context.Context, req models.OrderRequest) (models.FillResult, error) {
			return models.FillResult{Status: models.OrderStatusFilled, FilledBaseQty: dec("0.007"), AveragePrice: dec("50000")}, nil
		},
	}

	adapters := map[string]exchange.Adapter{"longex": longAdapter, "shortex": shortAdapter}
	kv := kvstore.NewMemoryStore(nil)
	c := New(adapters, testConfig(), kv, nil, noopGrace{}, nil, nil)

	c.HandleOpportunity(context.Background(), testOpportunity())

	c.mu.Lock()
	tr, ok := c.trades["BTCUSDT"]
	c.mu.Unlock()
	if !ok {
		t.Fatal("expected a TradeRecord to be persisted")
	}
	if tr.State != models.TradeStateOpen {
		t.Fatalf("expected state=OPEN, got %s", tr.State)
	}
	if !tr.LongQty.Equal(dec("0.007")) || !tr.ShortQty.Equal(dec("0.007")) {
		t.Fatalf("expected long_qty=short_qty=0.007, got long=%s short=%s", tr.LongQty, tr.ShortQty)
	}
	if trimCalls != 1 {
		t.Fatalf("expected exactly one reduce-only trim call, got %d", trimCalls)
	}
}
