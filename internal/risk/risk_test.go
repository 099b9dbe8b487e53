package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"trinity/internal/config"
	"trinity/internal/exchange"
	"trinity/internal/kvstore"
	"trinity/internal/models"
)

type fakeAdapter struct {
	name         string
	positions    []models.Position
	positionsErr error
	placedOrders []models.OrderRequest
}

func (f *fakeAdapter) Connect(ctx context.Context, apiKey, secret, passphrase string) error {
	return nil
}
func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) ListSymbols() []string { return nil }
func (f *fakeAdapter) EnsureTradingSettings(ctx context.Context, symbol string) error {
	return nil
}
func (f *fakeAdapter) GetInstrumentSpec(ctx context.Context, symbol string) (models.InstrumentSpec, error) {
	return models.InstrumentSpec{}, nil
}
func (f *fakeAdapter) GetBalance(ctx context.Context) (exchange.Balance, error) {
	return exchange.Balance{}, nil
}
func (f *fakeAdapter) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}
func (f *fakeAdapter) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions, nil
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
	f.placedOrders = append(f.placedOrders, req)
	return models.FillResult{Status: models.OrderStatusFilled, FilledBaseQty: req.Quantity}, nil
}
func (f *fakeAdapter) Close() error { return nil }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testConfig() *config.Config {
	return &config.Config{
		RiskLimits: config.RiskLimits{DeltaThresholdPct: 0.001},
		RiskGuard:  config.RiskGuardConfig{EnablePanicClose: true, FastLoopIntervalSec: 5, DeepLoopIntervalSec: 60},
		Execution:  config.Execution{OrderTimeoutMs: 1000},
		TradingParams: config.TradingParams{
			CooldownAfterOrphanHours: 2,
		},
		KVPrefix: "trinity:",
	}
}

// one adapter's position fetch fails mid-tick —
// the entire delta evaluation for that tick must be skipped, and no
// orders placed anywhere.
func TestFastLoopTick_PartialSnapshot_SkipsEvaluation_Scenario6(t *testing.T) {
	good := &fakeAdapter{name: "longex", positions: []models.Position{
		{Exchange: "longex", Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: dec("0.010")},
	}}
	bad := &fakeAdapter{name: "shortex", positionsErr: context.DeadlineExceeded}

	adapters := map[string]exchange.Adapter{"longex": good, "shortex": bad}
	kv := kvstore.NewMemoryStore(nil)
	g := New(adapters, testConfig(), kv, nil, nil)

	g.fastLoopTick(context.Background())

	if len(good.placedOrders) != 0 {
		t.Fatalf("expected no orders placed when snapshot is partial, got %+v", good.placedOrders)
	}
}

// A net delta over threshold on a fully-observed book triggers a panic
// close that reduces the position to flat.
func TestFastLoopTick_DeltaBreach_TriggersPanicClose(t *testing.T) {
	long := &fakeAdapter{name: "longex", positions: []models.Position{
		{Exchange: "longex", Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: dec("0.010")},
	}}
	short := &fakeAdapter{name: "shortex", positions: []models.Position{
		{Exchange: "shortex", Symbol: "BTCUSDT", Side: models.SideSell, Quantity: dec("0.005")},
	}}

	adapters := map[string]exchange.Adapter{"longex": long, "shortex": short}
	kv := kvstore.NewMemoryStore(nil)
	g := New(adapters, testConfig(), kv, nil, nil)

	g.fastLoopTick(context.Background())

	if len(long.placedOrders) != 1 {
		t.Fatalf("expected exactly one panic-close order on longex, got %d", len(long.placedOrders))
	}
	if long.placedOrders[0].Side != exchange.SideSell || !long.placedOrders[0].ReduceOnly {
		t.Fatalf("expected a reduce-only SELL on longex, got %+v", long.placedOrders[0])
	}

	exists, err := kv.Exists(context.Background(), kvstore.CooldownKey("trinity:", "BTCUSDT"))
	if err != nil || !exists {
		t.Fatal("expected a cooldown to be set after panic close")
	}
}

// A symbol within its post-open grace window must never trigger a
// breach even with a large net delta.
func TestFastLoopTick_GraceWindow_SuppressesBreach(t *testing.T) {
	long := &fakeAdapter{name: "longex", positions: []models.Position{
		{Exchange: "longex", Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: dec("0.010")},
	}}

	adapters := map[string]exchange.Adapter{"longex": long}
	kv := kvstore.NewMemoryStore(nil)
	g := New(adapters, testConfig(), kv, nil, nil)
	g.MarkTradeOpened("BTCUSDT")

	g.fastLoopTick(context.Background())

	if len(long.placedOrders) != 0 {
		t.Fatalf("expected grace window to suppress panic close, got %+v", long.placedOrders)
	}
}
