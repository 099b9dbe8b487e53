package scanner

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

// fakeAdapter is a minimal exchange.Adapter stand-in driven entirely by
// fixed return values, for exercising the scanner's evaluation logic
// without any network I/O.
type fakeAdapter struct {
	name    string
	symbols []string
	funding map[string]models.FundingCacheEntry
	spec    models.InstrumentSpec
	balance exchange.Balance
	ticker  exchange.Ticker
}

func (f *fakeAdapter) Connect(ctx context.Context, apiKey, secret, passphrase string) error {
	return nil
}
func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) ListSymbols() []string { return f.symbols }
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
	return f.ticker, nil
}
func (f *fakeAdapter) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	return nil, nil
}
func (f *fakeAdapter) GetFundingRate(ctx context.Context, symbol string) (models.FundingCacheEntry, error) {
	return f.funding[symbol], nil
}
func (f *fakeAdapter) GetCachedFunding(symbol string) (models.FundingCacheEntry, bool) {
	e, ok := f.funding[symbol]
	return e, ok
}
func (f *fakeAdapter) WarmUpFunding(ctx context.Context, symbols []string) error { return nil }
func (f *fakeAdapter) StartFundingWatchers(ctx context.Context, symbols []string) {}
func (f *fakeAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.FillResult, error) {
	return models.FillResult{}, nil
}
func (f *fakeAdapter) Close() error { return nil }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testSpec(exchangeName string) models.InstrumentSpec {
	return models.InstrumentSpec{
		Exchange:     exchangeName,
		Symbol:       "BTCUSDT",
		Base:         "BTC",
		Quote:        "USDT",
		LotSize:      dec("0.001"),
		MinNotional:  dec("5"),
		TakerFeeRate: dec("0.0005"),
		MakerFeeRate: dec("0.0002"),
	}
}

func testBalance() exchange.Balance {
	return exchange.Balance{Total: dec("800"), Free: dec("800"), Used: decimal.Zero}
}

func testTicker() exchange.Ticker {
	return exchange.Ticker{Symbol: "BTCUSDT", Bid: dec("49999"), Ask: dec("50001"), Last: dec("50000")}
}

func testConfig() *config.Config {
	return &config.Config{
		RiskLimits: config.RiskLimits{
			MaxMarginUsage:     0.70,
			MaxPositionSizeUSD: 5000,
			PositionSizePct:    0.70,
		},
		TradingParams: config.TradingParams{
			MinFundingSpread:      0.10,
			MinNetPct:             0.05,
			SlippageBufferPct:     0.02,
			SafetyBufferPct:       0.02,
			BasisBufferPct:        0.01,
			MaxEntryWindowMinutes: 15,
		},
		Execution: config.Execution{ScanParallelism: 10, OrderTimeoutMs: 5000},
		Exchanges: map[string]config.ExchangeConfig{
			"longex":  {Leverage: 3},
			"shortex": {Leverage: 3},
		},
		KVPrefix: "trinity:",
	}
}

// long=0.0001/8h, short=0.0050/1h, both imminent
// within the entry window, should qualify HOLD with a positive net edge.
func TestTick_HoldQualifies_Scenario1(t *testing.T) {
	now := time.Now()
	longEntry := models.FundingCacheEntry{
		Exchange: "longex", Symbol: "BTCUSDT",
		Rate: dec("0.0001"), IntervalHours: dec("8"),
		NextPaymentAt: now.Add(5 * time.Minute), UpdatedAt: now,
	}
	shortEntry := models.FundingCacheEntry{
		Exchange: "shortex", Symbol: "BTCUSDT",
		Rate: dec("0.0050"), IntervalHours: dec("1"),
		NextPaymentAt: now.Add(5 * time.Minute), UpdatedAt: now,
	}

	longAdapter := &fakeAdapter{
		name: "longex", symbols: []string{"BTCUSDT"},
		funding: map[string]models.FundingCacheEntry{"BTCUSDT": longEntry},
		spec:    testSpec("longex"), balance: testBalance(), ticker: testTicker(),
	}
	shortAdapter := &fakeAdapter{
		name: "shortex", symbols: []string{"BTCUSDT"},
		funding: map[string]models.FundingCacheEntry{"BTCUSDT": shortEntry},
		spec:    testSpec("shortex"), balance: testBalance(), ticker: testTicker(),
	}

	adapters := map[string]exchange.Adapter{"longex": longAdapter, "shortex": shortAdapter}
	kv := kvstore.NewMemoryStore(nil)
	dispatch := make(chan *models.Opportunity, 4)
	s := New(adapters, testConfig(), kv, nil, dispatch)

	s.Tick(context.Background())

	select {
	case opp := <-dispatch:
		if !opp.Qualified {
			t.Fatalf("expected a qualified opportunity, got %+v", opp)
		}
		if opp.Mode != models.ModeHold {
			t.Fatalf("expected HOLD mode, got %s", opp.Mode)
		}
		if !opp.ImmediateNetPct.GreaterThan(decimal.Zero) {
			t.Fatalf("expected positive net edge, got %s", opp.ImmediateNetPct)
		}
	default:
		t.Fatal("expected an opportunity to be dispatched")
	}
}

// long=0.0001/short=0.0003, immediate_spread=0.02%,
// below min_funding_spread — nothing should qualify.
func TestTick_BelowThreshold_Scenario2(t *testing.T) {
	now := time.Now()
	longEntry := models.FundingCacheEntry{
		Exchange: "longex", Symbol: "BTCUSDT",
		Rate: dec("0.0001"), IntervalHours: dec("8"),
		NextPaymentAt: now.Add(5 * time.Minute), UpdatedAt: now,
	}
	shortEntry := models.FundingCacheEntry{
		Exchange: "shortex", Symbol: "BTCUSDT",
		Rate: dec("0.0003"), IntervalHours: dec("8"),
		NextPaymentAt: now.Add(5 * time.Minute), UpdatedAt: now,
	}

	longAdapter := &fakeAdapter{
		name: "longex", symbols: []string{"BTCUSDT"},
		funding: map[string]models.FundingCacheEntry{"BTCUSDT": longEntry},
		spec:    testSpec("longex"), balance: testBalance(), ticker: testTicker(),
	}
	shortAdapter := &fakeAdapter{
		name: "shortex", symbols: []string{"BTCUSDT"},
		funding: map[string]models.FundingCacheEntry{"BTCUSDT": shortEntry},
		spec:    testSpec("shortex"), balance: testBalance(), ticker: testTicker(),
	}

	adapters := map[string]exchange.Adapter{"longex": longAdapter, "shortex": shortAdapter}
	kv := kvstore.NewMemoryStore(nil)
	dispatch := make(chan *models.Opportunity, 4)
	s := New(adapters, testConfig(), kv, nil, dispatch)

	s.Tick(context.Background())

	select {
	case opp := <-dispatch:
		t.Fatalf("expected no dispatched opportunity, got %+v", opp)
	default:
	}
}

// long=0.0010/8h, short=0.0060/1h — only the short
// leg is imminent and income-bearing, so CHERRY_PICK should qualify with
// cp_gross = 0.60%, one collection.
func TestTick_CherryPickQualifies_Scenario3(t *testing.T) {
	now := time.Now()
	longEntry := models.FundingCacheEntry{
		Exchange: "longex", Symbol: "BTCUSDT",
		Rate: dec("0.0010"), IntervalHours: dec("8"),
		NextPaymentAt: now.Add(6 * time.Hour), UpdatedAt: now,
	}
	shortEntry := models.FundingCacheEntry{
		Exchange: "shortex", Symbol: "BTCUSDT",
		Rate: dec("0.0060"), IntervalHours: dec("1"),
		NextPaymentAt: now.Add(5 * time.Minute), UpdatedAt: now,
	}

	longAdapter := &fakeAdapter{
		name: "longex", symbols: []string{"BTCUSDT"},
		funding: map[string]models.FundingCacheEntry{"BTCUSDT": longEntry},
		spec:    testSpec("longex"), balance: testBalance(), ticker: testTicker(),
	}
	shortAdapter := &fakeAdapter{
		name: "shortex", symbols: []string{"BTCUSDT"},
		funding: map[string]models.FundingCacheEntry{"BTCUSDT": shortEntry},
		spec:    testSpec("shortex"), balance: testBalance(), ticker: testTicker(),
	}

	adapters := map[string]exchange.Adapter{"longex": longAdapter, "shortex": shortAdapter}
	kv := kvstore.NewMemoryStore(nil)
	dispatch := make(chan *models.Opportunity, 4)
	s := New(adapters, testConfig(), kv, nil, dispatch)

	s.Tick(context.Background())

	select {
	case opp := <-dispatch:
		if !opp.Qualified || opp.Mode != models.ModeCherryPick {
			t.Fatalf("expected a qualified CHERRY_PICK opportunity, got %+v", opp)
		}
		if opp.NCollections != 1 {
			t.Fatalf("expected n_collections=1, got %d", opp.NCollections)
		}
		want := dec("0.60")
		if !opp.GrossEdgePct.Equal(want) {
			t.Fatalf("expected cp_gross=0.60%%, got %s", opp.GrossEdgePct)
		}
	default:
		t.Fatal("expected a dispatched CHERRY_PICK opportunity")
	}
}

// A symbol in cooldown must never be dispatched even with a qualifying
// spread.
func TestTick_SkipsSymbolInCooldown(t *testing.T) {
	now := time.Now()
	longEntry := models.FundingCacheEntry{
		Exchange: "longex", Symbol: "BTCUSDT",
		Rate: dec("0.0001"), IntervalHours: dec("8"),
		NextPaymentAt: now.Add(5 * time.Minute), UpdatedAt: now,
	}
	shortEntry := models.FundingCacheEntry{
		Exchange: "shortex", Symbol: "BTCUSDT",
		Rate: dec("0.0050"), IntervalHours: dec("1"),
		NextPaymentAt: now.Add(5 * time.Minute), UpdatedAt: now,
	}

	longAdapter := &fakeAdapter{
		name: "longex", symbols: []string{"BTCUSDT"},
		funding: map[string]models.FundingCacheEntry{"BTCUSDT": longEntry},
		spec:    testSpec("longex"), balance: testBalance(), ticker: testTicker(),
	}
	shortAdapter := &fakeAdapter{
		name: "shortex", symbols: []string{"BTCUSDT"},
		funding: map[string]models.FundingCacheEntry{"BTCUSDT": shortEntry},
		spec:    testSpec("shortex"), balance: testBalance(), ticker: testTicker(),
	}

	adapters := map[string]exchange.Adapter{"longex": longAdapter, "shortex": shortAdapter}
	kv := kvstore.NewMemoryStore(nil)
	ctx := context.Background()
	if _, _, err := kv.AcquireLock(ctx, kvstore.CooldownKey("trinity:", "BTCUSDT"), time.Hour); err != nil {
		t.Fatalf("seed cooldown: %v", err)
	}

	dispatch := make(chan *models.Opportunity, 4)
	s := New(adapters, testConfig(), kv, nil, dispatch)
	s.Tick(ctx)

	select {
	case opp := <-dispatch:
		t.Fatalf("expected cooldown symbol to be skipped, got %+v", opp)
	default:
	}
}

// commonSymbols must require at least two listing adapters.
func TestCommonSymbols_RequiresAtLeastTwoAdapters(t *testing.T) {
	a := &fakeAdapter{name: "a", symbols: []string{"BTCUSDT", "ETHUSDT"}}
	b := &fakeAdapter{name: "b", symbols: []string{"BTCUSDT"}}
	c := &fakeAdapter{name: "c", symbols: []string{"SOLUSDT"}}

	s := New(map[string]exchange.Adapter{"a": a, "b": b, "c": c}, testConfig(), kvstore.NewMemoryStore(nil), nil, nil)
	got := s.commonSymbols()

	if len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("expected only BTCUSDT to be common, got %v", got)
	}
}
