// Package exchange defines the venue-agnostic capability set the core
// depends on and ships concrete adapters for a handful of venues behind
// it. Concrete adapters are interchangeable value types; venue quirks
// (position-side parameter names, margin-then-leverage ordering,
// funding-interval detection fallback order) stay inside each adapter's
// own file.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"trinity/internal/models"
)

// Side constants for PlaceOrder requests.
const (
	SideBuy  = models.SideBuy
	SideSell = models.SideSell
)

// Adapter is the capability set the Scanner, Controller, and Risk Guard
// consume from a single exchange connection. Implementations must be
// safe for concurrent read queries (GetCachedFunding, GetPositions,
// GetBalance, GetTicker); the adapter serializes its own state-mutating
// calls (watcher goroutine state, the "settings already applied" set)
// internally.
type Adapter interface {
	// Connect opens the session, loads markets, and restricts the
	// adapter to active USDT-settled linear perpetuals. Applies a 10s
	// receive-window skew compensation. Returns AuthError on bad
	// credentials, TransientError on network failure, and
	// IncompatibleVenueError if no matching instruments are found.
	Connect(ctx context.Context, apiKey, secret, passphrase string) error

	// Name returns the venue identifier used as a map key throughout
	// the core (e.g. "bybit").
	Name() string

	// ListSymbols returns the normalized (BASEQUOTE) symbols this venue
	// lists as active USDT-settled linear perpetuals, as discovered
	// during Connect. The Scanner intersects this across adapters to
	// build its common symbol set.
	ListSymbols() []string

	// EnsureTradingSettings idempotently sets margin mode, leverage
	// (clamped to the venue max), and position mode for symbol. Must
	// run before the first order on that symbol. Calling it N times is
	// equivalent to calling it once — an "already set" response from
	// the venue is not an error.
	EnsureTradingSettings(ctx context.Context, symbol string) error

	// GetInstrumentSpec returns the cached spec for symbol, fetching
	// and caching it on first use.
	GetInstrumentSpec(ctx context.Context, symbol string) (models.InstrumentSpec, error)

	// GetBalance returns the futures-account balance in quote currency.
	GetBalance(ctx context.Context) (Balance, error)

	// GetTicker returns the current best bid/ask/last for symbol.
	GetTicker(ctx context.Context, symbol string) (Ticker, error)

	// GetPositions returns open positions. When symbol is non-empty and
	// the venue does not list it, returns an empty slice and a nil
	// error (never an error for "no position").
	GetPositions(ctx context.Context, symbol string) ([]models.Position, error)

	// GetFundingRate performs an authoritative single-symbol REST fetch
	// and returns a normalized FundingCacheEntry. Interval detection
	// tries a normalized interval field on the response first, then a
	// venue-specific market-info field, then falls back to
	// models.DefaultFundingIntervalHours.
	GetFundingRate(ctx context.Context, symbol string) (models.FundingCacheEntry, error)

	// GetCachedFunding is a non-blocking lookup into the in-memory
	// funding cache kept warm by the background watchers. ok is false
	// if nothing has been cached yet for symbol.
	GetCachedFunding(symbol string) (entry models.FundingCacheEntry, ok bool)

	// WarmUpFunding performs a single batch fetch of every symbol's
	// funding rate. If the venue has no batch endpoint, the adapter
	// switches permanently to a per-symbol warmup bounded by a
	// concurrency semaphore (~20).
	WarmUpFunding(ctx context.Context, symbols []string) error

	// StartFundingWatchers begins the background refresh strategy
	// appropriate to the venue (batch poll every 30s, sequential poll
	// through a semaphore of 10 cycling roughly every 30s, or a
	// streaming subscription falling back to polling) and returns
	// immediately. The watcher runs until ctx is cancelled and never
	// terminates itself on error.
	StartFundingWatchers(ctx context.Context, symbols []string)

	// PlaceOrder converts quantity to the venue's native contract
	// units, rounds down to the lot step, sets position-side
	// parameters only in hedged mode, and propagates ReduceOnly.
	// Returns OrderTimeoutError, InsufficientBalanceError,
	// RejectedBySideError, or NetworkError on failure.
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.FillResult, error)

	// Close tears down REST/WS connections.
	Close() error
}

// Balance is the futures-account balance in quote currency.
type Balance struct {
	Total decimal.Decimal `json:"total"`
	Free  decimal.Decimal `json:"free"`
	Used  decimal.Decimal `json:"used"`
}

// Ticker is the current best prices for a symbol.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarginMode values for ExchangeConfig.MarginMode.
const (
	MarginModeCross    = "cross"
	MarginModeIsolated = "isolated"
)

// PositionMode values for ExchangeConfig.PositionMode.
const (
	PositionModeOneway = "oneway"
	PositionModeHedged = "hedged"
)
