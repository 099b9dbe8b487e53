// Package risk implements the Risk Guard: a fast loop that sums signed
// position quantity per symbol across every adapter and panic-closes
// on a delta breach, and a deep loop that snapshots positions to the
// KV store for out-of-core observability.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trinity/internal/config"
	"trinity/internal/exchange"
	"trinity/internal/kvstore"
	"trinity/internal/metrics"
	"trinity/internal/models"
	"trinity/pkg/utils"
)

const graceWindow = 30 * time.Second

// Guard owns the grace-window tracker the Execution Controller writes
// to via MarkTradeOpened, and drives both the fast delta-check loop and
// the deep position-snapshot loop.
type Guard struct {
	adapters map[string]exchange.Adapter
	cfg      *config.Config
	kv       kvstore.Store
	log      *utils.Logger

	notifications chan *models.Notification

	graceMu sync.Mutex
	grace   map[string]time.Time // symbol -> expiry
}

// New builds a Guard. notifications may be nil.
func New(adapters map[string]exchange.Adapter, cfg *config.Config, kv kvstore.Store, log *utils.Logger, notifications chan *models.Notification) *Guard {
	return &Guard{
		adapters:      adapters,
		cfg:           cfg,
		kv:            kv,
		log:           log,
		notifications: notifications,
		grace:         make(map[string]time.Time),
	}
}

func (g *Guard) prefix() string {
	if g.cfg.KVPrefix != "" {
		return g.cfg.KVPrefix
	}
	return kvstore.DefaultPrefix
}

// MarkTradeOpened tells the fast loop to ignore symbol for the 30s
// grace window immediately after the Controller opens a trade, since
// a freshly opened pair is briefly delta-imbalanced while the second
// leg's fill propagates to both exchanges' position snapshots.
func (g *Guard) MarkTradeOpened(symbol string) {
	g.graceMu.Lock()
	g.grace[symbol] = time.Now().Add(graceWindow)
	g.graceMu.Unlock()
}

func (g *Guard) inGraceWindow(symbol string) bool {
	g.graceMu.Lock()
	defer g.graceMu.Unlock()
	expiry, ok := g.grace[symbol]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(g.grace, symbol)
		return false
	}
	return true
}

// Run drives the fast and deep loops until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	fastInterval := time.Duration(g.fastIntervalSec()) * time.Second
	deepInterval := time.Duration(g.deepIntervalSec()) * time.Second

	fastTicker := time.NewTicker(fastInterval)
	deepTicker := time.NewTicker(deepInterval)
	defer fastTicker.Stop()
	defer deepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fastTicker.C:
			g.fastLoopTick(ctx)
		case <-deepTicker.C:
			g.deepLoopTick(ctx)
		}
	}
}

func (g *Guard) fastIntervalSec() int {
	if g.cfg.RiskGuard.FastLoopIntervalSec > 0 {
		return g.cfg.RiskGuard.FastLoopIntervalSec
	}
	return 5
}

func (g *Guard) deepIntervalSec() int {
	if g.cfg.RiskGuard.DeepLoopIntervalSec > 0 {
		return g.cfg.RiskGuard.DeepLoopIntervalSec
	}
	return 60
}

// fastLoopTick sums signed position quantity per symbol across every
// adapter and panic-closes on a breach. Any single adapter fetch
// failure aborts the entire tick's delta evaluation — never reason
// about delta from a partial snapshot.
func (g *Guard) fastLoopTick(ctx context.Context) {
	positions := make(map[string][]models.Position) // exchange -> positions
	for name, adapter := range g.adapters {
		pos, err := adapter.GetPositions(ctx, "")
		if err != nil {
			metrics.MissingSnapshotsTotal.WithLabelValues(name).Inc()
			if g.log != nil {
				g.log.Warn("delta skip: incomplete position snapshot", utils.Exchange(name), utils.Err(err))
			}
			return
		}
		positions[name] = pos
	}

	// Sum signed quantity per symbol across every adapter.
	netBySymbol := make(map[string]decimal.Decimal)
	holdersBySymbol := make(map[string]map[string]bool)
	for exName, pos := range positions {
		for _, p := range pos {
			netBySymbol[p.Symbol] = netBySymbol[p.Symbol].Add(p.SignedQuantity())
			if holdersBySymbol[p.Symbol] == nil {
				holdersBySymbol[p.Symbol] = make(map[string]bool)
			}
			holdersBySymbol[p.Symbol][exName] = true
		}
	}

	threshold := decimal.NewFromFloat(g.cfg.RiskLimits.DeltaThresholdPct)
	for symbol, net := range netBySymbol {
		if net.Abs().LessThanOrEqual(threshold) {
			continue
		}
		if g.inGraceWindow(symbol) {
			continue
		}

		metrics.DeltaBreachesTotal.WithLabelValues(symbol).Inc()
		if g.log != nil {
			g.log.Warn("delta breach", utils.Symbol(symbol), utils.Float64("net_qty", net.InexactFloat64()))
		}
		tryEnqueueNotification(g.notifications, &models.Notification{
			Timestamp: time.Now(), Type: models.NotificationTypeDeltaBreach, Severity: models.SeverityWarn,
			Symbol: symbol, Message: "delta breach detected",
		})

		if g.cfg.RiskGuard.EnablePanicClose {
			holders := make([]string, 0, len(holdersBySymbol[symbol]))
			for ex := range holdersBySymbol[symbol] {
				holders = append(holders, ex)
			}
			g.panicClose(ctx, symbol, holders)
		}
	}
}

// panicClose flattens a symbol's exposure: for each holding exchange,
// fetch positions, then place a reduce-only order for the opposite
// side with the full absolute quantity.
func (g *Guard) panicClose(ctx context.Context, symbol string, holdingExchanges []string) {
	for _, exName := range holdingExchanges {
		adapter, ok := g.adapters[exName]
		if !ok {
			continue
		}
		positions, err := adapter.GetPositions(ctx, symbol)
		if err != nil {
			if g.log != nil {
				g.log.Error("panic close: position fetch failed", utils.Exchange(exName), utils.Symbol(symbol), utils.Err(err))
			}
			continue
		}
		for _, p := range positions {
			if p.Quantity.LessThanOrEqual(decimal.Zero) {
				continue
			}
			closeSide := exchange.SideSell
			if p.Side == models.SideSell {
				closeSide = exchange.SideBuy
			}
			timeout := g.cfg.OrderTimeout()
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			orderCtx, cancel := context.WithTimeout(ctx, timeout)
			_, err := adapter.PlaceOrder(orderCtx, models.OrderRequest{
				Exchange: exName, Symbol: symbol, Side: closeSide, Quantity: p.Quantity, ReduceOnly: true,
			})
			cancel()
			if err != nil {
				if g.log != nil {
					g.log.Error("panic close failed", utils.Exchange(exName), utils.Symbol(symbol), utils.Err(err))
				}
				continue
			}
			metrics.PanicClosesTotal.WithLabelValues(symbol).Inc()
			g.setCooldown(ctx, symbol, g.orphanCooldown())
			tryEnqueueNotification(g.notifications, &models.Notification{
				Timestamp: time.Now(), Type: models.NotificationTypePanicClose, Severity: models.SeverityError,
				Symbol: symbol, Message: "panic close executed on " + exName,
			})
		}
	}
}

func (g *Guard) orphanCooldown() time.Duration {
	hours := g.cfg.TradingParams.CooldownAfterOrphanHours
	if hours <= 0 {
		hours = 2
	}
	return time.Duration(hours * float64(time.Hour))
}

func (g *Guard) setCooldown(ctx context.Context, symbol string, ttl time.Duration) {
	_ = g.kv.Set(ctx, kvstore.CooldownKey(g.prefix(), symbol), []byte("1"), ttl)
}

// deepLoopTick snapshots positions per adapter into the KV store for
// out-of-core observability.
func (g *Guard) deepLoopTick(ctx context.Context) {
	for name, adapter := range g.adapters {
		pos, err := adapter.GetPositions(ctx, "")
		if err != nil {
			continue
		}
		data, err := encodePositions(pos)
		if err != nil {
			continue
		}
		_ = g.kv.Set(ctx, kvstore.PositionsKey(g.prefix(), name), data, 120*time.Second)
	}
}
