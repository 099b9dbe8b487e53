// Package controller implements the Execution Controller:
// it takes opportunities off the Scanner's dispatch channel, opens
// delta-neutral pairs through a short-circuiting gate sequence, runs an
// exit monitor that holds, upgrades, or closes each trade, and recovers
// in-flight trades from the KV store on startup.
package controller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trinity/internal/calc"
	"trinity/internal/config"
	"trinity/internal/exchange"
	"trinity/internal/kvstore"
	"trinity/internal/metrics"
	"trinity/internal/models"
	"trinity/pkg/retry"
	"trinity/pkg/utils"
)

// GraceMarker lets the Controller tell the Risk Guard to ignore a
// symbol for the 30s immediately after opening a trade. Implemented
// by *risk.Guard; kept as an interface here so controller never
// imports risk.
type GraceMarker interface {
	MarkTradeOpened(symbol string)
}

// Controller owns every TradeRecord for the lifetime of the process.
type Controller struct {
	adapters map[string]exchange.Adapter
	cfg      *config.Config
	kv       kvstore.Store
	log      *utils.Logger
	grace    GraceMarker

	opportunities <-chan *models.Opportunity
	notifications chan *models.Notification

	mu     sync.Mutex
	trades map[string]*models.TradeRecord // symbol -> trade

	upgradeMu        sync.Mutex
	upgradeCooldowns map[string]time.Time // symbol -> expiry

	latestMu sync.Mutex
	latest   []*models.Opportunity // most recent qualified batch, for upgrade scans
}

// New builds a Controller. notifications may be nil if the caller has
// no use for the fire-and-forget event stream.
func New(adapters map[string]exchange.Adapter, cfg *config.Config, kv kvstore.Store, log *utils.Logger, grace GraceMarker, opportunities <-chan *models.Opportunity, notifications chan *models.Notification) *Controller {
	return &Controller{
		adapters:         adapters,
		cfg:              cfg,
		kv:               kv,
		log:              log,
		grace:            grace,
		opportunities:    opportunities,
		notifications:    notifications,
		trades:           make(map[string]*models.TradeRecord),
		upgradeCooldowns: make(map[string]time.Time),
	}
}

func (c *Controller) prefix() string {
	if c.cfg.KVPrefix != "" {
		return c.cfg.KVPrefix
	}
	return kvstore.DefaultPrefix
}

// Run recovers in-flight trades, then consumes opportunities and drives
// the exit-monitor loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.Recover(ctx)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case opp, ok := <-c.opportunities:
			if !ok {
				c.opportunities = nil
				continue
			}
			c.recordLatest(opp)
			c.HandleOpportunity(ctx, opp)
		case <-ticker.C:
			c.exitMonitorTick(ctx)
		}
	}
}

func (c *Controller) recordLatest(opp *models.Opportunity) {
	c.latestMu.Lock()
	defer c.latestMu.Unlock()
	c.latest = append(c.latest, opp)
	if len(c.latest) > 50 {
		c.latest = c.latest[len(c.latest)-50:]
	}
}

// Recover scans trade:* on startup and resumes OPEN trades or
// re-attempts close for CLOSING ones. ERROR records are loaded but
// never auto-resumed.
func (c *Controller) Recover(ctx context.Context) {
	keys, err := c.kv.ScanPrefix(ctx, kvstore.TradePrefix(c.prefix()))
	if err != nil {
		if c.log != nil {
			c.log.Error("trade recovery scan failed", utils.Err(err))
		}
		return
	}

	for _, key := range keys {
		raw, err := c.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		tr, err := decodeTrade(raw)
		if err != nil {
			if c.log != nil {
				c.log.Error("trade recovery: corrupt record", utils.String("key", key), utils.Err(err))
			}
			continue
		}

		switch tr.State {
		case models.TradeStateOpen:
			c.mu.Lock()
			c.trades[tr.Symbol] = tr
			c.mu.Unlock()
		case models.TradeStateClosing:
			c.mu.Lock()
			c.trades[tr.Symbol] = tr
			c.mu.Unlock()
			go c.closeTrade(ctx, tr, "resume_closing")
		case models.TradeStateError:
			if c.log != nil {
				c.log.Warn("trade recovered in ERROR state, not auto-resumed", utils.Symbol(tr.Symbol), utils.String("trade_id", tr.TradeID))
			}
		}
	}
}

// HandleOpportunity runs the gate sequence that opens a delta-neutral
// pair: symbol/concurrency/cooldown checks, a distributed lock, a
// balance and lot-size refetch, the long leg, the short leg with
// orphan-close on failure, and a delta-correction trim before the
// trade is persisted as OPEN.
func (c *Controller) HandleOpportunity(ctx context.Context, opp *models.Opportunity) {
	// Gate 1: reject if a live trade already holds this symbol.
	c.mu.Lock()
	if existing, ok := c.trades[opp.Symbol]; ok && IsOpen(existing.State) {
		c.mu.Unlock()
		return
	}
	// Gate 2: concurrent trades cap.
	activeCount := 0
	for _, t := range c.trades {
		if IsOpen(t.State) {
			activeCount++
		}
	}
	c.mu.Unlock()

	capLimit := c.cfg.Execution.ConcurrentOpportunities
	if capLimit > 0 && activeCount >= capLimit {
		return
	}

	// Gate 3: upgrade cooldown.
	if c.inUpgradeCooldown(opp.Symbol) {
		return
	}

	// Gate 4: distributed lock.
	lockKey := kvstore.LockKey(c.prefix(), "trade:"+opp.Symbol)
	lockToken, acquired, err := c.kv.AcquireLock(ctx, lockKey, 10*time.Second)
	if err != nil || !acquired {
		return
	}
	defer c.kv.ReleaseLock(ctx, lockKey, lockToken)

	longAdapter, okL := c.adapters[opp.LongExchange]
	shortAdapter, okS := c.adapters[opp.ShortExchange]
	if !okL || !okS {
		return
	}

	// Gate 5: refetch free balances.
	longBal, errL := longAdapter.GetBalance(ctx)
	shortBal, errS := shortAdapter.GetBalance(ctx)
	if errL != nil || errS != nil {
		return
	}
	notional := opp.SuggestedQty.Mul(opp.ReferencePrice)
	if notional.GreaterThan(longBal.Free) || notional.GreaterThan(shortBal.Free) {
		return
	}

	// Gate 6: harmonize quantity to lot step.
	longSpec, errLS := longAdapter.GetInstrumentSpec(ctx, opp.Symbol)
	shortSpec, errSS := shortAdapter.GetInstrumentSpec(ctx, opp.Symbol)
	if errLS != nil || errSS != nil {
		return
	}
	qty := opp.SuggestedQty
	qty = longSpec.RoundDownToLot(qty)
	if shortSpec.LotSize.GreaterThan(longSpec.LotSize) {
		qty = shortSpec.RoundDownToLot(qty)
	}
	minLot := longSpec.LotSize
	if shortSpec.LotSize.GreaterThan(minLot) {
		minLot = shortSpec.LotSize
	}
	if qty.LessThan(minLot) {
		return
	}

	// Gate 7: mark grace period before the first order.
	if c.grace != nil {
		c.grace.MarkTradeOpened(opp.Symbol)
	}

	timeout := c.cfg.OrderTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	// Gate 8: place the long leg.
	longStart := time.Now()
	longFill, err := placeWithTimeout(ctx, longAdapter, models.OrderRequest{
		Exchange: opp.LongExchange, Symbol: opp.Symbol, Side: exchange.SideBuy, Quantity: qty,
	}, timeout)
	metrics.OrderExecutionLatency.WithLabelValues(opp.LongExchange, exchange.SideBuy).Observe(float64(time.Since(longStart).Milliseconds()))
	if err != nil || !orphanFilled(longFill) {
		metrics.RecordTrade(opp.Symbol, "abort_long_leg", 0)
		return
	}

	// Gate 9: place the short leg; orphan-close the long leg on failure.
	shortStart := time.Now()
	shortFill, err := placeWithTimeout(ctx, shortAdapter, models.OrderRequest{
		Exchange: opp.ShortExchange, Symbol: opp.Symbol, Side: exchange.SideSell, Quantity: longFill.FilledBaseQty,
	}, timeout)
	metrics.OrderExecutionLatency.WithLabelValues(opp.ShortExchange, exchange.SideSell).Observe(float64(time.Since(shortStart).Milliseconds()))
	if err != nil || !orphanFilled(shortFill) {
		c.orphanClose(ctx, longAdapter, opp.Symbol, exchange.SideSell, longFill.FilledBaseQty, opp.LongExchange)
		return
	}

	// Gate 10: delta correction if short under-filled relative to long.
	finalQty := shortFill.FilledBaseQty
	if shortFill.FilledBaseQty.LessThan(longFill.FilledBaseQty) {
		trimQty := longFill.FilledBaseQty.Sub(shortFill.FilledBaseQty)
		trimQty = longSpec.RoundDownToLot(trimQty)
		if trimQty.GreaterThan(decimal.Zero) {
			_, trimErr := placeWithTimeout(ctx, longAdapter, models.OrderRequest{
				Exchange: opp.LongExchange, Symbol: opp.Symbol, Side: exchange.SideSell, Quantity: trimQty, ReduceOnly: true,
			}, timeout)
			if trimErr != nil {
				tr := c.newTradeRecord(opp, longFill.FilledBaseQty, shortFill.FilledBaseQty)
				c.setState(tr, models.TradeStateError)
				c.persistAndCooldown(ctx, tr, "delta_trim_failed")
				return
			}
		}
	}

	// Gate 11: persist with state=OPEN.
	tr := c.newTradeRecord(opp, finalQty, finalQty)
	c.mu.Lock()
	c.trades[opp.Symbol] = tr
	c.mu.Unlock()
	c.persistTrade(ctx, tr)
	metrics.RecordTrade(opp.Symbol, "opened", 0)
	c.updateActiveTrades()
	tryEnqueueNotification(c.notifications, &models.Notification{
		Timestamp: time.Now(), Type: models.NotificationTypeOpen, Severity: models.SeverityInfo,
		Symbol: opp.Symbol, TradeID: tr.TradeID, Message: fmt.Sprintf("opened %s %s/%s mode=%s", opp.Symbol, opp.LongExchange, opp.ShortExchange, opp.Mode),
	})
}

// updateActiveTrades refreshes the active_trades gauge from the current
// in-memory trade map.
func (c *Controller) updateActiveTrades() {
	c.mu.Lock()
	n := 0
	for _, t := range c.trades {
		if IsOpen(t.State) {
			n++
		}
	}
	c.mu.Unlock()
	metrics.ActiveTrades.Set(float64(n))
}

func (c *Controller) newTradeRecord(opp *models.Opportunity, longQty, shortQty decimal.Decimal) *models.TradeRecord {
	return &models.TradeRecord{
		TradeID:              strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Symbol:               opp.Symbol,
		State:                models.TradeStateOpen,
		LongExchange:         opp.LongExchange,
		ShortExchange:        opp.ShortExchange,
		LongQty:              longQty,
		ShortQty:             shortQty,
		EntryEdgePct:         opp.NetEdgePct,
		LongRateAtOpen:       opp.LongRate,
		ShortRateAtOpen:      opp.ShortRate,
		ReferencePriceAtOpen: opp.ReferencePrice,
		OpenedAt:             time.Now(),
		Mode:                 opp.Mode,
		ExitBefore:           opp.ExitBefore,
		NextFundingLong:      time.UnixMilli(opp.NextFundingAtMs),
		NextFundingShort:     time.UnixMilli(opp.NextFundingAtMs),
	}
}

// orphanClose closes the single filled leg of a failed dual-leg open
// ("orphan close") and sets an orphan cooldown.
func (c *Controller) orphanClose(ctx context.Context, adapter exchange.Adapter, symbol, side string, qty decimal.Decimal, exchangeName string) {
	timeout := c.cfg.OrderTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_, err := placeWithTimeout(ctx, adapter, models.OrderRequest{
		Exchange: exchangeName, Symbol: symbol, Side: side, Quantity: qty, ReduceOnly: true,
	}, timeout)
	if err != nil && c.log != nil {
		c.log.Error("orphan close failed", utils.Symbol(symbol), utils.Exchange(exchangeName), utils.Err(err))
	}
	c.setCooldown(ctx, symbol, c.orphanCooldown())
	metrics.RecordTrade(symbol, "orphan_closed", 0)
	metrics.OrphanClosesTotal.WithLabelValues(exchangeName, symbol).Inc()
	tryEnqueueNotification(c.notifications, &models.Notification{
		Timestamp: time.Now(), Type: models.NotificationTypeOrphan, Severity: models.SeverityWarn,
		Symbol: symbol, Message: fmt.Sprintf("orphan close on %s, qty=%s", exchangeName, qty.String()),
	})
}

func (c *Controller) orphanCooldown() time.Duration {
	hours := c.cfg.TradingParams.CooldownAfterOrphanHours
	if hours <= 0 {
		hours = 2
	}
	return time.Duration(hours * float64(time.Hour))
}

func (c *Controller) setCooldown(ctx context.Context, symbol string, ttl time.Duration) {
	key := kvstore.CooldownKey(c.prefix(), symbol)
	_ = c.kv.Set(ctx, key, []byte("1"), ttl)
}

func (c *Controller) persistTrade(ctx context.Context, tr *models.TradeRecord) {
	data, err := encodeTrade(tr)
	if err != nil {
		return
	}
	_ = c.kv.Set(ctx, kvstore.TradeKey(c.prefix(), tr.TradeID), data, 7*24*time.Hour)
}

func (c *Controller) persistAndCooldown(ctx context.Context, tr *models.TradeRecord, reason string) {
	c.mu.Lock()
	c.trades[tr.Symbol] = tr
	c.mu.Unlock()
	c.persistTrade(ctx, tr)
	c.setCooldown(ctx, tr.Symbol, c.orphanCooldown())
	tryEnqueueNotification(c.notifications, &models.Notification{
		Timestamp: time.Now(), Type: models.NotificationTypeError, Severity: models.SeverityError,
		Symbol: tr.Symbol, TradeID: tr.TradeID, Message: reason,
	})
}

func (c *Controller) inUpgradeCooldown(symbol string) bool {
	c.upgradeMu.Lock()
	defer c.upgradeMu.Unlock()
	expiry, ok := c.upgradeCooldowns[symbol]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(c.upgradeCooldowns, symbol)
		return false
	}
	return true
}

// exitMonitorTick evaluates every open trade's exit/hold/upgrade
// condition.
func (c *Controller) exitMonitorTick(ctx context.Context) {
	c.mu.Lock()
	trades := make([]*models.TradeRecord, 0, len(c.trades))
	for _, t := range c.trades {
		if t.State == models.TradeStateOpen {
			trades = append(trades, t)
		}
	}
	c.mu.Unlock()

	for _, tr := range trades {
		if tr.Mode == models.ModeCherryPick {
			if !tr.ExitBefore.IsZero() && !time.Now().Before(tr.ExitBefore) {
				c.closeTrade(ctx, tr, "cherry_pick_exit")
			}
			continue
		}
		c.evaluateHold(ctx, tr)
		if tr.State == models.TradeStateOpen {
			c.checkUpgrade(ctx, tr)
		}
	}
}

// recordFundingPayment appends an observed funding payment to the
// trade's history, estimated against the quantity and price captured
// at open rather than a fresh mark, since funding settles against
// notional at payment time and a fresh ticker fetch on every tick
// would cost an extra round trip per leg for a figure that is already
// only a close-time estimate.
func (c *Controller) recordFundingPayment(tr *models.TradeRecord, exchangeName string, amount, rate decimal.Decimal, at time.Time) {
	tr.CumulativeFundingCollected = tr.CumulativeFundingCollected.Add(amount)
	tr.History = append(tr.History, models.FundingPayment{Exchange: exchangeName, Rate: rate, PaidAt: at})
}

func (c *Controller) evaluateHold(ctx context.Context, tr *models.TradeRecord) {
	longAdapter, okL := c.adapters[tr.LongExchange]
	shortAdapter, okS := c.adapters[tr.ShortExchange]
	if !okL || !okS {
		return
	}

	now := time.Now()
	if longEntry, ok := longAdapter.GetCachedFunding(tr.Symbol); ok {
		if tr.NextFundingLong.Before(now) {
			tr.LongPaidThisCycle = true
			tr.NextFundingLong = longEntry.NextPaymentAt
			c.recordFundingPayment(tr, tr.LongExchange, longEntry.Rate.Neg().Mul(tr.LongQty).Mul(tr.ReferencePriceAtOpen), longEntry.Rate, now)
		}
	}
	if shortEntry, ok := shortAdapter.GetCachedFunding(tr.Symbol); ok {
		if tr.NextFundingShort.Before(now) {
			tr.ShortPaidThisCycle = true
			tr.NextFundingShort = shortEntry.NextPaymentAt
			c.recordFundingPayment(tr, tr.ShortExchange, shortEntry.Rate.Mul(tr.ShortQty).Mul(tr.ReferencePriceAtOpen), shortEntry.Rate, now)
		}
	}

	if maxWait := c.cfg.TradingParams.HoldMaxWaitSeconds; maxWait > 0 {
		deadline := now.Add(time.Duration(maxWait) * time.Second)
		if tr.NextFundingLong.After(deadline) || tr.NextFundingShort.After(deadline) {
			c.closeTrade(ctx, tr, "hold_max_wait_exceeded")
			return
		}
	}

	if !tr.LongPaidThisCycle || !tr.ShortPaidThisCycle {
		return
	}

	longEntry, okLE := longAdapter.GetCachedFunding(tr.Symbol)
	shortEntry, okSE := shortAdapter.GetCachedFunding(tr.Symbol)
	if !okLE || !okSE {
		return
	}

	spread := calc.ImmediateSpreadPct(longEntry.Rate, shortEntry.Rate)
	holdMin := decimal.NewFromFloat(c.cfg.TradingParams.HoldMinSpread)
	if spread.LessThan(holdMin) {
		c.closeTrade(ctx, tr, "hold_spread_decayed")
		return
	}

	tr.LongPaidThisCycle = false
	tr.ShortPaidThisCycle = false
	c.persistTrade(ctx, tr)
}

// checkUpgrade closes the current trade in favor of a fresher,
// meaningfully better qualified opportunity on a different symbol.
func (c *Controller) checkUpgrade(ctx context.Context, tr *models.TradeRecord) {
	spreadDelta := decimal.NewFromFloat(c.cfg.TradingParams.UpgradeSpreadDelta)
	if spreadDelta.LessThanOrEqual(decimal.Zero) {
		return
	}
	windowMinutes := c.cfg.TradingParams.MaxEntryWindowMinutes
	if windowMinutes <= 0 {
		windowMinutes = 15
	}
	windowSeconds := int64(windowMinutes * 60)

	c.latestMu.Lock()
	candidates := append([]*models.Opportunity{}, c.latest...)
	c.latestMu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ImmediateNetPct.GreaterThan(candidates[j].ImmediateNetPct)
	})

	now := time.Now().UnixMilli()
	for _, cand := range candidates {
		if !cand.Qualified || cand.Symbol == tr.Symbol {
			continue
		}
		if cand.NextFundingAtMs-now > windowSeconds*1000 {
			continue
		}
		if cand.NetEdgePct.LessThan(tr.EntryEdgePct.Add(spreadDelta)) {
			continue
		}

		c.closeTrade(ctx, tr, "upgraded")
		c.upgradeMu.Lock()
		cooldownSec := c.cfg.TradingParams.UpgradeCooldownSeconds
		if cooldownSec <= 0 {
			cooldownSec = 1800
		}
		c.upgradeCooldowns[tr.Symbol] = time.Now().Add(time.Duration(cooldownSec) * time.Second)
		c.upgradeMu.Unlock()
		metrics.UpgradesTotal.Inc()

		tryEnqueueNotification(c.notifications, &models.Notification{
			Timestamp: time.Now(), Type: models.NotificationTypeUpgrade, Severity: models.SeverityInfo,
			Symbol: tr.Symbol, TradeID: tr.TradeID, Message: fmt.Sprintf("upgraded from %s to %s", tr.Symbol, cand.Symbol),
		})
		return
	}
}

// closeTrade drives a trade from CLOSING to CLOSED (both legs closed)
// or ERROR (a leg could not be closed after retries).
func (c *Controller) closeTrade(ctx context.Context, tr *models.TradeRecord, reason string) {
	if tr.State != models.TradeStateClosing && !c.setState(tr, models.TradeStateClosing) {
		return
	}
	c.persistTrade(ctx, tr)

	timeout := c.cfg.OrderTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	longOK := c.closeLegWithRetry(ctx, tr.LongExchange, tr.Symbol, exchange.SideSell, tr.LongQty, timeout)
	shortOK := c.closeLegWithRetry(ctx, tr.ShortExchange, tr.Symbol, exchange.SideBuy, tr.ShortQty, timeout)

	now := time.Now()
	if longOK && shortOK {
		c.setState(tr, models.TradeStateClosed)
		tr.ClosedAt = &now
		c.mu.Lock()
		delete(c.trades, tr.Symbol)
		c.mu.Unlock()
		_ = c.kv.Delete(ctx, kvstore.TradeKey(c.prefix(), tr.TradeID))
		fundingPct := 0.0
		if notional := tr.LongQty.Mul(tr.ReferencePriceAtOpen); notional.IsPositive() {
			fundingPct = tr.CumulativeFundingCollected.Div(notional).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
		metrics.RecordTrade(tr.Symbol, "closed", fundingPct)
		c.updateActiveTrades()
		tryEnqueueNotification(c.notifications, &models.Notification{
			Timestamp: now, Type: models.NotificationTypeClose, Severity: models.SeverityInfo,
			Symbol: tr.Symbol, TradeID: tr.TradeID, Message: reason,
		})
		return
	}

	c.setState(tr, models.TradeStateError)
	c.mu.Lock()
	c.trades[tr.Symbol] = tr
	c.mu.Unlock()
	c.persistTrade(ctx, tr)
	c.setCooldown(ctx, tr.Symbol, c.orphanCooldown())
	metrics.RecordTrade(tr.Symbol, "close_failed", 0)
	c.updateActiveTrades()
	tryEnqueueNotification(c.notifications, &models.Notification{
		Timestamp: now, Type: models.NotificationTypeError, Severity: models.SeverityError,
		Symbol: tr.Symbol, TradeID: tr.TradeID, Message: "partial close failure: " + reason,
	})
}

// closeLegWithRetryConfig fixes three attempts a second apart: closing a
// leg is urgent enough that exponential backoff would leave a position
// open too long, but worth a couple of retries against a blip.
var closeLegWithRetryConfig = retry.Config{
	MaxRetries:   3,
	InitialDelay: time.Second,
	MaxDelay:     time.Second,
	Multiplier:   1,
}

// closeLegWithRetry reduce-only closes one leg, retrying against
// transient placement failures.
func (c *Controller) closeLegWithRetry(ctx context.Context, exchangeName, symbol, side string, qty decimal.Decimal, timeout time.Duration) bool {
	adapter, ok := c.adapters[exchangeName]
	if !ok || qty.LessThanOrEqual(decimal.Zero) {
		return qty.LessThanOrEqual(decimal.Zero)
	}

	err := retry.Do(ctx, func() error {
		fill, err := placeWithTimeout(ctx, adapter, models.OrderRequest{
			Exchange: exchangeName, Symbol: symbol, Side: side, Quantity: qty, ReduceOnly: true,
		}, timeout)
		if err != nil {
			return err
		}
		if fill.Status == models.OrderStatusNone {
			return fmt.Errorf("close leg %s %s: empty fill", exchangeName, symbol)
		}
		return nil
	}, closeLegWithRetryConfig)
	return err == nil
}
