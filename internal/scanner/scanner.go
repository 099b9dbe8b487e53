// Package scanner implements the Discovery Scanner: every
// tick it gathers the symbol set common to at least two adapters,
// evaluates each unordered exchange pair on both directions, and hands
// the best qualified opportunity per pair to the Execution Controller.
package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"trinity/internal/calc"
	"trinity/internal/config"
	"trinity/internal/exchange"
	"trinity/internal/kvstore"
	"trinity/internal/metrics"
	"trinity/internal/models"
	"trinity/pkg/utils"
)

// Scanner owns no mutable cross-tick state beyond the cooldown lookups
// it delegates to the KV store and the throttle for its own summary
// log line.
type Scanner struct {
	adapters map[string]exchange.Adapter
	cfg      *config.Config
	kv       kvstore.Store
	log      *utils.Logger

	dispatch chan<- *models.Opportunity

	summaryMu      sync.Mutex
	lastSummaryLog time.Time
}

// New builds a Scanner over the given adapter set. dispatch receives at
// most one Opportunity per exchange pair per tick; the caller (usually
// the Controller) is expected to drain it promptly — Run sends with a
// short timeout rather than blocking the whole tick on a slow consumer.
func New(adapters map[string]exchange.Adapter, cfg *config.Config, kv kvstore.Store, log *utils.Logger, dispatch chan<- *models.Opportunity) *Scanner {
	return &Scanner{adapters: adapters, cfg: cfg, kv: kv, log: log, dispatch: dispatch}
}

// Run loops Tick every interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// evaluation is the per-symbol working set gathered during a tick.
type evaluation struct {
	symbol  string
	entries map[string]models.FundingCacheEntry // exchange -> entry
}

// Tick runs one full scan pass: gather common symbols, evaluate every
// pair, and dispatch the best qualified opportunity per pair.
func (s *Scanner) Tick(ctx context.Context) {
	start := time.Now()
	symbols := s.commonSymbols()

	sem := semaphore.NewWeighted(int64(s.scanParallelism()))
	var mu sync.Mutex
	var evaluations []evaluation
	var wg sync.WaitGroup

	for _, symbol := range symbols {
		symbol := symbol
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()

			if cooldown, err := s.kv.Exists(ctx, kvstore.CooldownKey(s.prefix(), symbol)); err == nil && cooldown {
				return
			}

			entries := s.gatherEntries(symbol)
			if len(entries) < 2 {
				return
			}

			mu.Lock()
			evaluations = append(evaluations, evaluation{symbol: symbol, entries: entries})
			mu.Unlock()
		}()
	}
	wg.Wait()

	bestPerPair := make(map[models.ExchangePair]*models.Opportunity)
	var display []*models.Opportunity

	for _, ev := range evaluations {
		exIDs := make([]string, 0, len(ev.entries))
		for ex := range ev.entries {
			exIDs = append(exIDs, ex)
		}
		sort.Strings(exIDs)

		for i := 0; i < len(exIDs); i++ {
			for j := i + 1; j < len(exIDs); j++ {
				a, b := exIDs[i], exIDs[j]
				metrics.PairsEvaluated.Inc()
				opp := s.evaluateBestDirection(ctx, ev.symbol, a, ev.entries[a], b, ev.entries[b])
				if opp == nil {
					metrics.StaleDataSkipped.WithLabelValues(ev.symbol).Inc()
					continue
				}
				display = append(display, opp)
				metrics.SpreadObserved.WithLabelValues(ev.symbol).Observe(opp.NetEdgePct.InexactFloat64())
				mode := opp.Mode
				if !opp.Qualified {
					mode = "unqualified"
				}
				metrics.OpportunitiesDetected.WithLabelValues(ev.symbol, mode).Inc()
				if !opp.Qualified {
					continue
				}
				pair := models.ExchangePair{A: a, B: b}.Canonical()
				existing, ok := bestPerPair[pair]
				if !ok || opp.ImmediateNetPct.GreaterThan(existing.ImmediateNetPct) {
					bestPerPair[pair] = opp
				}
			}
		}
	}

	s.dispatchBest(ctx, bestPerPair)
	elapsed := time.Since(start)
	metrics.ScanDuration.Observe(float64(elapsed.Milliseconds()))
	s.logSummary(display, elapsed)
}

func (s *Scanner) scanParallelism() int {
	if s.cfg.Execution.ScanParallelism > 0 {
		return s.cfg.Execution.ScanParallelism
	}
	return 10
}

func (s *Scanner) prefix() string {
	if s.cfg.KVPrefix != "" {
		return s.cfg.KVPrefix
	}
	return kvstore.DefaultPrefix
}

// commonSymbols returns symbols listed on at least two adapters (step 1).
func (s *Scanner) commonSymbols() []string {
	counts := make(map[string]int)
	for _, a := range s.adapters {
		for _, sym := range a.ListSymbols() {
			counts[sym]++
		}
	}
	var out []string
	for sym, n := range counts {
		if n >= 2 {
			out = append(out, sym)
		}
	}
	return out
}

// gatherEntries pulls the cached funding entry for symbol from every
// adapter that has one warm (step 4).
func (s *Scanner) gatherEntries(symbol string) map[string]models.FundingCacheEntry {
	entries := make(map[string]models.FundingCacheEntry)
	for name, a := range s.adapters {
		if entry, ok := a.GetCachedFunding(symbol); ok {
			entries[name] = entry
		}
	}
	return entries
}

// evaluateBestDirection evaluates both (a as long, b as short) and (b
// as long, a as short) and keeps the better per step 5's tie-break:
// qualified beats unqualified, then higher funding_spread wins.
func (s *Scanner) evaluateBestDirection(ctx context.Context, symbol, a string, entryA models.FundingCacheEntry, b string, entryB models.FundingCacheEntry) *models.Opportunity {
	dir1 := s.evaluateDirection(ctx, symbol, a, entryA, b, entryB)
	dir2 := s.evaluateDirection(ctx, symbol, b, entryB, a, entryA)

	switch {
	case dir1 == nil:
		return dir2
	case dir2 == nil:
		return dir1
	case dir1.Qualified != dir2.Qualified:
		if dir1.Qualified {
			return dir1
		}
		return dir2
	case dir1.FundingSpreadPct.GreaterThan(dir2.FundingSpreadPct):
		return dir1
	default:
		return dir2
	}
}

// evaluateDirection evaluates funding economics for one (long, short)
// exchange assignment and returns the resulting Opportunity, or nil if
// instrument data is unavailable.
func (s *Scanner) evaluateDirection(ctx context.Context, symbol, longEx string, longEntry models.FundingCacheEntry, shortEx string, shortEntry models.FundingCacheEntry) *models.Opportunity {
	now := time.Now()

	class := calc.ClassifyPerPayment(longEntry.Rate, shortEntry.Rate)
	if class.BothCost {
		return nil
	}

	immediateSpread := calc.ImmediateSpreadPct(longEntry.Rate, shortEntry.Rate)
	normalizedSpread := calc.NormalizedSpread8hPct(longEntry.Rate, shortEntry.Rate, longEntry.IntervalHours, shortEntry.IntervalHours)

	longSpec, errL := s.adapters[longEx].GetInstrumentSpec(ctx, symbol)
	shortSpec, errS := s.adapters[shortEx].GetInstrumentSpec(ctx, symbol)
	if errL != nil || errS != nil {
		return nil // stale/unavailable: skip silently
	}

	feesPct := calc.RoundTripFeesPct(longSpec.TakerFeeRate, shortSpec.TakerFeeRate)
	totalCostPct := feesPct.
		Add(decimal.NewFromFloat(s.cfg.TradingParams.SlippageBufferPct)).
		Add(decimal.NewFromFloat(s.cfg.TradingParams.SafetyBufferPct)).
		Add(decimal.NewFromFloat(s.cfg.TradingParams.BasisBufferPct))

	windowMinutes := decimal.NewFromInt(int64(s.entryWindowMinutes()))

	longMinutes := longEntry.MinutesUntil(now)
	shortMinutes := shortEntry.MinutesUntil(now)

	// Reject as stale if any income side's next payment is in the past
	// (step 4).
	if class.LongIsIncome && longMinutes.IsNegative() {
		return nil
	}
	if class.ShortIsIncome && shortMinutes.IsNegative() {
		return nil
	}

	imminentIncome := decimal.Zero
	imminentCost := decimal.Zero
	var closestMs int64
	haveClosest := false

	considerLeg := func(isIncome bool, rate decimal.Decimal, minutesUntil decimal.Decimal, nextAt time.Time) {
		withinWindow := minutesUntil.GreaterThanOrEqual(decimal.Zero) && minutesUntil.LessThanOrEqual(windowMinutes)
		if isIncome {
			if withinWindow {
				imminentIncome = imminentIncome.Add(rate.Abs().Mul(decimal.NewFromInt(100)))
				ms := nextAt.UnixMilli()
				if !haveClosest || ms < closestMs {
					closestMs = ms
					haveClosest = true
				}
			}
		} else if withinWindow {
			imminentCost = imminentCost.Add(rate.Abs().Mul(decimal.NewFromInt(100)))
		}
	}
	considerLeg(class.LongIsIncome, longEntry.Rate, longMinutes, longEntry.NextPaymentAt)
	considerLeg(class.ShortIsIncome, shortEntry.Rate, shortMinutes, shortEntry.NextPaymentAt)

	if !haveClosest {
		// Fallback: earliest future timestamp, for display only.
		if longEntry.NextPaymentAt.Before(shortEntry.NextPaymentAt) || shortEntry.NextPaymentAt.IsZero() {
			closestMs = longEntry.NextPaymentAt.UnixMilli()
		} else {
			closestMs = shortEntry.NextPaymentAt.UnixMilli()
		}
	}

	imminentSpread := imminentIncome.Sub(imminentCost)
	atLeastOneImminent := imminentIncome.GreaterThan(decimal.Zero)

	opp := &models.Opportunity{
		Symbol:             symbol,
		LongExchange:       longEx,
		ShortExchange:      shortEx,
		LongRate:           longEntry.Rate,
		ShortRate:          shortEntry.Rate,
		ImmediateSpreadPct: immediateSpread,
		FundingSpreadPct:   normalizedSpread,
		FeesPct:            feesPct,
		NextFundingAtMs:    closestMs,
		MinIntervalHours:   minDecimal(longEntry.IntervalHours, shortEntry.IntervalHours),
	}
	opp.HourlyRatePct = calc.HourlyRatePct(immediateSpread, longEntry.IntervalHours, shortEntry.IntervalHours)

	minFundingSpread := decimal.NewFromFloat(s.cfg.TradingParams.MinFundingSpread)
	minNetPct := decimal.NewFromFloat(s.cfg.TradingParams.MinNetPct)

	// HOLD qualification (step 5).
	immediateNet := imminentSpread.Sub(totalCostPct)
	if atLeastOneImminent && imminentSpread.GreaterThanOrEqual(minFundingSpread) && immediateNet.GreaterThanOrEqual(minNetPct) {
		opp.Mode = models.ModeHold
		opp.GrossEdgePct = imminentSpread
		opp.ImmediateNetPct = immediateNet
		opp.NetEdgePct = immediateNet
		opp.NCollections = 1
		opp.Qualified = true
		s.size(ctx, opp, longSpec, shortSpec)
		return opp
	}

	// CHERRY_PICK qualification (step 6), only when exactly one side is
	// the income leg.
	if !class.BothCost && class.LongIsIncome != class.ShortIsIncome {
		var incomeRate, costMinutes decimal.Decimal
		var incomeMinutes decimal.Decimal
		var costNextAt time.Time
		if class.LongIsIncome {
			incomeRate = longEntry.Rate
			incomeMinutes = longMinutes
			costMinutes = shortMinutes
			costNextAt = shortEntry.NextPaymentAt
		} else {
			incomeRate = shortEntry.Rate
			incomeMinutes = shortMinutes
			costMinutes = longMinutes
			costNextAt = longEntry.NextPaymentAt
		}

		thirtyMin := decimal.NewFromInt(30)
		if costMinutes.GreaterThanOrEqual(thirtyMin) &&
			incomeMinutes.LessThan(costMinutes) &&
			incomeMinutes.GreaterThanOrEqual(decimal.Zero) && incomeMinutes.LessThanOrEqual(windowMinutes) {

			cpGross := calc.CherryPickEdgePct(incomeRate, 1)
			cpNet := cpGross.Sub(totalCostPct)

			if cpGross.GreaterThanOrEqual(minFundingSpread) && cpNet.GreaterThanOrEqual(minNetPct) {
				opp.Mode = models.ModeCherryPick
				opp.GrossEdgePct = cpGross
				opp.ImmediateNetPct = cpNet
				opp.NetEdgePct = cpNet
				opp.NCollections = 1
				opp.ExitBefore = costNextAt.Add(-120 * time.Second)
				opp.Qualified = true
				s.size(ctx, opp, longSpec, shortSpec)
				return opp
			}
		}
	}

	// Display-only candidate (step 7): rejected but still informative.
	opp.Mode = models.ModeHold
	opp.GrossEdgePct = imminentSpread
	opp.ImmediateNetPct = immediateNet
	opp.NetEdgePct = immediateNet
	opp.Qualified = false
	return opp
}

func (s *Scanner) entryWindowMinutes() int {
	if s.cfg.TradingParams.MaxEntryWindowMinutes > 0 {
		return s.cfg.TradingParams.MaxEntryWindowMinutes
	}
	return 15
}

// size fills in SuggestedQty and ReferencePrice using the sizing rule
// for the pair.
func (s *Scanner) size(ctx context.Context, opp *models.Opportunity, longSpec, shortSpec models.InstrumentSpec) {
	longAdapter, shortAdapter := s.adapters[opp.LongExchange], s.adapters[opp.ShortExchange]

	longBal, errL := longAdapter.GetBalance(ctx)
	shortBal, errS := shortAdapter.GetBalance(ctx)
	if errL != nil || errS != nil {
		return
	}

	ticker, err := longAdapter.GetTicker(ctx, opp.Symbol)
	if err != nil || ticker.Last.IsZero() {
		return
	}
	opp.ReferencePrice = ticker.Last

	freeMin := longBal.Free
	if shortBal.Free.LessThan(freeMin) {
		freeMin = shortBal.Free
	}

	positionSizePct := decimal.NewFromFloat(s.cfg.RiskLimits.PositionSizePct)
	if positionSizePct.IsZero() {
		positionSizePct = decimal.NewFromFloat(0.70)
	}
	leverage := decimal.NewFromInt(int64(s.exchangeLeverage(opp.LongExchange)))

	margin := freeMin.Mul(positionSizePct)
	notional := margin.Mul(leverage)
	maxNotional := decimal.NewFromFloat(s.cfg.RiskLimits.MaxPositionSizeUSD)
	if maxNotional.GreaterThan(decimal.Zero) && notional.GreaterThan(maxNotional) {
		notional = maxNotional
	}

	qty := notional.Div(opp.ReferencePrice)
	qty = longSpec.RoundDownToLot(qty)
	if shortSpec.LotSize.GreaterThan(longSpec.LotSize) {
		qty = shortSpec.RoundDownToLot(qty)
	}
	opp.SuggestedQty = qty
}

func (s *Scanner) exchangeLeverage(exchangeName string) int {
	if ex, ok := s.cfg.Exchanges[exchangeName]; ok && ex.Leverage > 0 {
		return ex.Leverage
	}
	return 3
}

// dispatchBest sends the best qualified opportunity per exchange pair,
// ranked by immediate_net_pct descending.
func (s *Scanner) dispatchBest(ctx context.Context, bestPerPair map[models.ExchangePair]*models.Opportunity) {
	if len(bestPerPair) == 0 {
		return
	}
	ranked := make([]*models.Opportunity, 0, len(bestPerPair))
	for _, o := range bestPerPair {
		ranked = append(ranked, o)
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].ImmediateNetPct.GreaterThan(ranked[j].ImmediateNetPct)
	})

	for _, opp := range ranked {
		select {
		case s.dispatch <- opp:
		case <-time.After(100 * time.Millisecond):
			if s.log != nil {
				s.log.Warn("scanner dispatch channel full, dropping opportunity", utils.Symbol(opp.Symbol))
			}
		case <-ctx.Done():
			return
		}
		if s.cfg.TradingParams.ExecuteOnlyBestOpportunity {
			return
		}
	}
}

// logSummary emits the top-of-book display list at most once every 5
// minutes.
func (s *Scanner) logSummary(display []*models.Opportunity, elapsed time.Duration) {
	if s.log == nil {
		return
	}
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	if time.Since(s.lastSummaryLog) < 5*time.Minute {
		return
	}
	s.lastSummaryLog = time.Now()

	qualified := make([]*models.Opportunity, 0)
	unqualified := make([]*models.Opportunity, 0)
	for _, o := range display {
		if o.Qualified {
			qualified = append(qualified, o)
		} else {
			unqualified = append(unqualified, o)
		}
	}
	sort.Slice(unqualified, func(i, j int) bool {
		return unqualified[i].HourlyRatePct.GreaterThan(unqualified[j].HourlyRatePct)
	})

	top := append([]*models.Opportunity{}, qualified...)
	for _, o := range unqualified {
		if len(top) >= 5 {
			break
		}
		top = append(top, o)
	}

	s.log.Info("scan tick complete",
		utils.Int("evaluated", len(display)),
		utils.Int("qualified", len(qualified)),
		utils.Int("display_top", len(top)),
		utils.Latency(float64(elapsed.Milliseconds())),
	)
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
