package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"trinity/internal/models"
)

// Watcher resilience protocol:
//
//   - Each background loop retries failures indefinitely with exponential
//     backoff starting at 5s, doubling per consecutive failure, capped at
//     60s.
//   - The failure counter resets to zero after any successful cycle.
//   - The first 3 consecutive failures log at WARN; thereafter every 10th
//     failure escalates to ERROR with a "cache may be STALE" note.
//   - A watcher must never terminate itself; cancellation via ctx is the
//     only way out.
const (
	watcherInitialBackoff = 5 * time.Second
	watcherMaxBackoff     = 60 * time.Second
	watcherWarnThreshold  = 3
	watcherErrorEvery     = 10
)

func backoffForFailure(n int) time.Duration {
	d := watcherInitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= watcherMaxBackoff {
			return watcherMaxBackoff
		}
	}
	return d
}

func logWatcherFailure(log *zap.SugaredLogger, venue string, failures int, err error) {
	if log == nil {
		return
	}
	switch {
	case failures <= watcherWarnThreshold:
		log.Warnw("funding watcher fetch failed", "exchange", venue, "consecutive_failures", failures, "error", err)
	case failures%watcherErrorEvery == 0:
		log.Errorw("funding watcher repeatedly failing, cache may be STALE", "exchange", venue, "consecutive_failures", failures, "error", err)
	default:
		log.Debugw("funding watcher fetch failed", "exchange", venue, "consecutive_failures", failures, "error", err)
	}
}

// sleepOrCancel waits d or returns false immediately if ctx is cancelled
// first.
func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// runResilientLoop drives doOnce repeatedly forever, applying the
// resilience protocol above, until ctx is cancelled. normalInterval is the
// sleep between successful cycles.
func runResilientLoop(ctx context.Context, log *zap.SugaredLogger, venue string, normalInterval time.Duration, doOnce func(context.Context) error) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := doOnce(ctx)
		if err != nil {
			failures++
			logWatcherFailure(log, venue, failures, err)
			if !sleepOrCancel(ctx, backoffForFailure(failures)) {
				return
			}
			continue
		}

		failures = 0
		if !sleepOrCancel(ctx, normalInterval) {
			return
		}
	}
}

// BatchWatcherInterval is the poll period for venues with a batch funding
// endpoint.
const BatchWatcherInterval = 30 * time.Second

// RunBatchWatcher polls fetchAll on BatchWatcherInterval and stores every
// result in cache, applying the resilience protocol on failure. Returns
// once ctx is cancelled.
func RunBatchWatcher(ctx context.Context, log *zap.SugaredLogger, venue string, cache *FundingCache, fetchAll func(context.Context) (map[string]models.FundingCacheEntry, error)) {
	runResilientLoop(ctx, log, venue, BatchWatcherInterval, func(ctx context.Context) error {
		entries, err := fetchAll(ctx)
		if err != nil {
			return err
		}
		cache.SetAll(entries)
		return nil
	})
}

// SequentialWatcherCycle is the target time to cycle through every
// symbol with the sequential poller.
const SequentialWatcherCycle = 30 * time.Second

// SequentialWatcherConcurrency bounds how many symbols are in flight at
// once during a sequential poll cycle.
const SequentialWatcherConcurrency = 10

// RunSequentialWatcher fetches every symbol once per cycle, bounded by a
// semaphore, and targets SequentialWatcherCycle as the wall-clock period
// for a full pass. A cycle only counts as a failure for backoff purposes
// if every symbol in it failed; partial failures are logged per symbol
// but do not block the rest of the cache from refreshing.
func RunSequentialWatcher(ctx context.Context, log *zap.SugaredLogger, venue string, cache *FundingCache, symbols []string, fetchOne func(context.Context, string) (models.FundingCacheEntry, error)) {
	if len(symbols) == 0 {
		return
	}
	sem := semaphore.NewWeighted(SequentialWatcherConcurrency)
	perSymbolInterval := SequentialWatcherCycle / time.Duration(len(symbols))
	if perSymbolInterval <= 0 {
		perSymbolInterval = time.Millisecond
	}

	runResilientLoop(ctx, log, venue, 0, func(ctx context.Context) error {
		successCount := 0
		var lastErr error
		resultCh := make(chan error, len(symbols))

		for _, symbol := range symbols {
			symbol := symbol
			if err := sem.Acquire(ctx, 1); err != nil {
				resultCh <- err
				continue
			}
			go func() {
				defer sem.Release(1)
				entry, err := fetchOne(ctx, symbol)
				if err != nil {
					resultCh <- err
					return
				}
				cache.Set(symbol, entry)
				resultCh <- nil
			}()
			// Spread requests across the cycle instead of bursting all
			// of them immediately, so the venue sees roughly one poller
			// cadence per symbol over SequentialWatcherCycle.
			if !sleepOrCancel(ctx, perSymbolInterval) {
				break
			}
		}

		for i := 0; i < len(symbols); i++ {
			select {
			case err := <-resultCh:
				if err == nil {
					successCount++
				} else {
					lastErr = err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if successCount == 0 && lastErr != nil {
			return lastErr
		}
		if lastErr != nil && log != nil {
			log.Debugw("sequential funding poll: some symbols failed this cycle", "exchange", venue, "failed_but_others_ok", true)
		}
		return nil
	})
}

// WarmUpConcurrency bounds the per-symbol fallback warmup used when a
// venue has no batch funding endpoint.
const WarmUpConcurrency = 20

// WarmUpSequential fetches every symbol's funding rate once, bounded by
// WarmUpConcurrency, and stores results in cache. Used as the permanent
// fallback once a batch warmup attempt has failed.
func WarmUpSequential(ctx context.Context, cache *FundingCache, symbols []string, fetchOne func(context.Context, string) (models.FundingCacheEntry, error)) error {
	sem := semaphore.NewWeighted(WarmUpConcurrency)
	errCh := make(chan error, len(symbols))

	for _, symbol := range symbols {
		symbol := symbol
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func() {
			defer sem.Release(1)
			entry, err := fetchOne(ctx, symbol)
			if err != nil {
				errCh <- err
				return
			}
			cache.Set(symbol, entry)
			errCh <- nil
		}()
	}

	var firstErr error
	for i := 0; i < len(symbols); i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
