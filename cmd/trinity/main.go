// Command trinity runs the funding-rate arbitrage engine: it connects
// the configured exchange adapters, then wires the Discovery Scanner,
// Execution Controller, and Risk Guard together and runs them until
// interrupted.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"trinity/internal/config"
	"trinity/internal/controller"
	"trinity/internal/exchange"
	"trinity/internal/kvstore"
	"trinity/internal/models"
	"trinity/internal/risk"
	"trinity/internal/scanner"
	"trinity/pkg/utils"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("TRINITY_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer logger.Sync()

	store := connectKVStore(cfg, logger)
	defer store.Close()

	adapters, err := connectAdapters(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect exchange adapters", utils.Err(err))
	}
	defer closeAdapters(adapters)

	notifications := make(chan *models.Notification, 256)
	opportunities := make(chan *models.Opportunity, 64)

	guard := risk.New(adapters, cfg, store, logger.WithComponent("risk"), notifications)
	ctrl := controller.New(adapters, cfg, store, logger.WithComponent("controller"), guard, opportunities, notifications)
	scan := scanner.New(adapters, cfg, store, logger.WithComponent("scanner"), opportunities)

	ctx, cancel := context.WithCancel(context.Background())

	warmUpFunding(ctx, adapters, logger)
	startWatchers(ctx, adapters)

	go ctrl.Run(ctx)
	go guard.Run(ctx)
	go scan.Run(ctx, scanInterval(cfg))
	go drainNotifications(ctx, notifications, logger)

	logger.Info("trinity started", utils.Int("exchanges", len(adapters)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	time.Sleep(500 * time.Millisecond) // let in-flight loop iterations observe cancellation
}

func scanInterval(cfg *config.Config) time.Duration {
	sec := cfg.RiskGuard.ScannerIntervalSec
	if sec <= 0 {
		sec = 10
	}
	return time.Duration(sec) * time.Second
}

// connectKVStore dials Redis; if unreachable at startup, falls back to
// an in-memory store and logs prominently, since that fallback loses
// crash recovery.
func connectKVStore(cfg *config.Config, logger *utils.Logger) kvstore.Store {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := cfg.KVHost
	if cfg.KVPort != 0 {
		addr = addr + ":" + strconv.Itoa(cfg.KVPort)
	}

	store, err := kvstore.NewRedisStore(ctx, kvstore.RedisConfig{
		Addr: addr, Password: cfg.KVPassword, DB: cfg.KVDB,
	})
	if err == nil {
		return store
	}

	logger.Warn("KV store unreachable, falling back to in-memory store — crash recovery is disabled", utils.Err(err))
	return kvstore.NewMemoryStore(logger)
}

// tradingDefaultsSetter is implemented by every concrete adapter
// (promoted leverage/margin-mode/position-mode state) but left out of
// the Adapter interface since the Scanner/Controller/Risk Guard never
// need it — only startup wiring does.
type tradingDefaultsSetter interface {
	SetTradingDefaults(leverage int, marginMode, positionMode string)
}

// rateLimitSetter is implemented by every concrete adapter via the
// embedded venueLimiter.
type rateLimitSetter interface {
	SetRateLimit(intervalMs int)
}

func connectAdapters(cfg *config.Config, logger *utils.Logger) (map[string]exchange.Adapter, error) {
	adapters := make(map[string]exchange.Adapter, len(cfg.EnabledExchanges))

	for _, name := range cfg.EnabledExchanges {
		exCfg, ok := cfg.Exchanges[name]
		if !ok {
			continue
		}

		adapter, err := exchange.NewExchange(name, logger.Sugar())
		if err != nil {
			return nil, err
		}

		if setter, ok := adapter.(rateLimitSetter); ok {
			setter.SetRateLimit(exCfg.RateLimitMs)
		}
		if setter, ok := adapter.(tradingDefaultsSetter); ok {
			setter.SetTradingDefaults(exCfg.Leverage, exCfg.MarginMode, exCfg.PositionMode)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = adapter.Connect(ctx, exCfg.APIKey, exCfg.APISecret, exCfg.APIPassphrase)
		cancel()
		if err != nil {
			var authErr *exchange.AuthError
			if errors.As(err, &authErr) {
				logger.Warn("exchange authentication failed, dropping adapter", utils.Exchange(name), utils.Err(err))
				continue
			}
			return nil, err
		}

		adapters[name] = adapter
		logger.Info("connected to exchange", utils.Exchange(name))
	}

	return adapters, nil
}

func closeAdapters(adapters map[string]exchange.Adapter) {
	for _, a := range adapters {
		_ = a.Close()
	}
}

func warmUpFunding(ctx context.Context, adapters map[string]exchange.Adapter, logger *utils.Logger) {
	for name, a := range adapters {
		if err := a.WarmUpFunding(ctx, a.ListSymbols()); err != nil {
			logger.Warn("funding warmup failed", utils.Exchange(name), utils.Err(err))
		}
	}
}

func startWatchers(ctx context.Context, adapters map[string]exchange.Adapter) {
	for _, a := range adapters {
		a.StartFundingWatchers(ctx, a.ListSymbols())
	}
}

func drainNotifications(ctx context.Context, ch chan *models.Notification, logger *utils.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-ch:
			if n == nil {
				continue
			}
			logger.Info("notification",
				utils.String("type", n.Type),
				utils.String("severity", n.Severity),
				utils.Symbol(n.Symbol),
				utils.String("message", n.Message),
			)
		}
	}
}
