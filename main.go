package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/api"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/lifecycle"
	"execution-core/internal/monitor"
	"execution-core/internal/position"
	"execution-core/internal/risk"
	"execution-core/internal/router"
	"execution-core/internal/settings"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
	"execution-core/pkg/logger"
	"execution-core/pkg/market"
	"execution-core/pkg/symbols"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	bus := events.NewBus()
	cache := market.NewCache()

	// Market data: live stream when configured, random-walk feed otherwise.
	if cfg.UseMockFeed || cfg.PriceStreamURL == "" {
		feed := &market.MockFeed{Symbols: cfg.Symbols}
		go feed.Run(ctx, cache)
		log.Info("mock price feed started", zap.Strings("symbols", cfg.Symbols))
	} else {
		stream := market.NewStreamClient(cfg.PriceStreamURL, log)
		go stream.Run(ctx, cache)
		log.Info("price stream started", zap.String("url", cfg.PriceStreamURL))
	}

	// Paper adapters for every venue's paper environment. Live adapters are
	// registered here as venue integrations land.
	registry := gateway.NewRegistry(nil)
	for _, ex := range symbols.Exchanges() {
		priceFn := paperPriceFn(cache, ex)
		registry.Register(ex, symbols.EnvPaper, paper.New(ex, symbols.EnvPaper, priceFn))
	}

	store := position.NewStore(database)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	log.Info("position store loaded", zap.Int("open_positions", len(store.List())))

	limits := exchange.NewRateLimiters(cfg.RateLimitRPS, cfg.RateLimitBurst)
	policy := risk.ParsePolicy(cfg.RiskPolicy)

	exec := router.New(database, registry, store, limits, policy, bus, log)

	strategyDefaults, err := settings.LoadStrategyDefaults(cfg.StrategyDefaultsPath)
	if err != nil {
		return fmt.Errorf("load strategy defaults: %w", err)
	}
	resolver := settings.NewResolver(database, strategyDefaults)

	mon := lifecycle.New(store, exec, cache, resolver, bus, log, lifecycle.Config{
		TickInterval:      cfg.TickInterval,
		Workers:           cfg.MonitorWorkers,
		InFlightTimeout:   cfg.InFlightTimeout,
		ClosingAlertAfter: cfg.ClosingAlertAfter,
	})
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		mon.Run(ctx)
	}()

	sink := &monitor.Sink{Bus: bus, Log: log}
	sink.Start(ctx)

	server := api.NewServer(bus, database, exec, store, resolver, log, cfg.JWTSecret, api.SystemMeta{
		Version:   version,
		Exchanges: symbols.Exchanges(),
		MockFeed:  cfg.UseMockFeed,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("port", cfg.Port))
		errCh <- server.Start(":" + cfg.Port)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received; draining")

		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}

		// Run returns only after in-flight evaluations finish.
		select {
		case <-monDone:
		case <-shutCtx.Done():
			log.Warn("monitor drain timed out")
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// paperPriceFn adapts the canonical-keyed price cache to the venue-native
// symbols a paper adapter sees.
func paperPriceFn(cache *market.Cache, exchangeName string) paper.PriceFn {
	return func(venueSymbol string) (float64, bool) {
		canonical, err := symbols.Normalize(venueSymbol, exchangeName)
		if err != nil {
			return 0, false
		}
		return cache.Mark(canonical)
	}
}
