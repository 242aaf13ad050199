package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"decision-core/internal/api"
	"decision-core/internal/engine"
	"decision-core/internal/events"
	"decision-core/internal/execution"
	"decision-core/internal/exits"
	"decision-core/internal/market"
	"decision-core/internal/monitor"
	"decision-core/internal/order"
	"decision-core/internal/predictor"
	"decision-core/internal/risk"
	sigfilter "decision-core/internal/signal"
	"decision-core/pkg/config"
	"decision-core/pkg/exchange"
	"decision-core/pkg/store"
	"decision-core/pkg/stream"
)

const version = "v1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	logger := log.With().Str("component", "main").Logger()
	logger.Info().Str("version", version).Bool("dry_run", cfg.DryRun).Strs("symbols", cfg.Symbols).Msg("starting decision core")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("store open failed")
	}
	defer st.Close()
	queries := st.Queries()

	bus := events.NewBus()

	metrics := monitor.NewMetrics()
	queries.SetLatencyObserver(metrics.StoreLatency.RecordDuration)

	// The mock venue is the only adapter wired in; live connectivity plugs in
	// behind exchange.Gateway. The rate limiter guards either way.
	mock := exchange.NewMock(cfg.Venue)
	var gw exchange.Gateway = exchange.NewRateLimited(mock, cfg.RateLimit, cfg.RateBurst)
	if !cfg.DryRun {
		logger.Warn().Str("venue", cfg.Venue).Msg("no live venue adapter configured; orders stay on the mock venue")
	}

	// Tunables: threshold tables, regime bands, ladders, timeouts.
	cfgMgr := config.NewManager(cfg.ConfigFile)
	file, err := cfgMgr.Load()
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("tunables load failed")
	}
	filterCfg, err := file.Filter.FilterConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("filter config invalid")
	}
	filter, err := sigfilter.NewFilter(filterCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("filter init failed")
	}
	riskCalc := risk.NewCalculator(file.RiskConfig())

	orders := order.NewManager(gw, queries, bus)
	if n, err := orders.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("order restore failed")
	} else if n > 0 {
		logger.Info().Int("orders", n).Msg("active orders restored")
	}
	exec := execution.NewEngine(orders, gw, file.Execution.ExecutionConfig())
	exitsMgr := exits.NewManager(gw, queries, bus, file.Exits.ExitsConfig())
	defer exitsMgr.Shutdown()
	if n, err := exitsMgr.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("exit state restore failed")
	} else if n > 0 {
		logger.Info().Int("positions", n).Msg("exit state restored")
	}

	candles := market.NewCandleCache(time.Minute, 200)
	candles.Run(ctx, bus)

	monitor.NewCollector(bus, metrics).Start(ctx)

	if cfg.DryRun {
		syn := &market.SyntheticFeed{
			Mock:     mock,
			Bus:      bus,
			Symbols:  cfg.Symbols,
			Interval: time.Second,
		}
		syn.Start(ctx)
		logger.Info().Msg("synthetic feed started")
	} else {
		market.NewHistory(cfg.HistoryURL, "1m").SeedCache(ctx, candles, cfg.Symbols, 200)
		feed := market.NewFeed(gw, bus, cfg.Venue, cfg.Symbols, cfg.FeedInterval)
		if cfg.UseStream {
			feed.WithStream(stream.NewClient(cfg.StreamURL, stream.DecodeBinanceTicker))
		}
		feed.Start(ctx)
		logger.Info().Bool("stream", cfg.UseStream).Msg("market feed started")
	}

	var source predictor.Source
	if cfg.PredictorURL != "" {
		source = predictor.NewHTTPSource(cfg.PredictorURL)
		logger.Info().Str("url", cfg.PredictorURL).Msg("model worker attached")
	} else {
		source = predictor.NewStaticSource()
		logger.Warn().Msg("no model worker configured; decision loop idles")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		orders.ReconcileLoop(ctx, cfg.ReconcileInterval)
	}()

	core := engine.NewCore(engine.Config{
		Symbols:         cfg.Symbols,
		Interval:        cfg.DecisionInterval,
		Mode:            execution.Mode(cfg.ExecutionMode),
		DefaultQuantity: cfg.DefaultQuantity,
	}, source, filter, riskCalc, candles, orders, exec, exitsMgr, gw, queries, bus)
	wg.Add(1)
	go func() {
		defer wg.Done()
		core.Run(ctx)
	}()

	srv := api.NewServer(queries, orders, exitsMgr, filter, exec, metrics, cfgMgr, api.Meta{
		DryRun:  cfg.DryRun,
		Venue:   cfg.Venue,
		Symbols: cfg.Symbols,
		Version: version,
	})
	logger.Info().Str("addr", ":"+cfg.Port).Msg("api listening")
	if err := srv.Start(ctx, ":"+cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("api server stopped")
	}

	// srv.Start returns once ctx is cancelled; the loops share that ctx.
	wg.Wait()
	logger.Info().Msg("decision core shutting down")
}
