// IMS Core — the real-time inventory calculation core for securities
// lending and short-sell control.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires the stack, waits for SIGINT/SIGTERM
//	engine/orchestrator   — consumes inbound topics, dispatches to the engines, republishes results
//	position/engine.go    — authoritative positions with the five-day settlement ladder
//	inventory/engine.go   — availability per calculation type, market overlays, reserve/release
//	limits/engine.go      — client and aggregation-unit sell limits, check-and-increment
//	rules/                — versioned calculation rules, selection and execution
//	refdata/              — security/counterparty/AU catalog plus upstream backfill
//	pipeline/             — keyed in-proc event pipeline: per-key FIFO, retry, dead-letter
//	cache/                — replicated in-memory grid: versioned entries, CAS, leases, TTL
//	store/                — SQLite write-behind for cold starts and the rule version log
//	api/server.go         — HTTP query and order surface
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"ims-core/internal/api"
	"ims-core/internal/breaker"
	"ims-core/internal/cache"
	"ims-core/internal/clock"
	"ims-core/internal/config"
	"ims-core/internal/engine"
	"ims-core/internal/inventory"
	"ims-core/internal/limits"
	"ims-core/internal/pipeline"
	"ims-core/internal/position"
	"ims-core/internal/refdata"
	"ims-core/internal/rules"
	"ims-core/internal/store"
)

const defaultPoolSize = 32

func main() {
	cfgPath := "configs/ims.yaml"
	if p := os.Getenv("IMS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("ims-core exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.System{}

	grid := cache.NewGrid(cfg.Cache, clk, logger)
	defer grid.Close()
	if err := grid.Join(); err != nil {
		return err
	}

	breakers := breaker.NewRegistry(cfg.Resilience, logger)

	st, err := store.Open(cfg.Store, grid, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	st.UseBreakers(breakers)

	catalog := refdata.NewCatalog(logger)
	reg := rules.NewRegistry(logger)

	pos := position.NewEngine(grid, cfg.Engines, clk, logger)
	inv, err := inventory.NewEngine(grid, catalog, reg, pos, cfg.Engines, clk, defaultPoolSize, logger)
	if err != nil {
		return err
	}
	defer inv.Close()
	lim := limits.NewEngine(grid, pos, cfg.Engines, clk, logger)

	var bf *refdata.Backfiller
	if url := os.Getenv("IMS_REFDATA_URL"); url != "" {
		bf = refdata.NewBackfiller(catalog, url, breakers, logger)
	}

	broker := pipeline.NewBroker(cfg.Pipeline, logger)
	defer broker.Close()

	orch := engine.New(engine.Deps{
		Broker:     broker,
		Grid:       grid,
		Catalog:    catalog,
		Rules:      reg,
		Positions:  pos,
		Inventory:  inv,
		Limits:     lim,
		Store:      st,
		Backfiller: bf,
	}, cfg, clk, logger)

	if err := orch.Replay(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(ctx) })

	if cfg.API.Enabled {
		srv := api.NewServer(cfg.API, cfg.Resilience, api.Engines{
			Positions: pos,
			Inventory: inv,
			Limits:    lim,
			Rules:     reg,
			Catalog:   catalog,
		}, cfg.Engines.ShortSellBudget, logger)
		g.Go(func() error { return srv.ListenAndServe(ctx) })
	}

	logger.Info("ims-core started",
		"cluster", cfg.Cache.ClusterName,
		"instance", cfg.Cache.InstanceName,
		"partitions", cfg.Pipeline.PartitionsPerTopic,
		"api_port", cfg.API.Port,
	)

	return g.Wait()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
