package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/valetd/valet"
	"github.com/valetd/valet/internal/app"
	"github.com/valetd/valet/internal/config"
	"github.com/valetd/valet/internal/gateway"
	"github.com/valetd/valet/observer"
	"github.com/valetd/valet/provider/openaicompat"
	"github.com/valetd/valet/store/postgres"
	"github.com/valetd/valet/store/sqlite"
	"github.com/valetd/valet/tools/echo"
	"github.com/valetd/valet/tools/mcp"
	"github.com/valetd/valet/tools/remember"
	"github.com/valetd/valet/tools/schedule"
	"github.com/valetd/valet/vector/pgvector"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf(" [valetd] %v", err)
	}
}

func run() error {
	// 1. Load config
	cfg := config.Load(os.Getenv("VALET_CONFIG"))
	logger := newLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Observability (optional)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	// 3. Providers
	var llm valet.Provider = openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	var embedder valet.EmbeddingProvider = openaicompat.NewEmbedder(
		cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL, cfg.Embedding.Dimensions)
	if inst != nil {
		llm = observer.WrapProvider(llm, inst)
		embedder = observer.WrapEmbedding(embedder, inst)
	}

	// 4. Stores
	pool, err := pgxpool.New(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	rowStore := postgres.New(pool)
	if err := rowStore.Init(ctx); err != nil {
		return err
	}
	memRows := postgres.NewMemoryStore(pool)
	vectors := pgvector.New(pool, cfg.Embedding.Dimensions)
	if err := vectors.Init(ctx); err != nil {
		return err
	}
	jobs := sqlite.New(cfg.Database.JobsPath, sqlite.WithLogger(logger))
	defer jobs.Close()
	if err := jobs.Init(ctx); err != nil {
		return err
	}

	// 5. Runtime fabric
	bus := valet.NewBus(valet.WithBusLogger(logger))
	queue := valet.NewQueue(jobs, bus, valet.WithQueueLogger(logger))
	registry := valet.NewRegistry(rowStore, valet.WithRegistryLogger(logger))
	dispatcher := valet.NewDispatcher(bus, valet.WithDispatcherLogger(logger))
	defer dispatcher.Close()
	engine := valet.NewMemoryEngine(memRows, vectors, embedder, bus, valet.WithMemoryLogger(logger))
	scheduler := valet.NewScheduler(rowStore, bus)

	rt := &valet.Runtime{
		Bus:           bus,
		Queue:         queue,
		Registry:      registry,
		Dispatcher:    dispatcher,
		Memory:        engine,
		Messages:      rowStore,
		Conversations: rowStore,
		Scheduler:     scheduler,
		Provider:      llm,
		Embedder:      embedder,
	}
	if err := rt.Validate(); err != nil {
		return err
	}

	// 6. Tool sets: system, internal, external (toolbox TOML)
	if err := registry.Register(ctx, wrapSet(echo.NewSet(), inst)); err != nil {
		return err
	}
	if err := registry.Register(ctx, wrapSet(remember.NewSet(engine, remember.WithLogger(logger)), inst)); err != nil {
		return err
	}
	if err := registry.Register(ctx, wrapSet(schedule.NewSet(scheduler), inst)); err != nil {
		return err
	}
	toolbox, err := config.LoadToolbox(cfg.ToolboxPath)
	if err != nil {
		return err
	}
	for _, sc := range toolbox.Servers {
		set := mcp.NewSet(sc, mcp.WithLogger(logger))
		if err := set.Connect(ctx); err != nil {
			// External servers are optional at boot; health sweep reports them.
			logger.Warn("mcp server unavailable", "server", sc.Name, "error", err)
		}
		if err := registry.Register(ctx, wrapSet(set, inst)); err != nil {
			return err
		}
	}

	// 7. Queue workers need their handlers registered before Start; the
	// toolbox service does that in Init, so services come up first.
	sup := valet.NewSupervisor(valet.WithSupervisorLogger(logger))
	services := []struct {
		svc  valet.Service
		port int
	}{
		{app.NewModelService(rt, app.WithLogger(logger)), cfg.Services.ModelPort},
		{app.NewToolboxService(rt, app.WithLogger(logger)), cfg.Services.ToolboxPort},
		{app.NewMemoryService(rt, app.WithLogger(logger),
			app.WithCompactionWindow(cfg.Memory.CompactionWindow),
			app.WithCompactionThreshold(cfg.Memory.CompactionThreshold)), cfg.Services.MemoryPort},
		{app.NewSchedulerService(rt, app.WithLogger(logger)), cfg.Services.SchedulerPort},
		{app.NewPlannerService(rt, app.WithLogger(logger),
			app.WithHistoryWindow(cfg.Planner.HistoryWindow),
			app.WithRecallLimit(cfg.Planner.RecallLimit),
			app.WithCompactionWindow(cfg.Memory.CompactionWindow),
			app.WithCompactionThreshold(cfg.Memory.CompactionThreshold)), cfg.Services.PlannerPort},
	}
	for _, s := range services {
		if err := sup.Register(s.svc, s.port); err != nil {
			return err
		}
	}
	if err := sup.Start(ctx); err != nil {
		return err
	}

	if err := queue.Start(ctx); err != nil {
		sup.Stop(ctx)
		return err
	}

	// 8. Gateway
	gw := gateway.New(cfg.Gateway.Addr, sup, gateway.WithLogger(logger))
	if err := gw.Start(); err != nil {
		queue.Stop()
		sup.Stop(ctx)
		return err
	}

	log.Printf(" [valetd] up: gateway on %s, %d tool sets", cfg.Gateway.Addr, len(registry.Sets()))
	<-ctx.Done()
	log.Printf(" [valetd] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = gw.Shutdown(shutdownCtx)
	queue.Stop()
	sup.Stop(shutdownCtx)
	return nil
}

// wrapSet applies tool-set instrumentation when the observer is enabled.
func wrapSet(set valet.ToolSet, inst *observer.Instruments) valet.ToolSet {
	if inst == nil {
		return set
	}
	return observer.WrapToolSet(set, inst)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
