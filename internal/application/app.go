package application

import (
	"context"
	"fmt"

	"github.com/stewardflow/stewardflow/internal/application/usecase"
	domainctx "github.com/stewardflow/stewardflow/internal/domain/context"
	"github.com/stewardflow/stewardflow/internal/domain/event"
	"github.com/stewardflow/stewardflow/internal/domain/repository"
	"github.com/stewardflow/stewardflow/internal/domain/service"
	domaintool "github.com/stewardflow/stewardflow/internal/domain/tool"
	"github.com/stewardflow/stewardflow/internal/infrastructure/config"
	"github.com/stewardflow/stewardflow/internal/infrastructure/eventbus"
	"github.com/stewardflow/stewardflow/internal/infrastructure/llm"
	openaillm "github.com/stewardflow/stewardflow/internal/infrastructure/llm/openai"
	"github.com/stewardflow/stewardflow/internal/infrastructure/persistence"
	"github.com/stewardflow/stewardflow/internal/infrastructure/prompt"
	"github.com/stewardflow/stewardflow/internal/infrastructure/runtime"
	infratool "github.com/stewardflow/stewardflow/internal/infrastructure/tool"
	"github.com/stewardflow/stewardflow/internal/infrastructure/toolresult"
	httpiface "github.com/stewardflow/stewardflow/internal/interfaces/http"
	ws "github.com/stewardflow/stewardflow/internal/interfaces/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// App owns the fully wired object graph and its lifecycle.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	logLevel   zap.AtomicLevel
	bus        *eventbus.InMemoryBus
	hub        *ws.Hub
	httpServer *httpiface.Server
	tasks      *usecase.TaskService
	watcher    *config.Watcher
}

// NewApp wires every component from config. No global state: each service
// is constructed once and passed explicitly.
func NewApp(cfg *config.Config, logger *zap.Logger, logLevel zap.AtomicLevel) (*App, error) {
	settings, err := runtime.NewSettings(runtime.Options{
		WorkspaceRoot:          cfg.Workspace,
		ToolResultRootDir:      cfg.ToolResult.RootDir,
		InlineLimit:            cfg.ToolResult.InlineLimit,
		PreviewLimit:           cfg.ToolResult.PreviewLimit,
		FSReadMaxChars:         cfg.ToolResult.FSReadMaxChars,
		AlwaysExternalizeTools: cfg.ToolResult.AlwaysExternalizeTools,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime settings: %w", err)
	}

	// tool layer
	registry := domaintool.NewInMemoryRegistry()
	externalizer := toolresult.NewExternalizer(settings, logger)
	infratool.RegisterAllTools(infratool.Deps{
		Registry:    registry,
		Settings:    settings,
		Store:       externalizer.Store(),
		Logger:      logger,
		ProcTimeout: cfg.Agent.ToolTimeout,
	})

	// persistence
	var checkpoint repository.CheckpointStore
	var ctxStore domainctx.Store
	switch cfg.Database.Type {
	case "memory", "":
		checkpoint = persistence.NewMemoryCheckpointStore()
		ctxStore = persistence.NewMemoryContextStore()
	default:
		db, err := persistence.NewDBConnection(persistence.DatabaseConfig{
			Type: cfg.Database.Type,
			DSN:  cfg.Database.DSN,
		})
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		checkpoint = persistence.NewGormCheckpointStore(db)
		ctxStore = persistence.NewGormContextStore(db)
	}

	// LLM
	provider := openaillm.New(llm.Config{
		Model:        cfg.LLM.Model,
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey,
		Temperature:  float32(cfg.LLM.Temperature),
		MaxRetries:   cfg.LLM.MaxRetries,
		ExcludeTools: cfg.LLM.ExcludeTools,
	}, registry, logger)

	// context engine
	promptBuilder := prompt.NewBuilder(registry)
	estimator := domainctx.NewTokenEstimator(domainctx.DefaultEstimatorConfig())
	cacheCfg := domainctx.DefaultConfig()
	cacheCfg.ThresholdTokens = cfg.Cache.ThresholdTokens
	if cfg.Cache.KeepTailRatio > 0 {
		cacheCfg.KeepTailRatio = cfg.Cache.KeepTailRatio
	}
	if cfg.Cache.TargetAfterTokens > 0 {
		cacheCfg.TargetAfterTokens = cfg.Cache.TargetAfterTokens
	}
	if cfg.Cache.MaxSummaryTokens > 0 {
		cacheCfg.MaxSummaryTokens = cfg.Cache.MaxSummaryTokens
	}
	if cfg.Cache.MaxResultCardChars > 0 {
		cacheCfg.MaxResultCardChars = cfg.Cache.MaxResultCardChars
	}
	cache := domainctx.NewManager(cacheCfg, estimator, ctxStore, promptBuilder.Build, provider, logger)

	// event plane: executor publishes onto the bus, the bus forwards to
	// per-client WebSocket connections
	bus := eventbus.NewInMemoryBus(logger, 1024)
	hub := ws.NewHub(logger)
	bus.Subscribe("*", func(ctx context.Context, env eventbus.Envelope) {
		hub.Send(env.ClientID, env.Event)
	})
	var sink event.Sink = eventbus.NewSink(bus)

	// executor + facade
	dispatcher := service.NewDispatcher(registry, cfg.Agent.ToolTimeout, logger)
	executor := service.NewExecutor(checkpoint, provider, dispatcher, cache, sink, externalizer,
		service.ExecutorConfig{
			Thinking:       cfg.LLM.Thinking,
			ToolsetVersion: "builtin-v1",
		}, logger)
	tasks := usecase.NewTaskService(checkpoint, executor, cache, cfg.Agent.MaxTurns, logger)

	// interfaces
	wsHandler := ws.NewHandler(hub, logger)
	httpServer := httpiface.NewServer(httpiface.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
		Mode: cfg.Server.Mode,
	}, tasks, wsHandler, logger)

	app := &App{
		cfg:        cfg,
		logger:     logger,
		logLevel:   logLevel,
		bus:        bus,
		hub:        hub,
		httpServer: httpServer,
		tasks:      tasks,
	}

	// hot-reload runtime-safe tunables
	watcher, err := config.NewWatcher(logger)
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else if watcher != nil {
		watcher.OnReload(app.applyReload)
		app.watcher = watcher
	}

	return app, nil
}

// Tasks exposes the task facade for alternative frontends.
func (a *App) Tasks() *usecase.TaskService { return a.tasks }

// Logger exposes the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Start brings the outward interfaces up.
func (a *App) Start(ctx context.Context) error {
	return a.httpServer.Start(ctx)
}

// Stop shuts everything down: HTTP first so no new work arrives, then the
// in-flight executors (final checkpoint in current state), then the
// WebSocket connections and the event plane.
func (a *App) Stop(ctx context.Context) error {
	if a.watcher != nil {
		a.watcher.Close()
	}
	err := a.httpServer.Stop(ctx)
	a.tasks.Shutdown()
	a.hub.CloseAll()
	a.bus.Close()
	return err
}

// applyReload applies runtime-safe settings from a reloaded config.
func (a *App) applyReload(cfg *config.Config) {
	if level, err := zapcore.ParseLevel(cfg.Log.Level); err == nil {
		a.logLevel.SetLevel(level)
		a.logger.Info("Log level updated", zap.String("level", cfg.Log.Level))
	}
}
