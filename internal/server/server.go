// Package server wires the delegator components and creates the MCP server.
//
// This is the composition root: it builds concrete implementations from the
// configuration and injects them into the MCP tools. No business logic
// lives here, only wiring.
package server

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/backend"
	"github.com/aristath/delegator/internal/config"
	"github.com/aristath/delegator/internal/events"
	"github.com/aristath/delegator/internal/jules"
	"github.com/aristath/delegator/internal/manager"
	"github.com/aristath/delegator/internal/mcptools"
	"github.com/aristath/delegator/internal/metrics"
	"github.com/aristath/delegator/internal/persistence"
	"github.com/aristath/delegator/internal/worktree"
)

// Version is set at build time via ldflags.
var Version = "dev"

const julesInstallHint = "npm install -g @google/jules && jules login, or set JULES_API_KEY"

// Agents is the result of agent discovery: every agent that can run on this
// machine, install hints for the rest, and the Jules router.
type Agents struct {
	Registry *agent.Registry
	Hints    map[agent.ID]string
	Jules    *jules.Router
}

// DiscoverAgents probes the enabled agent CLIs and builds the Jules router.
// store and bus may be nil.
func DiscoverAgents(cfg *config.Config, pm *backend.ProcessManager, store jules.SessionStore, bus events.Publisher, logger *zap.Logger) (*Agents, error) {
	configs := cfg.BackendConfigs()
	julesCfg, julesEnabled := configs[agent.Jules]
	delete(configs, agent.Jules)

	found, err := backend.Discover(configs, pm)
	if err != nil {
		return nil, fmt.Errorf("discovering agents: %w", err)
	}

	a := &Agents{Registry: agent.NewRegistry(), Hints: make(map[agent.ID]string)}
	for id, adapter := range found {
		a.Registry.Register(id, adapter)
	}

	if julesEnabled {
		a.Jules = newJulesRouter(cfg, julesCfg, pm, store, bus, logger)
		if cfg.Jules.APIKey != "" || a.Jules.CLIAvailable() {
			a.Registry.Register(agent.Jules, a.Jules)
		}
	}

	for _, id := range agent.AllIDs() {
		if a.Registry.IsAvailable(id) {
			continue
		}
		if id == agent.Jules {
			a.Hints[id] = julesInstallHint
			continue
		}
		adapter, err := backend.New(id, backend.Config{}, pm)
		if err != nil {
			return nil, err
		}
		a.Hints[id] = adapter.InstallHint()
	}

	logger.Info("agents discovered",
		zap.Int("available", a.Registry.Len()),
		zap.Any("agents", a.Registry.Available()))
	return a, nil
}

func newJulesRouter(cfg *config.Config, cliCfg backend.Config, pm *backend.ProcessManager, store jules.SessionStore, bus events.Publisher, logger *zap.Logger) *jules.Router {
	cli := backend.NewJulesCLIAdapter(cliCfg, pm).WithPollInterval(cfg.Jules.PollInterval.Std())

	rc := jules.RouterConfig{
		APIKey: cfg.Jules.APIKey,
		CLI:    cli,
		Events: bus,
		Logger: logger.Named("jules"),
	}
	if cfg.Jules.APIKey != "" {
		client := jules.NewClient(cfg.Jules.APIKey,
			jules.WithBaseURL(cfg.Jules.BaseURL),
			jules.WithRateLimit(cfg.Jules.RequestsPerSecond),
			jules.WithRetry(cfg.Resilience.RetryInitial.Std(), cfg.Resilience.RetryMaxElapsed.Std()),
		)
		opts := []jules.APIAdapterOption{
			jules.WithPollInterval(cfg.Jules.PollInterval.Std()),
			jules.WithSessionTimeout(cfg.Jules.Timeout.Std()),
			jules.WithLogger(logger.Named("jules")),
		}
		if store != nil {
			opts = append(opts, jules.WithSessionStore(store))
		}
		if bus != nil {
			opts = append(opts, jules.WithEvents(bus))
		}
		rc.API = jules.NewAPIAdapter(client, opts...)
	}
	return jules.NewRouter(rc)
}

// App holds the running components behind the MCP server.
type App struct {
	Config       *config.Config
	Store        *persistence.SQLiteStore
	Bus          *events.EventBus
	Metrics      *metrics.Metrics
	Agents       *Agents
	Orchestrator *agent.Orchestrator
	Manager      *manager.Manager

	procs      *backend.ProcessManager
	logger     *zap.Logger
	eventsDone chan struct{}
}

// Build opens the history database, discovers agents and starts the worker
// pool. Close releases everything Build acquired.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	app := &App{
		Config:  cfg,
		Store:   store,
		Bus:     events.NewEventBus(),
		Metrics: metrics.New(),
		procs:   backend.NewProcessManager(),
		logger:  logger,

		eventsDone: make(chan struct{}),
	}

	feed := app.Bus.SubscribeAll(0)
	go func() {
		defer close(app.eventsDone)
		watchEvents(feed, app.Metrics, logger.Named("events"))
	}()

	app.Agents, err = DiscoverAgents(cfg, app.procs, store, app.Bus, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Orchestrator = agent.NewOrchestrator(app.Agents.Registry, agent.Options{
		Policy:            cfg.Policy(),
		FallbackOnFailure: cfg.FallbackOnFailure,
		Retry:             cfg.RetryConfig(),
		Breakers:          agent.NewBreakerRegistry(cfg.BreakerSettings(), logger.Named("breaker")),
		Observer:          app.Metrics,
		Logger:            logger.Named("orchestrator"),
	})

	app.Manager = manager.New(app.Orchestrator, manager.Config{
		MaxWorkers:   cfg.MaxWorkers,
		PollInterval: cfg.PollInterval.Std(),
		DrainTimeout: cfg.DrainTimeout.Std(),
		Events:       app.Bus,
		Store:        store,
		Metrics:      app.Metrics,
		Logger:       logger.Named("manager"),
	})
	if err := app.Manager.Start(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("starting agent manager: %w", err)
	}
	return app, nil
}

// Close stops the worker pool, kills leftover agent processes, closes the
// event bus once its consumer has drained, then closes the database. Safe to
// call more than once.
func (a *App) Close() {
	if a.Manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.DrainTimeout.Std()+a.Config.PollInterval.Std())
		if err := a.Manager.Stop(ctx); err != nil {
			a.logger.Warn("agent manager stop", zap.Error(err))
		}
		cancel()
	}
	if err := a.procs.KillAll(); err != nil {
		a.logger.Warn("killing agent processes", zap.Error(err))
	}
	a.Bus.Close()
	<-a.eventsDone
	if err := a.Store.Close(); err != nil {
		a.logger.Warn("closing history database", zap.Error(err))
	}
}

// New builds the App and an MCP server with every tool registered. The
// returned cleanup function must be called on shutdown; it is non-nil even
// when New fails.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*server.MCPServer, *App, func(), error) {
	app, err := Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, noop, err
	}

	s := server.NewMCPServer(
		"delegator",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)
	RegisterTools(s, app)

	return s, app, app.Close, nil
}

func noop() {}

// RegisterTools adds all delegator MCP tools to s.
func RegisterTools(s *server.MCPServer, app *App) {
	// --- Task pool ---
	delegate := mcptools.NewDelegateTaskTool(app.Manager)
	s.AddTool(delegate.Definition(), delegate.Handle)

	status := mcptools.NewGetTaskStatusTool(app.Manager)
	s.AddTool(status.Definition(), status.Handle)

	active := mcptools.NewListActiveTasksTool(app.Manager)
	s.AddTool(active.Definition(), active.Handle)

	workers := mcptools.NewGetWorkerStatsTool(app.Manager)
	s.AddTool(workers.Definition(), workers.Handle)

	cancelTool := mcptools.NewCancelTaskTool(app.Manager)
	s.AddTool(cancelTool.Definition(), cancelTool.Handle)

	// --- Agent discovery and selection ---
	var modes mcptools.ModeDetector
	if app.Agents.Jules != nil {
		modes = app.Agents.Jules
	}
	list := mcptools.NewListAvailableAgentsTool(app.Agents.Registry, app.Agents.Hints, modes)
	s.AddTool(list.Definition(), list.Handle)

	selectTool := mcptools.NewSelectAgentTool(app.Agents.Registry, app.Orchestrator.Policy())
	s.AddTool(selectTool.Definition(), selectTool.Handle)

	// --- Jules and task graphs ---
	if app.Agents.Jules != nil {
		julesTool := mcptools.NewDelegateToJulesTool(app.Agents.Jules)
		s.AddTool(julesTool.Definition(), julesTool.Handle)
	}

	graphLog := app.logger.Named("graph")
	graph := mcptools.NewExecuteTaskGraphTool(app.Orchestrator, app.Store, app.Bus, graphLog).
		WithWorktrees(func(ctx context.Context, projectPath string, strategy worktree.MergeStrategy) (mcptools.Isolator, error) {
			m, err := worktree.NewManager(ctx, worktree.Config{RepoPath: projectPath, Strategy: strategy}, graphLog)
			if err != nil {
				return nil, err
			}
			return m, nil
		})
	s.AddTool(graph.Definition(), graph.Handle)
}

func serverInstructions() string {
	return `delegator routes coding work to external AI coding agents (jules, copilot, gemini, qwen, aider, deepagents, codex, rovodev).

Use delegateTask to queue work in the background and poll it with getTaskStatus; listActiveTasks, getWorkerStats and cancelTask manage the pool.
When preferred_agent is omitted the agent is chosen from context.complexity: TRIVIAL, SIMPLE and MODERATE take the first available agent of the fallback chain, COMPLEX and EPIC prefer jules. Requests that need plan approval go to jules only; requests with a large context_size go to a full-context agent (jules or gemini).
Call listAvailableAgents to see what is installed and selectAgent to get a recommendation with reasoning.
delegateToJules starts a Jules session through the API or the headless CLI and explains setup when neither is configured.
executeTaskGraph runs several prompts with dependencies between them and waits for all of them; with isolate=true every task works in its own git worktree and is merged back when it succeeds.`
}
