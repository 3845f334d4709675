package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/api"
	"github.com/nidhogg/overseer/internal/breaker"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/coordinator"
	"github.com/nidhogg/overseer/internal/events"
	"github.com/nidhogg/overseer/internal/gateway"
	"github.com/nidhogg/overseer/internal/provider"
	"github.com/nidhogg/overseer/internal/runstore"
	"github.com/nidhogg/overseer/internal/store"
	"github.com/nidhogg/overseer/internal/workflow"
	"github.com/nidhogg/overseer/internal/worldgraph"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Overseer...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/overseer.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("failed to load config, using defaults", zap.String("path", cfgPath), zap.Error(err))
		cfg = config.Default()
	} else {
		logger.Info("Config loaded", zap.String("path", cfgPath))
	}
	cfg.Orchestration.Normalize(logger)

	// Shared key-value store. Falls back to in-process memory when Redis is
	// unreachable so the orchestrator still runs, without cross-restart state.
	var kv store.KV
	var emitter *events.Emitter
	if cfg.Database.Redis.URL != "" {
		rs, rErr := store.NewRedisStore(cfg.Database.Redis.URL, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, breaker state will not survive restarts", zap.Error(rErr))
		} else {
			kv = rs
			em, eErr := events.NewEmitter(cfg.Database.Redis.URL, logger)
			if eErr != nil {
				logger.Warn("event stream unavailable", zap.Error(eErr))
			} else {
				emitter = em
			}
		}
	}
	if kv == nil {
		kv = store.NewMemoryStore()
	}

	// Optional world graph
	var graph *worldgraph.Store
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := worldgraph.NewStore(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without world graph", zap.Error(gErr))
		} else {
			graph = g
		}
	}

	// Optional run archive
	var runs *runstore.Store
	if cfg.Database.Postgres.DSN != "" {
		rs, pgErr := runstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without run archive", zap.Error(pgErr))
		} else {
			if mErr := rs.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			runs = rs
		}
	}

	// Provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	// Agents
	agents := agent.NewRegistry(logger)
	agents.Register(agent.NewInputProcessor(0, logger))
	agents.Register(agent.NewWorldBuilder(graph, logger))
	narrativeModel := ""
	narrativeProvider := ""
	if len(cfg.Providers) > 0 {
		narrativeProvider = cfg.Providers[0].ID
		if len(cfg.Providers[0].Models) > 0 {
			narrativeModel = cfg.Providers[0].Models[0]
		}
	}
	agents.Register(agent.NewNarrativeGenerator(router, narrativeProvider, narrativeModel, logger))

	// Alert gateway
	gw := gateway.NewGateway(logger)
	if cfg.Gateway.Slack.Enabled && cfg.Gateway.Slack.BotToken != "" {
		gw.Register(gateway.NewSlackNotifier(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.Channel, logger))
	}
	if cfg.Gateway.Discord.Enabled && cfg.Gateway.Discord.BotToken != "" {
		dn, dErr := gateway.NewDiscordNotifier(cfg.Gateway.Discord.BotToken, cfg.Gateway.Discord.ChannelID, logger)
		if dErr != nil {
			logger.Warn("Discord unavailable", zap.Error(dErr))
		} else {
			gw.Register(dn)
		}
	}

	// Breaker registry
	breakers := breaker.NewRegistry(kv, cfg.Orchestration.BreakerConfig(), logger)
	if err := breakers.SyncWithStore(context.Background()); err != nil {
		logger.Warn("failed to sync breaker state", zap.Error(err))
	}
	breakers.OnTransition(func(name string, from, to breaker.State, correlationID string) {
		if emitter != nil {
			emitter.Publish(context.Background(), &events.Event{
				Type:          events.TypeStateChange,
				Breaker:       name,
				CorrelationID: correlationID,
				Detail:        map[string]string{"from": string(from), "to": string(to)},
			})
		}
		if to == breaker.StateOpen {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				gw.NotifyAll(ctx, &gateway.Alert{
					Title:         fmt.Sprintf("Circuit breaker %s opened", name),
					Body:          fmt.Sprintf("Breaker %q transitioned %s -> %s; calls to this agent are being rejected.", name, from, to),
					Severity:      gateway.SeverityCritical,
					Breaker:       name,
					CorrelationID: correlationID,
				})
			}()
		}
	})
	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	breakers.StartCleanupLoop(cleanupCtx, time.Hour)

	// Coordinator and workflow engine
	coord := coordinator.New(agents, breakers, coordinator.Config{
		StepTimeout: cfg.Orchestration.StepTimeout(),
		GracePeriod: cfg.Orchestration.GracePeriod(),
		Retry:       cfg.Orchestration.RetryConfig(),
	}, logger)
	if emitter != nil {
		coord.SetEmitter(emitter)
	}

	engine := workflow.NewEngine(coord, kv, cfg.Orchestration.WorkflowTimeout(), logger)
	if runs != nil {
		engine.SetRunSink(runs)
	}
	if emitter != nil {
		engine.SetEmitter(emitter)
	}
	registerBuiltinWorkflows(engine, logger)

	// Build HTTP handler
	handler := api.NewHandler(breakers, engine, coord, agents, runs, gw, logger)

	// Start server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Overseer listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Overseer...")
	cancelCleanup()
	breakers.StopCleanupLoop()
	ctx := context.Background()
	srv.Shutdown(ctx)
	if emitter != nil {
		emitter.Close()
	}
	if graph != nil {
		graph.Close(ctx)
	}
	if runs != nil {
		runs.Close()
	}
	gw.Close()
	kv.Close()
}

// registerBuiltinWorkflows installs the stock pipelines. Additional
// definitions can be registered at runtime through the API.
func registerBuiltinWorkflows(engine *workflow.Engine, logger *zap.Logger) {
	defs := map[string]workflow.Definition{
		"story-turn": {
			Type: workflow.TypeSequential,
			Steps: []workflow.AgentStep{
				{Name: "process-input", AgentType: agent.TypeInputProcessor},
				{Name: "build-world", AgentType: agent.TypeWorldBuilder},
				{Name: "narrate", AgentType: agent.TypeNarrativeGenerator},
			},
		},
		"world-refresh": {
			Type: workflow.TypeParallel,
			Steps: []workflow.AgentStep{
				{Name: "rebuild-world", AgentType: agent.TypeWorldBuilder},
				{Name: "summarize", AgentType: agent.TypeNarrativeGenerator},
			},
		},
		"world-settle": {
			Type:          workflow.TypeLoop,
			MaxIterations: 5,
			Steps: []workflow.AgentStep{
				{Name: "advance-world", AgentType: agent.TypeWorldBuilder},
			},
		},
	}
	for id, def := range defs {
		if err := engine.Register(id, def); err != nil {
			logger.Error("failed to register workflow", zap.String("id", id), zap.Error(err))
		}
	}
}
