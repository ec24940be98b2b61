package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/api"
	"github.com/agentrunner/agentrunner/internal/common/config"
	"github.com/agentrunner/agentrunner/internal/common/logger"
	"github.com/agentrunner/agentrunner/internal/dispatcher"
	"github.com/agentrunner/agentrunner/internal/events"
	"github.com/agentrunner/agentrunner/internal/memory"
	"github.com/agentrunner/agentrunner/internal/orchestrator"
	"github.com/agentrunner/agentrunner/internal/reviewer"
	"github.com/agentrunner/agentrunner/internal/runner"
	"github.com/agentrunner/agentrunner/internal/streaming"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentrunner service")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Optional job-lifecycle event publisher
	var eventPublisher *events.Publisher
	if cfg.Events.NATSURL != "" {
		eventPublisher, err = events.NewPublisher(cfg.Events.NATSURL, cfg.Events.Subject, log)
		if err != nil {
			log.Error("failed to connect to NATS, continuing without job-lifecycle events", zap.Error(err))
		} else {
			defer eventPublisher.Close()
			log.Info("connected to NATS event bus", zap.String("subject", cfg.Events.Subject))
		}
	}

	// 5. Memory store: in-memory or Postgres-backed per configuration
	memStore, closeMemStore, err := buildMemoryStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize memory store", zap.Error(err))
	}
	defer closeMemStore()

	// 6. CommandRunner (shared by the orchestrator's worker invocations and
	// the reviewer's classification/continuation calls)
	cmdRunner := runner.New(
		cfg.Runner.MaxConcurrentInvocations,
		cfg.Runner.MaxOutputBytes,
		cfg.Runner.HardTimeout(),
		cfg.Runner.IdleTimeout(),
		log,
	)

	// 7. Reviewer
	rv := reviewer.New(cmdRunner, cfg.Worker.CLIPath, log)

	// 8. ExecutionOrchestrator
	orch := orchestrator.New(
		cmdRunner,
		memStore,
		rv,
		cfg.Worker.CLIPath,
		cfg.Repositories.Root,
		cfg.Runner.IterateTimeout(),
		log,
	)
	if eventPublisher != nil {
		orch.SetEventPublisher(eventPublisher)
	}

	// 9. Live invocation-output streaming hub
	hub := streaming.NewHub(log)
	go hub.Run(ctx)
	orch.SetBroadcaster(hub)
	streamHandler := streaming.NewHandler(hub, log)

	// 10. ResultDispatcher
	disp := dispatcher.New(cfg.Webhook.Secret, log)

	// 11. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(orch, disp, memStore, cmdRunner, log)
	router := api.NewRouter(handler, streamHandler, log, 0)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentrunner service")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("agentrunner service stopped")
}

// buildMemoryStore constructs the configured Store implementation and a
// cleanup func. On a Postgres connection failure it falls back to a
// DegradedStore rather than refusing to start, since a memory outage must
// not take the whole service down.
func buildMemoryStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (memory.Store, func(), error) {
	switch cfg.Memory.Backend {
	case "postgres":
		pg, err := memory.NewPGStore(ctx, cfg.Memory.PostgresDSN, cfg.Memory.TTL(), log)
		if err != nil {
			log.Error("failed to connect to postgres memory store, degrading", zap.Error(err))
			return memory.NewDegradedStore(), func() {}, nil
		}
		return pg, pg.Close, nil
	default:
		store := memory.NewInMemoryStore(cfg.Memory.TTL(), log)
		return store, store.Close, nil
	}
}
