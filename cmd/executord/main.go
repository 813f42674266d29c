package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/executor/pool"
	"github.com/dispatchd/dispatchd/internal/executor/routing"
	"github.com/dispatchd/dispatchd/internal/executor/service"
	"github.com/dispatchd/dispatchd/internal/executor/session"
	"github.com/dispatchd/dispatchd/internal/notifications/streaming"
	"github.com/dispatchd/dispatchd/internal/task/repository"
	tasksvc "github.com/dispatchd/dispatchd/internal/task/service"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting executor service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open task storage
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open task storage", zap.Error(err))
	}
	defer repo.Close()
	log.Info("Task storage ready", zap.String("driver", cfg.Storage.Driver))

	tasks := tasksvc.NewService(repo, log)

	// 4. Event bus: NATS when configured, in-memory otherwise
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 5. Worker pool and execution session pool
	workers := pool.NewWorkerPool(cfg.Executor.Workers, cfg.Executor.QueueSize, log)
	sessions := session.NewPool(session.Config{
		MaxSessions:      cfg.Executor.MaxSessions,
		AgentCommand:     cfg.Agent.Command,
		ExtraArgs:        cfg.Agent.ExtraArgs,
		Env:              cfg.Agent.Env,
		ProgressInterval: cfg.Agent.ProgressFlushDuration(),
	}, routing.NewKeywordRouter(), log)

	// 6. Executor service on the unix socket
	executor := service.New(cfg.Executor, tasks, workers, sessions, eventBus, log)
	if err := executor.Start(); err != nil {
		log.Fatal("Failed to start executor service", zap.Error(err))
	}

	// 7. Optional websocket streaming gateway
	var gateway *streaming.Gateway
	if cfg.Streaming.Enabled {
		gateway, err = streaming.NewGateway(cfg.Streaming, eventBus, log)
		if err != nil {
			log.Fatal("Failed to initialize streaming gateway", zap.Error(err))
		}
		gateway.Start()
	}

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down executor service...")
	cancel()

	if gateway != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := gateway.Stop(shutdownCtx); err != nil {
			log.Error("Streaming gateway shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}

	// Workers finish their current jobs; agent processes are not killed.
	executor.Stop()

	log.Info("Executor service stopped")
}

// openRepository builds the configured task repository.
func openRepository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return repository.NewMemoryRepository(), nil
	case "sqlite":
		return repository.NewSQLiteRepository(cfg.Storage.Path)
	case "postgres":
		return repository.NewPostgresRepository(ctx, cfg.Storage.DSN(), cfg.Storage.MaxConns, cfg.Storage.MinConns)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
