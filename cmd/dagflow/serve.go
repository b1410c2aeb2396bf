package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/dagflow/internal/application/orchestrator"
	"github.com/aescanero/dagflow/internal/application/workers"
	"github.com/aescanero/dagflow/internal/catalog"
	"github.com/aescanero/dagflow/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/dagflow/pkg/api/grpc"
	"github.com/aescanero/dagflow/pkg/api/http"
	"github.com/aescanero/dagflow/pkg/api/websocket"
	"github.com/aescanero/dagflow/pkg/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(a *app) *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow host",
		Long: `Run the workflow host: the worker pool consuming run requests, the
REST API with its WebSocket event stream, and the gRPC health service.

Runs left unfinished by a previous process resume on their next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), seed)
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "persist an incident triage workflow at startup")
	return cmd
}

func (a *app) serve(ctx context.Context, seed bool) error {
	cfg, logger := a.cfg, a.logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting dagflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.migrate(ctx); err != nil {
		return err
	}

	registry := workflow.NewRegistry()
	if err := catalog.Register(registry); err != nil {
		return fmt.Errorf("failed to register callables: %w", err)
	}

	metricsCollector := prometheus.NewCollector()

	executor := workflow.NewExecutor(b.store, registry, logger,
		workflow.WithMetrics(metricsCollector),
		workflow.WithEventBus(b.bus),
		workflow.WithSuccessHook(catalog.ReportHook(logger)),
		workflow.WithMaxConcurrency(cfg.Executor.MaxConcurrency),
		workflow.WithStepTimeout(cfg.Timeouts.StepTimeout),
	)

	orchestratorMgr := orchestrator.NewManager(
		executor,
		b.store,
		b.bus,
		metricsCollector,
		logger,
		cfg.Timeouts.RunTimeout,
	)

	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		b.bus,
		orchestratorMgr,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)
	if err := workerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if seed {
		wf, err := catalog.SeedTriage(ctx, workflow.NewBuilder(b.store, registry, logger))
		if err != nil {
			return fmt.Errorf("failed to seed workflow: %w", err)
		}
		logger.Info("seeded workflow", zap.String("workflow_id", wf.ID))
	}

	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: orchestratorMgr,
		Health:       workerPool.Health(),
		Logger:       logger,
	})

	wsHandler := websocket.NewHandler(b.bus, logger)
	if err := wsHandler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event stream: %w", err)
	}
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:    cfg.GRPCPort,
		Checker: workerPool.Health(),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- httpServer.Start() }()
	go func() { errCh <- grpcServer.Start() }()

	logger.Info("dagflow started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case serveErr = <-errCh:
		logger.Error("server stopped unexpectedly", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := orchestratorMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	logger.Info("dagflow shut down complete")
	return serveErr
}
