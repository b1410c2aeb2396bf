package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"go.uber.org/zap"
)

// Runner executes one run request
type Runner interface {
	Execute(ctx context.Context, event domain.Event) error
}

// Pool manages a pool of worker goroutines fed with run requests
// from domain.TopicRuns
type Pool struct {
	size     int
	eventBus ports.EventBus
	runner   Runner
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	health   *HealthMonitor

	jobs    chan domain.Event
	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool
func NewPool(
	size int,
	eventBus ports.EventBus,
	runner Runner,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		size:     size,
		eventBus: eventBus,
		runner:   runner,
		metrics:  metrics,
		logger:   logger,
		jobs:     make(chan domain.Event),
		workers:  make([]*worker, size),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := range pool.workers {
		pool.workers[i] = &worker{
			id:     fmt.Sprintf("worker-%d", i),
			pool:   pool,
			status: WorkerStatusStopped,
		}
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start starts the workers and subscribes to run requests
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for _, w := range p.workers {
		w.setStatus(WorkerStatusIdle)
		p.wg.Add(1)
		go w.run(p.ctx)
	}

	if err := p.eventBus.Subscribe(p.ctx, domain.TopicRuns, p.enqueue); err != nil {
		p.cancel()
		p.wg.Wait()
		return fmt.Errorf("failed to subscribe to run requests: %w", err)
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// enqueue hands a run request to the next free worker. It blocks while
// every worker is busy, which pushes back on the event bus.
func (p *Pool) enqueue(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventTypeRunRequested {
		return nil
	}
	select {
	case p.jobs <- event:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool stopped before accepting run of %s", event.WorkflowID)
	}
}

// Shutdown gracefully shuts down the worker pool. In-flight runs are
// cancelled and left resumable.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()

	// Cancel context to signal workers to stop
	p.cancel()

	// Wait for all workers to finish with timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.metrics.RecordWorkerPoolStatus(0, 0, p.size)
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus, len(p.workers))
	for _, w := range p.workers {
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// Health returns the health monitor of the pool
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.setStatus(WorkerStatusStopped)
			w.pool.logger.Debug("worker stopped", zap.String("worker_id", w.id))
			return
		case event := <-w.pool.jobs:
			w.handleRun(ctx, event)
		}
	}
}

// handleRun executes a run request on the pool context
func (w *worker) handleRun(ctx context.Context, event domain.Event) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.lastJob = time.Now()
	w.mu.Unlock()
	w.pool.reportStatus()

	defer func() {
		w.setStatus(WorkerStatusIdle)
		w.pool.reportStatus()
	}()

	w.pool.logger.Info("executing run request",
		zap.String("worker_id", w.id),
		zap.String("workflow_id", event.WorkflowID),
		zap.String("request_id", event.ID))

	if err := w.pool.runner.Execute(ctx, event); err != nil {
		w.pool.logger.Warn("run request did not complete",
			zap.String("worker_id", w.id),
			zap.String("workflow_id", event.WorkflowID),
			zap.Error(err))
	}
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

// reportStatus pushes the current worker counts to the metrics collector
func (p *Pool) reportStatus() {
	status := p.health.GetStatus()
	p.metrics.RecordWorkerPoolStatus(status.IdleWorkers, status.BusyWorkers, status.StoppedWorkers)
}
