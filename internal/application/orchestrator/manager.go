package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/aescanero/dagflow/pkg/workflow"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run request outcomes recorded on the submitted-runs metric
const (
	SubmitStatusAccepted = "accepted"
	SubmitStatusRejected = "rejected"
)

// Manager coordinates workflow runs on behalf of the host. Runs are
// requested on the event bus and executed by whoever consumes
// domain.TopicRuns, normally the worker pool.
type Manager struct {
	executor *workflow.Executor
	store    ports.Store
	eventBus ports.EventBus
	metrics  ports.MetricsCollector
	logger   *zap.Logger

	// Track active executions
	executions sync.Map // map[string]*execution

	runTimeout time.Duration
}

// execution holds the cancel handle of one in-flight run
type execution struct {
	workflowID string
	requestID  string
	startedAt  time.Time
	cancel     context.CancelFunc
}

// Status is a snapshot of a workflow and its steps
type Status struct {
	Workflow *domain.Workflow      `json:"workflow"`
	Steps    []*domain.WorkflowStep `json:"steps"`
	Running  bool                  `json:"running"`
}

// NewManager creates a new orchestrator manager. A zero runTimeout
// lets runs go on until cancelled.
func NewManager(
	executor *workflow.Executor,
	store ports.Store,
	eventBus ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	runTimeout time.Duration,
) *Manager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Manager{
		executor:   executor,
		store:      store,
		eventBus:   eventBus,
		metrics:    metrics,
		logger:     logger,
		runTimeout: runTimeout,
	}
}

// SubmitRun requests a run of an existing workflow and returns the
// request ID. The run itself happens asynchronously.
func (m *Manager) SubmitRun(ctx context.Context, workflowID string, input map[string]interface{}) (string, error) {
	if _, err := m.store.GetWorkflow(ctx, workflowID); err != nil {
		m.metrics.RecordRunSubmitted(SubmitStatusRejected)
		return "", fmt.Errorf("failed to get workflow: %w", err)
	}
	if m.isActive(workflowID) {
		m.metrics.RecordRunSubmitted(SubmitStatusRejected)
		return "", fmt.Errorf("workflow %s: %w", workflowID, domain.ErrAlreadyRunning)
	}

	event := domain.Event{
		ID:         uuid.New().String(),
		Type:       domain.EventTypeRunRequested,
		WorkflowID: workflowID,
		Timestamp:  time.Now().UTC(),
		Data: map[string]interface{}{
			"input": input,
		},
	}
	if err := m.eventBus.Publish(ctx, domain.TopicRuns, event); err != nil {
		m.logger.Error("failed to publish run request",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		m.metrics.RecordRunSubmitted(SubmitStatusRejected)
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	m.metrics.RecordRunSubmitted(SubmitStatusAccepted)
	m.logger.Info("run submitted",
		zap.String("workflow_id", workflowID),
		zap.String("request_id", event.ID))
	return event.ID, nil
}

// Execute carries out one run request. It blocks until the run
// finishes, times out or is cancelled.
func (m *Manager) Execute(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventTypeRunRequested {
		return fmt.Errorf("unexpected event type: %s", event.Type)
	}
	if event.WorkflowID == "" {
		return fmt.Errorf("run request %s has no workflow id", event.ID)
	}

	runCtx, cancel := m.runContext(ctx)
	defer cancel()

	exec := &execution{
		workflowID: event.WorkflowID,
		requestID:  event.ID,
		startedAt:  time.Now(),
		cancel:     cancel,
	}
	if _, loaded := m.executions.LoadOrStore(event.WorkflowID, exec); loaded {
		return fmt.Errorf("workflow %s: %w", event.WorkflowID, domain.ErrAlreadyRunning)
	}
	defer m.executions.Delete(event.WorkflowID)

	wf, err := m.executor.Run(runCtx, event.WorkflowID, inputOf(event))
	switch {
	case err == nil:
		m.logger.Info("run finished",
			zap.String("workflow_id", wf.ID),
			zap.String("state", string(wf.State)),
			zap.Duration("duration", time.Since(exec.startedAt)))
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		m.logger.Warn("workflow run timed out",
			zap.String("workflow_id", event.WorkflowID),
			zap.Duration("timeout", m.runTimeout))
	case errors.Is(err, context.Canceled):
		m.logger.Info("workflow run cancelled",
			zap.String("workflow_id", event.WorkflowID))
	default:
		m.logger.Error("workflow run failed",
			zap.String("workflow_id", event.WorkflowID),
			zap.Error(err))
	}
	return err
}

func (m *Manager) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.runTimeout > 0 {
		return context.WithTimeout(ctx, m.runTimeout)
	}
	return context.WithCancel(ctx)
}

// GetStatus retrieves a workflow with its steps
func (m *Manager) GetStatus(ctx context.Context, workflowID string) (*Status, error) {
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	steps, err := m.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return &Status{
		Workflow: wf,
		Steps:    steps,
		Running:  m.isActive(workflowID),
	}, nil
}

// ListWorkflows returns every persisted workflow
func (m *Manager) ListWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	workflows, err := m.store.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return workflows, nil
}

// DeleteWorkflow removes a workflow that is not running
func (m *Manager) DeleteWorkflow(ctx context.Context, workflowID string) error {
	if m.isActive(workflowID) {
		return fmt.Errorf("workflow %s: %w", workflowID, domain.ErrAlreadyRunning)
	}
	if err := m.store.DeleteWorkflow(ctx, workflowID); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	m.logger.Info("workflow deleted", zap.String("workflow_id", workflowID))
	return nil
}

// CancelRun cancels the in-flight run of a workflow. The executor leaves
// the workflow PENDING, so a later run resumes where this one stopped.
func (m *Manager) CancelRun(ctx context.Context, workflowID string) error {
	val, ok := m.executions.Load(workflowID)
	if !ok {
		return fmt.Errorf("no active run for workflow %s: %w", workflowID, domain.ErrNotFound)
	}

	exec := val.(*execution)
	exec.cancel()

	m.logger.Info("workflow run cancelled",
		zap.String("workflow_id", workflowID),
		zap.String("request_id", exec.requestID))
	return nil
}

// Rerun resets a finished step and its dependents, then submits a new
// run of the owning workflow.
func (m *Manager) Rerun(ctx context.Context, stepID string, input map[string]interface{}) ([]*domain.WorkflowStep, error) {
	reset, err := m.executor.MarkRerun(ctx, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark rerun: %w", err)
	}
	if _, err := m.SubmitRun(ctx, reset[0].WorkflowID, input); err != nil {
		return reset, err
	}
	return reset, nil
}

// OverrideResult replaces the result of a completed step and resets its
// dependents. Nothing runs until the next SubmitRun.
func (m *Manager) OverrideResult(ctx context.Context, stepID string, value interface{}) ([]*domain.WorkflowStep, error) {
	reset, err := m.executor.OverrideResult(ctx, stepID, value)
	if err != nil {
		return nil, fmt.Errorf("failed to override result: %w", err)
	}
	return reset, nil
}

// StepResult returns the decoded result of a completed step by name
func (m *Manager) StepResult(ctx context.Context, workflowID, name string) (interface{}, error) {
	return m.executor.StepResult(ctx, workflowID, name)
}

func (m *Manager) isActive(workflowID string) bool {
	_, ok := m.executions.Load(workflowID)
	return ok || m.executor.IsRunning(workflowID)
}

// Shutdown cancels every active run
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")

	m.executions.Range(func(key, value interface{}) bool {
		value.(*execution).cancel()
		return true
	})

	m.logger.Info("orchestrator manager shut down complete")
	return nil
}

func inputOf(event domain.Event) map[string]interface{} {
	input, _ := event.Data["input"].(map[string]interface{})
	return input
}
