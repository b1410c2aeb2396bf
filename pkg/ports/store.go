package ports

import (
	"context"

	"github.com/aescanero/dagflow/pkg/domain"
)

// Store is the persistence session for workflows and their steps.
// Each call is expected to be transactional on its own.
type Store interface {
	// CreateWorkflow persists a workflow and all of its steps at once.
	// Steps are stored in the given order, which ListSteps preserves.
	CreateWorkflow(ctx context.Context, wf *domain.Workflow, steps []*domain.WorkflowStep) error

	// GetWorkflow returns domain.ErrNotFound when the workflow is unknown.
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)

	ListWorkflows(ctx context.Context) ([]*domain.Workflow, error)

	UpdateWorkflowState(ctx context.Context, id string, state domain.WorkflowState) error

	DeleteWorkflow(ctx context.Context, id string) error

	// ListSteps returns the steps of a workflow in creation order.
	ListSteps(ctx context.Context, workflowID string) ([]*domain.WorkflowStep, error)

	// GetStep returns domain.ErrNotFound when the step is unknown.
	GetStep(ctx context.Context, id string) (*domain.WorkflowStep, error)

	// UpdateSteps writes the mutable fields of the given steps atomically.
	UpdateSteps(ctx context.Context, steps ...*domain.WorkflowStep) error
}
