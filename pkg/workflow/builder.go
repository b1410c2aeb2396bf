package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/dagflow/pkg/codec"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Builder persists composed graphs as workflows
type Builder struct {
	store    ports.Store
	registry *Registry
	logger   *zap.Logger
}

// NewBuilder creates a builder that registers callables into registry
// and writes workflows to store
func NewBuilder(store ports.Store, registry *Registry, logger *zap.Logger) *Builder {
	return &Builder{
		store:    store,
		registry: registry,
		logger:   logger,
	}
}

// Build flattens the graph reachable from root into one workflow row and
// one step row per node, and persists them in a single store call.
// The callables of the graph are bound into the registry first; a
// reference already bound to another step body fails the build with
// domain.ErrCallableConflict.
func (b *Builder) Build(ctx context.Context, name, description string, root Step) (*domain.Workflow, error) {
	wf, steps, err := b.Plan(name, description, root)
	if err != nil {
		return nil, err
	}

	if err := b.registerCallables(root); err != nil {
		return nil, err
	}

	if err := b.store.CreateWorkflow(ctx, wf, steps); err != nil {
		return nil, &domain.PersistenceError{Op: "create workflow", Err: err}
	}

	b.logger.Info("workflow built",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("steps", len(steps)))

	return wf, nil
}

// Plan produces the rows Build would persist, without side effects
func (b *Builder) Plan(name, description string, root Step) (*domain.Workflow, []*domain.WorkflowStep, error) {
	if root.IsZero() {
		return nil, nil, fmt.Errorf("%w: root step is required", domain.ErrInvalidGraph)
	}
	g := root.g
	order, err := g.Sort(root)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sort graph: %w", err)
	}

	now := time.Now().UTC()
	wf := &domain.Workflow{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		State:       domain.WorkflowStatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	rowIDs := make(map[StepID]string, len(order))
	steps := make([]*domain.WorkflowStep, 0, len(order))
	for _, s := range order {
		n := g.nodes[s.id]
		rowIDs[n.id] = uuid.New().String()

		preds := make([]string, len(n.preds))
		for i, p := range n.preds {
			preds[i] = rowIDs[p]
		}

		var metadata []byte
		if len(n.metadata) > 0 {
			metadata, err = codec.Encode(n.metadata)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to encode metadata of %s: %w", n.name, err)
			}
		}

		steps = append(steps, &domain.WorkflowStep{
			ID:             rowIDs[n.id],
			Name:           n.name,
			CallableRef:    n.callableRef,
			StepType:       n.op,
			WorkflowID:     wf.ID,
			PredecessorIDs: preds,
			State:          domain.WorkflowStatePending,
			Metadata:       metadata,
			FailedReason:   domain.FailedReasonNone,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := Validate(wf.ID, steps); err != nil {
		return nil, nil, err
	}
	return wf, steps, nil
}

func (b *Builder) registerCallables(root Step) error {
	order, err := root.g.Sort(root)
	if err != nil {
		return err
	}
	leaves := make([]*node, 0, len(order))
	for _, s := range order {
		if n := root.g.nodes[s.id]; n.op == domain.StepTypeNone {
			leaves = append(leaves, n)
		}
	}
	return b.registry.bind(root.g, leaves)
}
