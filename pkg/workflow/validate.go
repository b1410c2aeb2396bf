package workflow

import (
	"fmt"

	"github.com/aescanero/dagflow/pkg/domain"
)

// Validate checks that a persisted step set forms a well-formed graph for
// workflowID: unique ids and names, known step types, predecessors inside
// the same workflow, operator arity, and no cycles.
func Validate(workflowID string, steps []*domain.WorkflowStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: workflow has no steps", domain.ErrInvalidGraph)
	}

	byID := make(map[string]*domain.WorkflowStep, len(steps))
	names := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step ID is required", domain.ErrInvalidGraph)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step ID %s", domain.ErrInvalidGraph, s.ID)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate step name %s", domain.ErrInvalidGraph, s.Name)
		}
		if s.WorkflowID != workflowID {
			return fmt.Errorf("%w: step %s belongs to workflow %s", domain.ErrInvalidGraph, s.Name, s.WorkflowID)
		}
		if !s.StepType.Valid() {
			return fmt.Errorf("%w: step %s has unknown type %q", domain.ErrInvalidGraph, s.Name, s.StepType)
		}
		byID[s.ID] = s
		names[s.Name] = true
	}

	for _, s := range steps {
		if err := validateStep(s, byID); err != nil {
			return err
		}
	}

	if _, err := SortSteps(steps); err != nil {
		return err
	}
	return nil
}

func validateStep(s *domain.WorkflowStep, byID map[string]*domain.WorkflowStep) error {
	for _, p := range s.PredecessorIDs {
		if p == s.ID {
			return fmt.Errorf("%w: step %s depends on itself", domain.ErrCycle, s.Name)
		}
		if _, ok := byID[p]; !ok {
			return fmt.Errorf("%w: step %s references unknown predecessor %s", domain.ErrInvalidGraph, s.Name, p)
		}
	}

	switch s.StepType {
	case domain.StepTypeSequential:
		if len(s.PredecessorIDs) != 1 {
			return fmt.Errorf("%w: sequential step %s must have exactly one predecessor", domain.ErrInvalidGraph, s.Name)
		}
	case domain.StepTypeParallel:
		if len(s.PredecessorIDs) == 0 {
			return fmt.Errorf("%w: parallel step %s has no predecessors", domain.ErrInvalidGraph, s.Name)
		}
	case domain.StepTypeCondTrue, domain.StepTypeCondFalse:
		if len(s.PredecessorIDs) != 1 {
			return fmt.Errorf("%w: gate %s must have exactly one predicate", domain.ErrInvalidGraph, s.Name)
		}
	case domain.StepTypeNone:
		if s.CallableRef == "" {
			return fmt.Errorf("%w: step %s has no callable reference", domain.ErrInvalidGraph, s.Name)
		}
	}
	return nil
}
