package domain

import "time"

// WorkflowState is the lifecycle state shared by workflows and steps
type WorkflowState string

const (
	WorkflowStatePending   WorkflowState = "pending"
	WorkflowStateRunning   WorkflowState = "running"
	WorkflowStateCompleted WorkflowState = "completed"
	WorkflowStateFailed    WorkflowState = "failed"
	WorkflowStateSkipped   WorkflowState = "skipped"
)

// Finished reports whether the state is terminal for a single run
func (s WorkflowState) Finished() bool {
	return s == WorkflowStateCompleted || s == WorkflowStateFailed || s == WorkflowStateSkipped
}

// StepType mirrors the composition operator of the step node
type StepType string

const (
	StepTypeNone       StepType = "none"
	StepTypeSequential StepType = "sequential"
	StepTypeParallel   StepType = "parallel"
	StepTypeCondTrue   StepType = "cond_true"
	StepTypeCondFalse  StepType = "cond_false"
)

// IsJoin reports whether the step type is a synthetic join without a callable
func (t StepType) IsJoin() bool {
	return t == StepTypeSequential || t == StepTypeParallel
}

// IsGate reports whether the step type is a conditional branch gate
func (t StepType) IsGate() bool {
	return t == StepTypeCondTrue || t == StepTypeCondFalse
}

// Valid reports whether t is a known step type
func (t StepType) Valid() bool {
	switch t {
	case StepTypeNone, StepTypeSequential, StepTypeParallel, StepTypeCondTrue, StepTypeCondFalse:
		return true
	}
	return false
}

// FailedReason explains why a step did not complete
type FailedReason string

const (
	FailedReasonNone           FailedReason = "none"
	FailedReasonPrevStepFailed FailedReason = "prev_step_failed"
	FailedReasonRuntimeError   FailedReason = "runtime_error"
)

// Workflow is one persisted instantiation of a composed graph
type Workflow struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	State       WorkflowState `json:"state"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Clone returns a copy of the workflow
func (w *Workflow) Clone() *Workflow {
	c := *w
	return &c
}

// WorkflowStep is one persisted node of a workflow
type WorkflowStep struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	CallableRef    string        `json:"callable_ref,omitempty"`
	StepType       StepType      `json:"step_type"`
	WorkflowID     string        `json:"workflow_id"`
	PredecessorIDs []string      `json:"predecessor_ids"`
	State          WorkflowState `json:"state"`
	Result         []byte        `json:"result,omitempty"`
	Metadata       []byte        `json:"metadata,omitempty"`
	Error          string        `json:"error,omitempty"`
	FailedReason   FailedReason  `json:"failed_reason"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Finished reports whether the step reached a terminal state
func (s *WorkflowStep) Finished() bool {
	return s.State.Finished()
}

// PropagatesFailure reports whether descendants of this step must be skipped
// as a consequence of an upstream failure
func (s *WorkflowStep) PropagatesFailure() bool {
	if s.State == WorkflowStateFailed {
		return true
	}
	return s.State == WorkflowStateSkipped && s.FailedReason == FailedReasonPrevStepFailed
}

// Reset returns the step to a re-runnable state, dropping any outcome
func (s *WorkflowStep) Reset(now time.Time) {
	s.State = WorkflowStatePending
	s.Result = nil
	s.Error = ""
	s.FailedReason = FailedReasonNone
	s.UpdatedAt = now
}

// Clone returns a deep copy of the step
func (s *WorkflowStep) Clone() *WorkflowStep {
	c := *s
	c.PredecessorIDs = append([]string(nil), s.PredecessorIDs...)
	if s.Result != nil {
		c.Result = append([]byte(nil), s.Result...)
	}
	if s.Metadata != nil {
		c.Metadata = append([]byte(nil), s.Metadata...)
	}
	return &c
}
