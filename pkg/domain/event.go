package domain

import "time"

// EventType identifies a lifecycle event
type EventType string

const (
	EventTypeRunRequested      EventType = "workflow.run_requested"
	EventTypeWorkflowStarted   EventType = "workflow.started"
	EventTypeWorkflowCompleted EventType = "workflow.completed"
	EventTypeWorkflowFailed    EventType = "workflow.failed"
	EventTypeWorkflowRerun     EventType = "workflow.rerun"
	EventTypeStepStarted       EventType = "step.started"
	EventTypeStepCompleted     EventType = "step.completed"
	EventTypeStepFailed        EventType = "step.failed"
	EventTypeStepSkipped       EventType = "step.skipped"
)

// Event topics
const (
	TopicRuns     = "workflow.runs"
	TopicWorkflow = "workflow.events"
	TopicSteps    = "step.events"
)

// Event is a lifecycle notification about a workflow or one of its steps
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	WorkflowID string                 `json:"workflow_id"`
	StepID     string                 `json:"step_id,omitempty"`
	StepName   string                 `json:"step_name,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}
