package ports

import "time"

// MetricsCollector records engine and host metrics
type MetricsCollector interface {
	RecordRunSubmitted(status string)
	RecordWorkflowRun(state string, duration time.Duration)
	RecordStepExecuted(stepType, state string, duration time.Duration)
	RecordStepSkipped(reason string)
	RecordRerun(invalidated int)
	SetActiveRuns(count int)
	RecordWorkerPoolStatus(idle, busy, stopped int)
}

// NopMetrics discards every measurement
type NopMetrics struct{}

func (NopMetrics) RecordRunSubmitted(string)                        {}
func (NopMetrics) RecordWorkflowRun(string, time.Duration)          {}
func (NopMetrics) RecordStepExecuted(string, string, time.Duration) {}
func (NopMetrics) RecordStepSkipped(string)                         {}
func (NopMetrics) RecordRerun(int)                                  {}
func (NopMetrics) SetActiveRuns(int)                                {}
func (NopMetrics) RecordWorkerPoolStatus(int, int, int)             {}
