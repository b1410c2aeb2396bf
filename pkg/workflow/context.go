package workflow

import (
	"github.com/aescanero/dagflow/pkg/codec"
)

// ExecutionContext is handed to a step callable. It is scoped to one
// invocation: callables may read it freely, but changes are discarded.
type ExecutionContext struct {
	WorkflowID string
	StepID     string
	StepName   string

	// Input is the host-supplied bag, set once per run
	Input map[string]interface{}

	// Results holds the results of every completed step by stable name
	Results map[string]interface{}

	// StepResults holds the results of the immediate predecessors, in
	// declaration order, with synthetic joins expanded into their inputs
	StepResults []interface{}

	// Metadata is the metadata attached to the step when it was composed
	Metadata map[string]interface{}
}

// Result returns the result of a completed step by name
func (ec *ExecutionContext) Result(name string) (interface{}, bool) {
	v, ok := ec.Results[name]
	return v, ok
}

// PrevResult returns the single predecessor result, or nil when the step
// has zero or several inputs
func (ec *ExecutionContext) PrevResult() interface{} {
	if len(ec.StepResults) != 1 {
		return nil
	}
	return ec.StepResults[0]
}

// ResultAs converts a decoded result, e.g. a JSON number into an int
func ResultAs[T any](v interface{}) (T, error) {
	return codec.Convert[T](v)
}
