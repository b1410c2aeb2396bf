// Package orchestrator implements the host-side coordination of workflow runs.
//
// The orchestrator manager:
//   - Accepts run requests and publishes them on the event bus
//   - Executes run requests handed to it by the worker pool
//   - Tracks in-flight runs so they can be cancelled or time out
//   - Exposes rerun, result override and status lookups to the API layer
//
// Graph validation and execution live in pkg/workflow; the manager only
// decides when and under which deadline a run happens.
package orchestrator
