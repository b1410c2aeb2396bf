// Package ports declares the collaborator interfaces consumed by the
// workflow engine and the host: persistence, event bus and metrics.
package ports
