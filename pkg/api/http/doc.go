// Package http provides the HTTP REST API of the dagflow host.
//
// The HTTP server exposes endpoints for:
//   - Listing, inspecting and deleting workflows
//   - Submitting and cancelling runs
//   - Rerunning steps and overriding step results
//   - Health checks and Prometheus metrics
//
// Workflows are composed in Go and persisted by the host; the API never
// accepts a graph definition.
package http
