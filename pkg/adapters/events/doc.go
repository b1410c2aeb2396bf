// Package events groups the ports.EventBus implementations.
//
// Implementations:
//   - memory: in-process fan-out, one goroutine per delivered event
//   - redis: Redis Streams with consumer groups
package events
