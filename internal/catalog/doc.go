// Package catalog holds the callables shipped with the reference host and
// the incident triage workflow composed from them.
//
// Callables are bound to stable references. The host registers them at
// startup, so workflows persisted by an earlier process can still run.
package catalog
