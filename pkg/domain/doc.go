// Package domain defines the persisted model of a workflow run.
//
// A Workflow owns a set of WorkflowStep rows. Steps reference their
// predecessors by id, in declaration order, and only within the same
// workflow. Result and metadata are opaque blobs produced by the codec
// package.
package domain
