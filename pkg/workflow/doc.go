// Package workflow composes, persists, executes and partially re-executes
// directed acyclic graphs of steps.
//
// Graphs are composed in memory on a Graph arena:
//
//	g := workflow.NewGraph()
//	fetch := g.Step("fetch", fetchFn)
//	cpu := g.Step("cpu", cpuFn)
//	mem := g.Step("mem", memFn)
//	report := g.Step("report", reportFn)
//	root := g.Sequential(fetch, g.Parallel(cpu, mem), report)
//
// A Builder persists the composed graph once as a domain.Workflow with one
// domain.WorkflowStep per node. An Executor then drives the persisted graph
// to completion, and MarkRerun re-opens a step and its transitive
// dependents so that a later Run recomputes only that subgraph.
package workflow
