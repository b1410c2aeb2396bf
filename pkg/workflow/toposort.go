package workflow

import (
	"fmt"

	"github.com/aescanero/dagflow/pkg/domain"
)

// TopoSort orders keys so that every predecessor precedes its successors.
// It is a depth-first, reverse-postorder traversal over predecessors run
// with an explicit stack, so long chains do not grow the goroutine stack.
// Keys reachable through preds but absent from keys are included too.
// Order between independent branches is unspecified.
func TopoSort[K comparable](keys []K, preds func(K) []K) ([]K, error) {
	const (
		unvisited = iota
		active
		done
	)

	type frame struct {
		key  K
		deps []K
		next int
	}

	state := make(map[K]int, len(keys))
	order := make([]K, 0, len(keys))

	for _, root := range keys {
		if state[root] != unvisited {
			continue
		}

		state[root] = active
		stack := []*frame{{key: root, deps: preds(root)}}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if top.next < len(top.deps) {
				dep := top.deps[top.next]
				top.next++
				switch state[dep] {
				case active:
					return nil, fmt.Errorf("%w: %v depends on itself", domain.ErrCycle, dep)
				case unvisited:
					state[dep] = active
					stack = append(stack, &frame{key: dep, deps: preds(dep)})
				}
				continue
			}

			state[top.key] = done
			order = append(order, top.key)
			stack = stack[:len(stack)-1]
		}
	}

	return order, nil
}

// Sort returns the nodes reachable from root in topological order
func (g *Graph) Sort(root Step) ([]Step, error) {
	if g.err != nil {
		return nil, g.err
	}
	if root.g != g {
		return nil, fmt.Errorf("%w: root belongs to another graph", domain.ErrInvalidGraph)
	}

	ids, err := TopoSort([]StepID{root.id}, func(id StepID) []StepID {
		return g.nodes[id].preds
	})
	if err != nil {
		return nil, err
	}
	return root.handles(ids), nil
}

// SortSteps orders persisted steps topologically by their predecessor ids
func SortSteps(steps []*domain.WorkflowStep) ([]*domain.WorkflowStep, error) {
	byID := make(map[string]*domain.WorkflowStep, len(steps))
	ids := make([]string, len(steps))
	for i, s := range steps {
		byID[s.ID] = s
		ids[i] = s.ID
	}

	var missing error
	order, err := TopoSort(ids, func(id string) []string {
		s, ok := byID[id]
		if !ok {
			if missing == nil {
				missing = fmt.Errorf("%w: unknown predecessor %s", domain.ErrInvalidGraph, id)
			}
			return nil
		}
		return s.PredecessorIDs
	})
	if err != nil {
		return nil, err
	}
	if missing != nil {
		return nil, missing
	}

	out := make([]*domain.WorkflowStep, len(order))
	for i, id := range order {
		out[i] = byID[id]
	}
	return out, nil
}
