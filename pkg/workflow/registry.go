package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dagflow/pkg/domain"
)

// StepFunc is the body of a leaf step. It must not touch the persisted
// graph; its return value becomes the step result.
type StepFunc func(ctx context.Context, ec *ExecutionContext) (interface{}, error)

// Registry maps stable callable references to step bodies. Callables are
// registered explicitly when a workflow is built and looked up by the
// executor when the step runs.
type Registry struct {
	mu     sync.RWMutex
	funcs  map[string]StepFunc
	owners map[string]owner
}

// owner is the graph leaf that bound a reference through a Builder.
// References bound with Register have no owner.
type owner struct {
	g  *Graph
	id StepID
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		funcs:  make(map[string]StepFunc),
		owners: make(map[string]owner),
	}
}

// Register binds ref to fn. Binding a reference twice is an error.
func (r *Registry) Register(ref string, fn StepFunc) error {
	if ref == "" {
		return fmt.Errorf("callable reference is required")
	}
	if fn == nil {
		return fmt.Errorf("callable %s is nil", ref)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[ref]; exists {
		return fmt.Errorf("%w: %s", domain.ErrCallableConflict, ref)
	}
	r.funcs[ref] = fn
	return nil
}

// bind registers the callables carried by the leaves of g, all or none.
// A reference may only be bound once: rebinding it from the same leaf is
// a no-op, anything else is a conflict. Leaves without a body must name a
// reference that is already bound, or bound by another leaf of the batch.
func (r *Registry) bind(g *Graph, leaves []*node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make(map[string]*node)
	for _, n := range leaves {
		if n.fn == nil {
			continue
		}
		ref := n.callableRef
		if prev, ok := pending[ref]; ok && prev.id != n.id {
			return fmt.Errorf("%w: %s is bound by steps %s and %s", domain.ErrCallableConflict, ref, prev.name, n.name)
		}
		if _, exists := r.funcs[ref]; exists && r.owners[ref] != (owner{g: g, id: n.id}) {
			return fmt.Errorf("%w: %s (step %s)", domain.ErrCallableConflict, ref, n.name)
		}
		pending[ref] = n
	}

	for _, n := range leaves {
		if n.fn != nil {
			continue
		}
		if _, ok := pending[n.callableRef]; ok {
			continue
		}
		if _, ok := r.funcs[n.callableRef]; !ok {
			return fmt.Errorf("%w: %s (step %s)", domain.ErrCallableNotFound, n.callableRef, n.name)
		}
	}

	for ref, n := range pending {
		if _, exists := r.funcs[ref]; exists {
			continue
		}
		r.funcs[ref] = n.fn
		r.owners[ref] = owner{g: g, id: n.id}
	}
	return nil
}

// MustRegister is Register for package-level catalogues; it panics on error
func (r *Registry) MustRegister(ref string, fn StepFunc) {
	if err := r.Register(ref, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the callable bound to ref
func (r *Registry) Lookup(ref string) (StepFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallableNotFound, ref)
	}
	return fn, nil
}

// Has reports whether ref is bound
func (r *Registry) Has(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.funcs[ref]
	return ok
}

// Refs returns the registered references in lexical order
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.funcs))
	for ref := range r.funcs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
