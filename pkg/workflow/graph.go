package workflow

import (
	"fmt"
	"strings"

	"github.com/aescanero/dagflow/pkg/domain"
)

// StepID addresses a node inside its Graph arena
type StepID int

// Graph is the arena holding every node of one composition. It is not
// safe for concurrent use; compose on a single goroutine, then Build.
type Graph struct {
	nodes    []*node
	byName   map[string]StepID
	wrapped  map[StepID]StepID
	parallel map[string]StepID
	err      error
}

type node struct {
	id          StepID
	name        string
	callableRef string
	fn          StepFunc
	op          domain.StepType
	children    []StepID
	preds       []StepID
	metadata    map[string]interface{}
}

// Step is an immutable handle on a node of a Graph. The zero Step means
// "no step" where an optional operand is accepted.
type Step struct {
	g  *Graph
	id StepID
}

// StepOption customises a leaf step
type StepOption func(*node)

// WithCallable sets the registry key of the step's callable. It defaults
// to the step name. A step declared with a nil body and WithCallable runs
// a callable registered elsewhere, which lets several named steps share one.
func WithCallable(ref string) StepOption {
	return func(n *node) {
		n.callableRef = ref
	}
}

// WithMetadata attaches metadata handed to the callable at run time
func WithMetadata(metadata map[string]interface{}) StepOption {
	return func(n *node) {
		n.metadata = make(map[string]interface{}, len(metadata))
		for k, v := range metadata {
			n.metadata[k] = v
		}
	}
}

// NewGraph creates an empty arena
func NewGraph() *Graph {
	return &Graph{
		byName:   make(map[string]StepID),
		wrapped:  make(map[StepID]StepID),
		parallel: make(map[string]StepID),
	}
}

// Err returns the first composition error recorded on the graph
func (g *Graph) Err() error {
	return g.err
}

// Len returns the number of nodes in the arena, reachable or not
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Step registers a leaf step. Registering a name twice returns the
// existing node, so every expression naming it shares one node. Names
// must not contain '#', which is reserved for synthetic nodes. A nil fn
// refers to a callable already present in the registry at build time.
func (g *Graph) Step(name string, fn StepFunc, opts ...StepOption) Step {
	if name == "" || strings.Contains(name, "#") {
		g.fail(fmt.Errorf("%w: invalid step name %q", domain.ErrInvalidGraph, name))
		return Step{}
	}
	if id, ok := g.byName[name]; ok {
		return Step{g: g, id: id}
	}
	n := g.add(domain.StepTypeNone, name)
	n.fn = fn
	n.callableRef = name
	for _, opt := range opts {
		opt(n)
	}
	return Step{g: g, id: n.id}
}

// Sequential composes steps left to right: every step runs after the
// previous expression has finished. The handle of the last operand is
// returned.
func (g *Graph) Sequential(left, right Step, rest ...Step) Step {
	head := g.sequential(left, right)
	for _, next := range rest {
		head = g.sequential(head, next)
	}
	return head
}

// Parallel composes independent steps into one fan-out join. Nested
// parallel operands are flattened into a single join.
func (g *Graph) Parallel(steps ...Step) Step {
	var children []StepID
	seen := make(map[StepID]bool)
	for _, s := range steps {
		if !g.owns(s) {
			return Step{}
		}
		ids := []StepID{s.id}
		if n := g.nodes[s.id]; n.op == domain.StepTypeParallel {
			ids = n.children
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				children = append(children, id)
			}
		}
	}

	switch len(children) {
	case 0:
		g.fail(fmt.Errorf("%w: parallel needs at least one step", domain.ErrInvalidGraph))
		return Step{}
	case 1:
		return Step{g: g, id: children[0]}
	}

	key := fmt.Sprint(children)
	if id, ok := g.parallel[key]; ok {
		return Step{g: g, id: id}
	}

	n := g.add(domain.StepTypeParallel, "")
	g.parallel[key] = n.id
	n.children = children
	n.preds = append([]StepID(nil), children...)
	return Step{g: g, id: n.id}
}

// Conditional runs onTrue when pred yields true and onFalse when it
// yields false. Either branch may be the zero Step, but not both. The
// branch that does not match ends up skipped.
func (g *Graph) Conditional(pred, onTrue, onFalse Step) Step {
	if !g.owns(pred) {
		return Step{}
	}
	if onTrue.IsZero() && onFalse.IsZero() {
		g.fail(fmt.Errorf("%w: conditional needs at least one branch", domain.ErrInvalidGraph))
		return Step{}
	}

	var branches []Step
	if !onTrue.IsZero() {
		gate := g.gate(domain.StepTypeCondTrue, pred)
		branches = append(branches, g.sequential(gate, onTrue))
	}
	if !onFalse.IsZero() {
		gate := g.gate(domain.StepTypeCondFalse, pred)
		branches = append(branches, g.sequential(gate, onFalse))
	}
	return g.Parallel(branches...)
}

func (g *Graph) sequential(left, right Step) Step {
	if !g.owns(left) || !g.owns(right) {
		return Step{}
	}

	wrap := g.wrap(left)
	for _, entry := range g.entries(right.id) {
		if entry == wrap {
			continue
		}
		if g.dependsOn(wrap, entry) {
			g.fail(fmt.Errorf("%w: %s cannot run after %s", domain.ErrCycle,
				g.nodes[entry].name, g.nodes[left.id].name))
			return Step{}
		}
		n := g.nodes[entry]
		if !containsID(n.preds, wrap) {
			n.preds = append(n.preds, wrap)
		}
	}
	return right
}

// wrap returns the node standing for "left has finished". Leaves get a
// memoised sequential join; composed expressions stand for themselves.
func (g *Graph) wrap(left Step) StepID {
	if g.nodes[left.id].op != domain.StepTypeNone {
		return left.id
	}
	if id, ok := g.wrapped[left.id]; ok {
		return id
	}
	n := g.add(domain.StepTypeSequential, "")
	n.children = []StepID{left.id}
	n.preds = []StepID{left.id}
	g.wrapped[left.id] = n.id
	return n.id
}

func (g *Graph) gate(op domain.StepType, pred Step) Step {
	n := g.add(op, "")
	n.preds = []StepID{pred.id}
	return Step{g: g, id: n.id}
}

// entries returns the source nodes of the expression headed by id, in
// discovery order: leaves and gates without predecessors.
func (g *Graph) entries(id StepID) []StepID {
	var out []StepID
	visited := make(map[StepID]bool)
	stack := []StepID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		n := g.nodes[cur]
		if !n.op.IsJoin() && len(n.preds) == 0 {
			out = append(out, cur)
			continue
		}
		for i := len(n.preds) - 1; i >= 0; i-- {
			stack = append(stack, n.preds[i])
		}
	}
	return out
}

// dependsOn reports whether target is from or one of its ancestors
func (g *Graph) dependsOn(from, target StepID) bool {
	visited := make(map[StepID]bool)
	stack := []StepID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		stack = append(stack, g.nodes[cur].preds...)
	}
	return false
}

func (g *Graph) add(op domain.StepType, name string) *node {
	id := StepID(len(g.nodes))
	synthetic := name == ""
	if synthetic {
		name = fmt.Sprintf("%s#%d", op, id)
	}
	n := &node{id: id, name: name, op: op}
	g.nodes = append(g.nodes, n)
	if !synthetic {
		g.byName[name] = id
	}
	return n
}

func (g *Graph) owns(s Step) bool {
	if g.err != nil {
		return false
	}
	if s.g != g {
		if s.IsZero() {
			g.fail(fmt.Errorf("%w: missing step operand", domain.ErrInvalidGraph))
		} else {
			g.fail(fmt.Errorf("%w: step belongs to another graph", domain.ErrInvalidGraph))
		}
		return false
	}
	return true
}

func (g *Graph) fail(err error) {
	if g.err == nil {
		g.err = err
	}
}

func containsID(ids []StepID, id StepID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// IsZero reports whether s is the "no step" handle
func (s Step) IsZero() bool {
	return s.g == nil
}

// ID returns the arena address of the step
func (s Step) ID() StepID {
	return s.id
}

// Name returns the stable name of the step
func (s Step) Name() string {
	if s.IsZero() {
		return ""
	}
	return s.g.nodes[s.id].name
}

// Op returns the composition operator of the step
func (s Step) Op() domain.StepType {
	if s.IsZero() {
		return ""
	}
	return s.g.nodes[s.id].op
}

// Predecessors returns the steps this step waits for, in declaration order
func (s Step) Predecessors() []Step {
	if s.IsZero() {
		return nil
	}
	return s.handles(s.g.nodes[s.id].preds)
}

// Children returns the operands of a join step
func (s Step) Children() []Step {
	if s.IsZero() {
		return nil
	}
	return s.handles(s.g.nodes[s.id].children)
}

// Then is shorthand for Sequential(s, next)
func (s Step) Then(next Step) Step {
	if s.IsZero() {
		return Step{}
	}
	return s.g.Sequential(s, next)
}

func (s Step) handles(ids []StepID) []Step {
	out := make([]Step, len(ids))
	for i, id := range ids {
		out[i] = Step{g: s.g, id: id}
	}
	return out
}

func (s Step) String() string {
	if s.IsZero() {
		return "Step(<nil>)"
	}
	return fmt.Sprintf("Step(%s)", s.Name())
}
