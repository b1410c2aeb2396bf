package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, ec *ExecutionContext) (interface{}, error) {
	return nil, nil
}

func names(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name()
	}
	return out
}

func TestGraph_Step(t *testing.T) {
	t.Run("same name resolves to one node", func(t *testing.T) {
		g := NewGraph()
		a1 := g.Step("a", noop)
		a2 := g.Step("a", noop)
		require.NoError(t, g.Err())
		assert.Equal(t, a1.ID(), a2.ID())
		assert.Equal(t, 1, g.Len())
		assert.Equal(t, domain.StepTypeNone, a1.Op())
	})

	t.Run("invalid names", func(t *testing.T) {
		for _, name := range []string{"", "sequential#3"} {
			g := NewGraph()
			s := g.Step(name, noop)
			assert.True(t, s.IsZero())
			assert.ErrorIs(t, g.Err(), domain.ErrInvalidGraph)
		}
	})

	t.Run("nil body refers to a registered callable", func(t *testing.T) {
		g := NewGraph()
		s := g.Step("a", nil, WithCallable("probe"))
		require.NoError(t, g.Err())
		assert.Equal(t, "probe", g.nodes[s.id].callableRef)
		assert.Nil(t, g.nodes[s.id].fn)
	})
}

func TestGraph_Sequential(t *testing.T) {
	t.Run("leaf is wrapped in a sequential join", func(t *testing.T) {
		g := NewGraph()
		a := g.Step("a", noop)
		b := g.Step("b", noop)

		head := g.Sequential(a, b)
		require.NoError(t, g.Err())
		assert.Equal(t, b.ID(), head.ID())

		preds := b.Predecessors()
		require.Len(t, preds, 1)
		assert.Equal(t, domain.StepTypeSequential, preds[0].Op())
		assert.Equal(t, []string{"a"}, names(preds[0].Predecessors()))
		assert.Equal(t, 3, g.Len())
	})

	t.Run("wrapper is shared", func(t *testing.T) {
		g := NewGraph()
		a := g.Step("a", noop)
		b := g.Step("b", noop)
		c := g.Step("c", noop)

		g.Sequential(a, b)
		g.Sequential(a, c)
		require.NoError(t, g.Err())
		assert.Equal(t, b.Predecessors()[0].ID(), c.Predecessors()[0].ID())
		assert.Equal(t, 4, g.Len())
	})

	t.Run("variadic chain", func(t *testing.T) {
		g := NewGraph()
		a, b, c := g.Step("a", noop), g.Step("b", noop), g.Step("c", noop)

		root := a.Then(b).Then(c)
		require.NoError(t, g.Err())

		order, err := g.Sort(root)
		require.NoError(t, err)
		assert.Len(t, order, 5)
		assert.Equal(t, "a", order[0].Name())
		assert.Equal(t, "c", order[len(order)-1].Name())
	})

	t.Run("parallel blocks share nodes", func(t *testing.T) {
		g := NewGraph()
		a, b := g.Step("a", noop), g.Step("b", noop)
		c, d := g.Step("c", noop), g.Step("d", noop)

		left := g.Parallel(a, b)
		right := g.Parallel(c, d)
		root := g.Sequential(left, right)
		require.NoError(t, g.Err())

		order, err := g.Sort(root)
		require.NoError(t, err)
		assert.Len(t, order, 6)
		assert.Equal(t, []Step{left}, c.Predecessors())
		assert.Equal(t, []Step{left}, d.Predecessors())
	})

	t.Run("cycle is rejected", func(t *testing.T) {
		g := NewGraph()
		a, b := g.Step("a", noop), g.Step("b", noop)

		g.Sequential(a, b)
		s := g.Sequential(b, a)
		assert.True(t, s.IsZero())
		assert.ErrorIs(t, g.Err(), domain.ErrCycle)

		_, err := g.Sort(a)
		assert.ErrorIs(t, err, domain.ErrCycle)
	})

	t.Run("operands from another graph", func(t *testing.T) {
		g := NewGraph()
		other := NewGraph()
		s := g.Sequential(g.Step("a", noop), other.Step("b", noop))
		assert.True(t, s.IsZero())
		assert.ErrorIs(t, g.Err(), domain.ErrInvalidGraph)
	})

	t.Run("zero operand", func(t *testing.T) {
		g := NewGraph()
		g.Sequential(g.Step("a", noop), Step{})
		assert.ErrorIs(t, g.Err(), domain.ErrInvalidGraph)
	})
}

func TestGraph_Parallel(t *testing.T) {
	t.Run("nested parallels are flattened", func(t *testing.T) {
		g := NewGraph()
		a, b, c := g.Step("a", noop), g.Step("b", noop), g.Step("c", noop)

		p := g.Parallel(g.Parallel(a, b), c)
		require.NoError(t, g.Err())
		assert.Equal(t, domain.StepTypeParallel, p.Op())
		assert.Equal(t, []string{"a", "b", "c"}, names(p.Children()))
		assert.Equal(t, []string{"a", "b", "c"}, names(p.Predecessors()))
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		g := NewGraph()
		a, b := g.Step("a", noop), g.Step("b", noop)

		p := g.Parallel(a, b, a)
		assert.Equal(t, []string{"a", "b"}, names(p.Children()))
		assert.Equal(t, p.ID(), g.Parallel(a, b).ID())
	})

	t.Run("single operand is returned as is", func(t *testing.T) {
		g := NewGraph()
		a := g.Step("a", noop)
		assert.Equal(t, a, g.Parallel(a))
	})

	t.Run("empty parallel", func(t *testing.T) {
		g := NewGraph()
		assert.True(t, g.Parallel().IsZero())
		assert.ErrorIs(t, g.Err(), domain.ErrInvalidGraph)
	})
}

func TestGraph_Conditional(t *testing.T) {
	t.Run("both branches", func(t *testing.T) {
		g := NewGraph()
		pred := g.Step("pred", noop)
		yes, no := g.Step("yes", noop), g.Step("no", noop)

		root := g.Conditional(pred, yes, no)
		require.NoError(t, g.Err())
		assert.Equal(t, domain.StepTypeParallel, root.Op())
		assert.Equal(t, []string{"yes", "no"}, names(root.Children()))

		yesGate := yes.Predecessors()
		require.Len(t, yesGate, 1)
		assert.Equal(t, domain.StepTypeCondTrue, yesGate[0].Op())
		assert.Equal(t, []Step{pred}, yesGate[0].Predecessors())

		noGate := no.Predecessors()
		require.Len(t, noGate, 1)
		assert.Equal(t, domain.StepTypeCondFalse, noGate[0].Op())
	})

	t.Run("single branch", func(t *testing.T) {
		g := NewGraph()
		pred := g.Step("pred", noop)
		yes := g.Step("yes", noop)

		root := g.Conditional(pred, yes, Step{})
		require.NoError(t, g.Err())
		assert.Equal(t, yes, root)

		order, err := g.Sort(root)
		require.NoError(t, err)
		assert.Len(t, order, 3)
	})

	t.Run("no branch", func(t *testing.T) {
		g := NewGraph()
		g.Conditional(g.Step("pred", noop), Step{}, Step{})
		assert.ErrorIs(t, g.Err(), domain.ErrInvalidGraph)
	})
}

func TestGraph_Dot(t *testing.T) {
	g := NewGraph()
	root := g.Sequential(g.Step("a", noop), g.Step("b", noop))

	dot, err := g.Dot(root)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dot, "digraph workflow {"))
	assert.Contains(t, dot, `label="a (none)"`)
	assert.Equal(t, 2, strings.Count(dot, "->"))
}
