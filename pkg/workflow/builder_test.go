package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/aescanero/dagflow/pkg/adapters/storage/memory"
	"github.com/aescanero/dagflow/pkg/codec"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func rowsByName(steps []*domain.WorkflowStep) map[string]*domain.WorkflowStep {
	out := make(map[string]*domain.WorkflowStep, len(steps))
	for _, s := range steps {
		out[s.Name] = s
	}
	return out
}

func TestBuilder_Plan(t *testing.T) {
	g := NewGraph()
	f1 := g.Step("f1", noop)
	f2 := g.Step("f2", noop)
	f3 := g.Step("f3", noop)
	f4 := g.Step("f4", noop, WithMetadata(map[string]interface{}{"threshold": 80}))
	root := g.Sequential(f1, g.Parallel(f3, f2), f4)
	require.NoError(t, g.Err())

	b := NewBuilder(memory.NewInMemoryStore(), NewRegistry(), zaptest.NewLogger(t))
	wf, steps, err := b.Plan("scenario", "fan out and in", root)
	require.NoError(t, err)

	assert.Equal(t, domain.WorkflowStatePending, wf.State)
	assert.Len(t, steps, 6)

	seen := make(map[string]bool)
	for _, s := range steps {
		assert.Equal(t, wf.ID, s.WorkflowID)
		assert.Equal(t, domain.WorkflowStatePending, s.State)
		assert.Equal(t, domain.FailedReasonNone, s.FailedReason)
		for _, p := range s.PredecessorIDs {
			assert.True(t, seen[p], "predecessor of %s must be planned first", s.Name)
		}
		seen[s.ID] = true
	}

	rows := rowsByName(steps)
	assert.Equal(t, "f1", rows["f1"].CallableRef)
	assert.Empty(t, rows["f1"].PredecessorIDs)

	var join *domain.WorkflowStep
	for _, s := range steps {
		if s.StepType == domain.StepTypeParallel {
			join = s
		}
	}
	require.NotNil(t, join)
	assert.Equal(t, []string{rows["f3"].ID, rows["f2"].ID}, join.PredecessorIDs)
	assert.Equal(t, []string{join.ID}, rows["f4"].PredecessorIDs)
	assert.Empty(t, join.CallableRef)

	var metadata map[string]interface{}
	require.NoError(t, codec.DecodeInto(rows["f4"].Metadata, &metadata))
	assert.Equal(t, float64(80), metadata["threshold"])
	assert.Nil(t, rows["f1"].Metadata)
}

func TestBuilder_Build(t *testing.T) {
	ctx := context.Background()

	t.Run("persists rows and registers callables", func(t *testing.T) {
		store := memory.NewInMemoryStore()
		registry := NewRegistry()
		b := NewBuilder(store, registry, zaptest.NewLogger(t))

		g := NewGraph()
		disk := g.Step("disk", noop, WithCallable("probe"))
		cpu := g.Step("cpu", nil, WithCallable("probe"))
		root := g.Parallel(disk, cpu)

		wf, err := b.Build(ctx, "probes", "", root)
		require.NoError(t, err)

		steps, err := store.ListSteps(ctx, wf.ID)
		require.NoError(t, err)
		assert.Len(t, steps, 3)
		assert.Equal(t, []string{"probe"}, registry.Refs())

		rows := rowsByName(steps)
		assert.Equal(t, "probe", rows["disk"].CallableRef)
		assert.Equal(t, "probe", rows["cpu"].CallableRef)
	})

	t.Run("each build is a new workflow", func(t *testing.T) {
		store := memory.NewInMemoryStore()
		b := NewBuilder(store, NewRegistry(), zaptest.NewLogger(t))

		g := NewGraph()
		root := g.Step("only", noop)

		first, err := b.Build(ctx, "one", "", root)
		require.NoError(t, err)
		second, err := b.Build(ctx, "one", "", root)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)

		all, err := store.ListWorkflows(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("composition errors surface", func(t *testing.T) {
		b := NewBuilder(memory.NewInMemoryStore(), NewRegistry(), zaptest.NewLogger(t))

		g := NewGraph()
		a, c := g.Step("a", noop), g.Step("c", noop)
		g.Sequential(a, c)
		g.Sequential(c, a)

		_, err := b.Build(ctx, "cyclic", "", a)
		assert.ErrorIs(t, err, domain.ErrCycle)

		_, err = b.Build(ctx, "empty", "", Step{})
		assert.ErrorIs(t, err, domain.ErrInvalidGraph)
	})

	t.Run("store failure", func(t *testing.T) {
		store := &failingStore{Store: memory.NewInMemoryStore(), failCreate: true}
		b := NewBuilder(store, NewRegistry(), zaptest.NewLogger(t))

		g := NewGraph()
		_, err := b.Build(ctx, "broken", "", g.Step("a", noop))

		var perr *domain.PersistenceError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "create workflow", perr.Op)
	})
}

func TestBuilder_CallableBinding(t *testing.T) {
	ctx := context.Background()
	pipeline := func(src StepFunc) Step {
		g := NewGraph()
		return g.Sequential(g.Step("src", src), g.Step("out", sum))
	}

	t.Run("another graph cannot rebind a reference", func(t *testing.T) {
		e := newEngine(t)
		first := e.build(t, pipeline(constant(1)))

		_, err := e.builder.Build(ctx, "second", "", pipeline(constant(100)))
		assert.ErrorIs(t, err, domain.ErrCallableConflict)

		all, err := e.store.ListWorkflows(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		_, err = e.executor.Run(ctx, first.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, e.result(t, first.ID, "out"))
	})

	t.Run("one graph cannot bind a reference twice", func(t *testing.T) {
		e := newEngine(t)
		g := NewGraph()
		root := g.Parallel(
			g.Step("disk", constant(1), WithCallable("probe")),
			g.Step("cpu", constant(2), WithCallable("probe")),
		)

		_, err := e.builder.Build(ctx, "probes", "", root)
		assert.ErrorIs(t, err, domain.ErrCallableConflict)
		assert.Empty(t, e.builder.registry.Refs())
	})

	t.Run("registered callables cannot be shadowed", func(t *testing.T) {
		e := newEngine(t)
		require.NoError(t, e.builder.registry.Register("src", constant(7)))

		_, err := e.builder.Build(ctx, "shadow", "", pipeline(constant(1)))
		assert.ErrorIs(t, err, domain.ErrCallableConflict)
		assert.False(t, e.builder.registry.Has("out"))
	})

	t.Run("nil body uses the registered callable", func(t *testing.T) {
		e := newEngine(t)
		require.NoError(t, e.builder.registry.Register("double", func(ctx context.Context, ec *ExecutionContext) (interface{}, error) {
			n, err := ResultAs[int](ec.PrevResult())
			if err != nil {
				return nil, err
			}
			return 2 * n, nil
		}))

		g := NewGraph()
		wf := e.build(t, g.Sequential(g.Step("a", constant(21)), g.Step("twice", nil, WithCallable("double"))))

		final, err := e.executor.Run(ctx, wf.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkflowStateCompleted, final.State)
		assert.Equal(t, 42, e.result(t, wf.ID, "twice"))
	})

	t.Run("nil body without a registered callable", func(t *testing.T) {
		e := newEngine(t)
		g := NewGraph()

		_, err := e.builder.Build(ctx, "dangling", "", g.Step("a", nil, WithCallable("missing")))
		assert.ErrorIs(t, err, domain.ErrCallableNotFound)

		all, err := e.store.ListWorkflows(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", noop))

	assert.ErrorIs(t, r.Register("a", noop), domain.ErrCallableConflict)
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("b", nil))
	assert.Panics(t, func() { r.MustRegister("a", noop) })

	_, err := r.Lookup("a")
	assert.NoError(t, err)
	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, domain.ErrCallableNotFound)
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("missing"))
}

func TestValidate(t *testing.T) {
	leaf := func(id string, preds ...string) *domain.WorkflowStep {
		return &domain.WorkflowStep{ID: id, Name: id, CallableRef: id, StepType: domain.StepTypeNone,
			WorkflowID: "wf", PredecessorIDs: preds}
	}
	join := func(id string, op domain.StepType, preds ...string) *domain.WorkflowStep {
		return &domain.WorkflowStep{ID: id, Name: id, StepType: op, WorkflowID: "wf", PredecessorIDs: preds}
	}

	tests := []struct {
		name  string
		steps []*domain.WorkflowStep
		err   error
	}{
		{"valid", []*domain.WorkflowStep{leaf("a"), join("s", domain.StepTypeSequential, "a"), leaf("b", "s")}, nil},
		{"empty", nil, domain.ErrInvalidGraph},
		{"duplicate id", []*domain.WorkflowStep{leaf("a"), leaf("a")}, domain.ErrInvalidGraph},
		{"self dependency", []*domain.WorkflowStep{leaf("a", "a")}, domain.ErrCycle},
		{"unknown predecessor", []*domain.WorkflowStep{leaf("a", "x")}, domain.ErrInvalidGraph},
		{"sequential arity", []*domain.WorkflowStep{leaf("a"), leaf("b"), join("s", domain.StepTypeSequential, "a", "b")}, domain.ErrInvalidGraph},
		{"empty parallel", []*domain.WorkflowStep{join("p", domain.StepTypeParallel)}, domain.ErrInvalidGraph},
		{"gate arity", []*domain.WorkflowStep{join("g", domain.StepTypeCondTrue)}, domain.ErrInvalidGraph},
		{"unknown type", []*domain.WorkflowStep{join("x", domain.StepType("loop"))}, domain.ErrInvalidGraph},
		{"cycle", []*domain.WorkflowStep{leaf("a", "b"), leaf("b", "a")}, domain.ErrCycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate("wf", tt.steps)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("foreign workflow", func(t *testing.T) {
		s := leaf("a")
		s.WorkflowID = "other"
		assert.ErrorIs(t, Validate("wf", []*domain.WorkflowStep{s}), domain.ErrInvalidGraph)
	})
}

// failingStore wraps a store and fails selected writes
type failingStore struct {
	ports.Store
	failCreate  bool
	failUpdates bool
}

var errStoreDown = errors.New("store unavailable")

func (s *failingStore) CreateWorkflow(ctx context.Context, wf *domain.Workflow, steps []*domain.WorkflowStep) error {
	if s.failCreate {
		return errStoreDown
	}
	return s.Store.CreateWorkflow(ctx, wf, steps)
}

func (s *failingStore) UpdateSteps(ctx context.Context, steps ...*domain.WorkflowStep) error {
	if s.failUpdates {
		return errStoreDown
	}
	return s.Store.UpdateSteps(ctx, steps...)
}
