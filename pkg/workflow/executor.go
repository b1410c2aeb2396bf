package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/aescanero/dagflow/pkg/workflow"

// SuccessHook is invoked after a step result has been durably stored.
// Errors are logged and never fail the run.
type SuccessHook func(ctx context.Context, ec *ExecutionContext, result interface{}) error

// Executor drives persisted workflows to completion
type Executor struct {
	store    ports.Store
	registry *Registry
	logger   *zap.Logger
	metrics  ports.MetricsCollector
	events   ports.EventBus
	tracer   trace.Tracer
	hooks    []SuccessHook

	maxConcurrency int
	stepTimeout    time.Duration

	// workflows with an active run or rerun in this process
	active sync.Map
}

// Option configures an Executor
type Option func(*Executor)

// WithMetrics records run and step metrics on collector
func WithMetrics(collector ports.MetricsCollector) Option {
	return func(e *Executor) {
		e.metrics = collector
	}
}

// WithEventBus publishes lifecycle events on bus
func WithEventBus(bus ports.EventBus) Option {
	return func(e *Executor) {
		e.events = bus
	}
}

// WithSuccessHook adds a hook called after every successful leaf step
func WithSuccessHook(hook SuccessHook) Option {
	return func(e *Executor) {
		e.hooks = append(e.hooks, hook)
	}
}

// WithMaxConcurrency bounds the number of callables running at once.
// Zero means no limit.
func WithMaxConcurrency(n int) Option {
	return func(e *Executor) {
		e.maxConcurrency = n
	}
}

// WithStepTimeout sets a deadline on each callable invocation.
// Zero means no deadline.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.stepTimeout = d
	}
}

// WithTracer overrides the tracer taken from the global provider
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

// NewExecutor creates an executor reading callables from registry
func NewExecutor(store ports.Store, registry *Registry, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:    store,
		registry: registry,
		logger:   logger,
		metrics:  ports.NopMetrics{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsRunning reports whether the workflow has an active run in this executor
func (e *Executor) IsRunning(workflowID string) bool {
	_, ok := e.active.Load(workflowID)
	return ok
}

// Run executes every runnable step of the workflow until none is left and
// returns the workflow in its final state. Step failures are recorded on
// the graph and do not make Run return an error; persistence failures and
// context cancellation do.
func (e *Executor) Run(ctx context.Context, workflowID string, input map[string]interface{}) (*domain.Workflow, error) {
	if !e.claim(workflowID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyRunning, workflowID)
	}
	defer e.release(workflowID)

	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer span.End()

	r, err := e.load(ctx, workflowID, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	wf, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("workflow.state", string(wf.State)))
	return wf, nil
}

func (e *Executor) claim(workflowID string) bool {
	if _, loaded := e.active.LoadOrStore(workflowID, struct{}{}); loaded {
		return false
	}
	e.metrics.SetActiveRuns(e.activeCount())
	return true
}

func (e *Executor) release(workflowID string) {
	e.active.Delete(workflowID)
	e.metrics.SetActiveRuns(e.activeCount())
}

func (e *Executor) load(ctx context.Context, workflowID string, input map[string]interface{}) (*run, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("workflow %s: %w", workflowID, err)
		}
		return nil, &domain.PersistenceError{Op: "get workflow", Err: err}
	}

	steps, err := e.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list steps", Err: err}
	}
	if err := Validate(workflowID, steps); err != nil {
		return nil, err
	}
	ordered, err := SortSteps(steps)
	if err != nil {
		return nil, err
	}

	if input == nil {
		input = make(map[string]interface{})
	}

	r := &run{
		e:        e,
		wf:       wf,
		steps:    ordered,
		byID:     make(map[string]*domain.WorkflowStep, len(ordered)),
		succ:     successors(ordered),
		results:  make(map[string]interface{}),
		input:    input,
		storeCtx: context.WithoutCancel(ctx),
		logger:   e.logger.With(zap.String("workflow_id", workflowID)),
	}
	for _, s := range ordered {
		r.byID[s.ID] = s
		if s.State == domain.WorkflowStateCompleted {
			v, err := decodeResult(s)
			if err != nil {
				return nil, err
			}
			r.results[s.ID] = v
		}
	}
	return r, nil
}

// run holds the in-memory snapshot of one workflow run. Every mutation of
// the snapshot and every store write happens under mu.
type run struct {
	e        *Executor
	wf       *domain.Workflow
	steps    []*domain.WorkflowStep
	byID     map[string]*domain.WorkflowStep
	succ     map[string][]string
	results  map[string]interface{}
	input    map[string]interface{}
	storeCtx context.Context
	logger   *zap.Logger

	mu sync.Mutex
}

func (r *run) execute(ctx context.Context) (*domain.Workflow, error) {
	startTime := time.Now()

	if err := r.recoverInterrupted(); err != nil {
		return nil, err
	}
	if err := r.setWorkflowState(domain.WorkflowStateRunning); err != nil {
		return nil, err
	}
	r.publish(ctx, domain.TopicWorkflow, domain.EventTypeWorkflowStarted, nil, nil)
	r.logger.Info("workflow run started", zap.Int("steps", len(r.steps)))

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, r.interrupt(err)
		}

		runnable := r.runnable()
		if len(runnable) == 0 {
			break
		}
		r.logger.Debug("running round",
			zap.Int("round", round),
			zap.Int("runnable", len(runnable)))

		leaves, err := r.resolve(ctx, runnable)
		if err != nil {
			return nil, err
		}
		if err := r.dispatch(ctx, leaves); err != nil {
			return nil, err
		}
	}

	state := domain.WorkflowStateCompleted
	for _, s := range r.steps {
		if s.State == domain.WorkflowStateFailed {
			state = domain.WorkflowStateFailed
			break
		}
	}
	if err := r.setWorkflowState(state); err != nil {
		return nil, err
	}

	duration := time.Since(startTime)
	eventType := domain.EventTypeWorkflowCompleted
	if state == domain.WorkflowStateFailed {
		eventType = domain.EventTypeWorkflowFailed
	}
	r.publish(ctx, domain.TopicWorkflow, eventType, nil, map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	})
	r.e.metrics.RecordWorkflowRun(string(state), duration)
	r.logger.Info("workflow run finished",
		zap.String("state", string(state)),
		zap.Duration("duration", duration))

	return r.wf.Clone(), nil
}

// recoverInterrupted resets steps left running by a process that died
func (r *run) recoverInterrupted() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reset []*domain.WorkflowStep
	now := time.Now().UTC()
	for _, s := range r.steps {
		if s.State == domain.WorkflowStateRunning {
			s.Reset(now)
			reset = append(reset, s)
		}
	}
	if len(reset) == 0 {
		return nil
	}
	r.logger.Warn("resetting interrupted steps", zap.Int("count", len(reset)))
	return r.save("reset interrupted steps", reset...)
}

// interrupt leaves the workflow resumable after a cancelled run
func (r *run) interrupt(cause error) error {
	r.logger.Warn("workflow run interrupted", zap.Error(cause))
	if err := r.setWorkflowState(domain.WorkflowStatePending); err != nil {
		return err
	}
	return cause
}

// runnable returns pending steps whose predecessors have all finished,
// in topological order
func (r *run) runnable() []*domain.WorkflowStep {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.WorkflowStep
	for _, s := range r.steps {
		if s.State != domain.WorkflowStatePending {
			continue
		}
		ready := true
		for _, p := range s.PredecessorIDs {
			if !r.byID[p].Finished() {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// resolve applies every transition that needs no callable: skip and
// failure propagation, gates and joins. The remaining leaf steps are
// returned for dispatch.
func (r *run) resolve(ctx context.Context, runnable []*domain.WorkflowStep) ([]*domain.WorkflowStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		leaves  []*domain.WorkflowStep
		changed []*domain.WorkflowStep
		events  []func()
	)
	now := time.Now().UTC()

	for _, s := range runnable {
		// an earlier failure in this pass may already have skipped s
		if s.State != domain.WorkflowStatePending {
			continue
		}
		preds := r.predecessors(s)

		upstream, failed := upstreamFailure(preds)
		switch {
		case failed:
			r.markSkipped(s, domain.FailedReasonPrevStepFailed, now)
			s.Error = upstream
			changed = append(changed, s)
			events = append(events, r.stepEvent(ctx, domain.EventTypeStepSkipped, s))

		case allSkipped(preds):
			r.markSkipped(s, domain.FailedReasonNone, now)
			changed = append(changed, s)
			events = append(events, r.stepEvent(ctx, domain.EventTypeStepSkipped, s))

		case s.StepType.IsGate():
			value, ok := r.results[preds[0].ID].(bool)
			if !ok {
				err := fmt.Errorf("predicate %s returned %T, not bool", preds[0].Name, r.results[preds[0].ID])
				changed = append(changed, r.markFailed(s, err, now)...)
				events = append(events, r.stepEvent(ctx, domain.EventTypeStepFailed, s))
				continue
			}
			if value != (s.StepType == domain.StepTypeCondTrue) {
				r.markSkipped(s, domain.FailedReasonNone, now)
				changed = append(changed, s)
				events = append(events, r.stepEvent(ctx, domain.EventTypeStepSkipped, s))
				continue
			}
			if err := r.markCompleted(s, value, now); err != nil {
				return nil, err
			}
			changed = append(changed, s)
			r.e.metrics.RecordStepExecuted(string(s.StepType), string(s.State), 0)

		case s.StepType == domain.StepTypeSequential:
			if err := r.markCompleted(s, r.results[preds[0].ID], now); err != nil {
				return nil, err
			}
			changed = append(changed, s)

		case s.StepType == domain.StepTypeParallel:
			values := make([]interface{}, 0, len(preds))
			for _, p := range preds {
				if p.State == domain.WorkflowStateCompleted {
					values = append(values, r.results[p.ID])
				}
			}
			if err := r.markCompleted(s, values, now); err != nil {
				return nil, err
			}
			changed = append(changed, s)

		default:
			leaves = append(leaves, s)
		}
	}

	if err := r.save("resolve round", changed...); err != nil {
		return nil, err
	}
	for _, emit := range events {
		emit()
	}
	return leaves, nil
}

// dispatch runs the leaf steps of one round concurrently and waits for all
// of them. Only persistence failures are returned.
func (r *run) dispatch(ctx context.Context, leaves []*domain.WorkflowStep) error {
	if len(leaves) == 0 {
		return nil
	}

	var g errgroup.Group
	if r.e.maxConcurrency > 0 {
		g.SetLimit(r.e.maxConcurrency)
	}
	for _, s := range leaves {
		g.Go(func() error {
			return r.runStep(ctx, s)
		})
	}
	return g.Wait()
}

func (r *run) runStep(ctx context.Context, s *domain.WorkflowStep) error {
	ctx, span := r.e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("workflow.id", s.WorkflowID),
		attribute.String("step.id", s.ID),
		attribute.String("step.name", s.Name),
	))
	defer span.End()

	logger := r.logger.With(zap.String("step_id", s.ID), zap.String("step_name", s.Name))

	ec, err := r.begin(s)
	if err != nil {
		return err
	}
	r.publish(ctx, domain.TopicSteps, domain.EventTypeStepStarted, s, nil)
	logger.Info("running step", zap.String("callable", s.CallableRef))

	startTime := time.Now()
	result, execErr := r.invoke(ctx, s, ec)
	duration := time.Since(startTime)

	r.mu.Lock()
	now := time.Now().UTC()

	if execErr != nil && ctx.Err() != nil {
		// cancelled under our feet: keep the step resumable
		s.Reset(now)
		err := r.save("reset cancelled step", s)
		r.mu.Unlock()
		logger.Warn("step interrupted", zap.Error(execErr))
		return err
	}

	if execErr == nil {
		if err := r.markCompleted(s, result, now); err != nil {
			execErr = err
		}
	}

	if execErr != nil {
		changed := r.markFailed(s, execErr, now)
		err := r.save("record step failure", changed...)
		r.mu.Unlock()
		if err != nil {
			return err
		}

		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		logger.Error("step failed",
			zap.Error(execErr),
			zap.Int("skipped_descendants", len(changed)-1),
			zap.Duration("duration", duration))
		r.e.metrics.RecordStepExecuted(string(s.StepType), string(domain.WorkflowStateFailed), duration)
		r.publish(ctx, domain.TopicSteps, domain.EventTypeStepFailed, s, map[string]interface{}{
			"error": execErr.Error(),
		})
		for _, d := range changed[1:] {
			r.publish(ctx, domain.TopicSteps, domain.EventTypeStepSkipped, d, nil)
		}
		return nil
	}

	err = r.save("record step result", s)
	stored := r.results[s.ID]
	r.mu.Unlock()
	if err != nil {
		return err
	}

	logger.Info("step completed", zap.Duration("duration", duration))
	r.e.metrics.RecordStepExecuted(string(s.StepType), string(domain.WorkflowStateCompleted), duration)
	r.publish(ctx, domain.TopicSteps, domain.EventTypeStepCompleted, s, map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	})
	r.runHooks(ctx, ec, stored, logger)
	return nil
}

// begin marks s running and snapshots its execution context
func (r *run) begin(s *domain.WorkflowStep) (*ExecutionContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	metadata := make(map[string]interface{})
	if err := decodeMetadata(s, &metadata); err != nil {
		return nil, err
	}

	results := make(map[string]interface{}, len(r.results))
	for id, v := range r.results {
		results[r.byID[id].Name] = v
	}
	input := make(map[string]interface{}, len(r.input))
	for k, v := range r.input {
		input[k] = v
	}

	s.State = domain.WorkflowStateRunning
	s.UpdatedAt = time.Now().UTC()
	if err := r.save("mark step running", s); err != nil {
		return nil, err
	}

	return &ExecutionContext{
		WorkflowID:  s.WorkflowID,
		StepID:      s.ID,
		StepName:    s.Name,
		Input:       input,
		Results:     results,
		StepResults: r.stepResults(s),
		Metadata:    metadata,
	}, nil
}

// invoke calls the step body, honouring the step deadline and turning
// panics into errors
func (r *run) invoke(ctx context.Context, s *domain.WorkflowStep, ec *ExecutionContext) (interface{}, error) {
	fn, err := r.e.registry.Lookup(s.CallableRef)
	if err != nil {
		return nil, err
	}

	if r.e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.e.stepTimeout)
		defer cancel()
	}

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("step panicked: %v", p)}
			}
		}()
		v, err := fn(ctx, ec)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("step %s abandoned: %w", s.Name, ctx.Err())
	}
}

func (r *run) runHooks(ctx context.Context, ec *ExecutionContext, result interface{}, logger *zap.Logger) {
	for _, hook := range r.e.hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("success hook panicked", zap.Any("panic", p))
				}
			}()
			if err := hook(ctx, ec, result); err != nil {
				logger.Error("success hook failed", zap.Error(err))
			}
		}()
	}
}

// stepResults collects the results s depends on, in declaration order.
// Sequential and parallel joins are expanded into their own inputs.
func (r *run) stepResults(s *domain.WorkflowStep) []interface{} {
	out := []interface{}{}
	stack := make([]string, 0, len(s.PredecessorIDs))
	for i := len(s.PredecessorIDs) - 1; i >= 0; i-- {
		stack = append(stack, s.PredecessorIDs[i])
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		p := r.byID[id]
		if p.State != domain.WorkflowStateCompleted {
			continue
		}
		if p.StepType.IsJoin() {
			for i := len(p.PredecessorIDs) - 1; i >= 0; i-- {
				stack = append(stack, p.PredecessorIDs[i])
			}
			continue
		}
		out = append(out, r.results[id])
	}
	return out
}

func (r *run) predecessors(s *domain.WorkflowStep) []*domain.WorkflowStep {
	preds := make([]*domain.WorkflowStep, len(s.PredecessorIDs))
	for i, id := range s.PredecessorIDs {
		preds[i] = r.byID[id]
	}
	return preds
}

func (r *run) markCompleted(s *domain.WorkflowStep, value interface{}, now time.Time) error {
	blob, decoded, err := encodeResult(value)
	if err != nil {
		return fmt.Errorf("step %s: %w", s.Name, err)
	}
	s.State = domain.WorkflowStateCompleted
	s.Result = blob
	s.Error = ""
	s.FailedReason = domain.FailedReasonNone
	s.UpdatedAt = now
	r.results[s.ID] = decoded
	return nil
}

func (r *run) markSkipped(s *domain.WorkflowStep, reason domain.FailedReason, now time.Time) {
	s.State = domain.WorkflowStateSkipped
	s.Result = nil
	s.FailedReason = reason
	s.UpdatedAt = now
	r.e.metrics.RecordStepSkipped(string(reason))
}

// markFailed records a runtime error on s and skips every pending
// descendant. The returned slice starts with s.
func (r *run) markFailed(s *domain.WorkflowStep, cause error, now time.Time) []*domain.WorkflowStep {
	s.State = domain.WorkflowStateFailed
	s.Result = nil
	s.Error = cause.Error()
	s.FailedReason = domain.FailedReasonRuntimeError
	s.UpdatedAt = now
	delete(r.results, s.ID)

	changed := []*domain.WorkflowStep{s}
	for _, id := range descendants(s.ID, r.succ) {
		d := r.byID[id]
		if d.State != domain.WorkflowStatePending {
			continue
		}
		r.markSkipped(d, domain.FailedReasonPrevStepFailed, now)
		d.Error = upstreamFailed(s.Name)
		changed = append(changed, d)
	}
	return changed
}

func (r *run) save(op string, steps ...*domain.WorkflowStep) error {
	if len(steps) == 0 {
		return nil
	}
	if err := r.e.store.UpdateSteps(r.storeCtx, steps...); err != nil {
		r.logger.Error("failed to persist steps", zap.String("op", op), zap.Error(err))
		return &domain.PersistenceError{Op: op, Err: err}
	}
	return nil
}

func (r *run) setWorkflowState(state domain.WorkflowState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.e.store.UpdateWorkflowState(r.storeCtx, r.wf.ID, state); err != nil {
		return &domain.PersistenceError{Op: "update workflow state", Err: err}
	}
	r.wf.State = state
	r.wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *run) stepEvent(ctx context.Context, eventType domain.EventType, s *domain.WorkflowStep) func() {
	data := map[string]interface{}{"failed_reason": string(s.FailedReason)}
	return func() {
		r.publish(ctx, domain.TopicSteps, eventType, s, data)
	}
}

func (r *run) publish(ctx context.Context, topic string, eventType domain.EventType, s *domain.WorkflowStep, data map[string]interface{}) {
	event := domain.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		WorkflowID: r.wf.ID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
	if s != nil {
		event.StepID = s.ID
		event.StepName = s.Name
	}
	r.e.publish(ctx, topic, event)
}

func (e *Executor) publish(ctx context.Context, topic string, event domain.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(context.WithoutCancel(ctx), topic, event); err != nil {
		e.logger.Error("failed to publish event",
			zap.String("workflow_id", event.WorkflowID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}

func (e *Executor) activeCount() int {
	n := 0
	e.active.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// upstreamFailure returns the error recorded on a step skipped because of
// preds. A skipped predecessor already carries the name of the step that
// failed, which is passed on unchanged.
func upstreamFailure(preds []*domain.WorkflowStep) (string, bool) {
	for _, p := range preds {
		if !p.PropagatesFailure() {
			continue
		}
		if p.State == domain.WorkflowStateSkipped && p.Error != "" {
			return p.Error, true
		}
		return upstreamFailed(p.Name), true
	}
	return "", false
}

func upstreamFailed(name string) string {
	return fmt.Sprintf("upstream step %s failed", name)
}

func allSkipped(preds []*domain.WorkflowStep) bool {
	if len(preds) == 0 {
		return false
	}
	for _, p := range preds {
		if p.State != domain.WorkflowStateSkipped {
			return false
		}
	}
	return true
}

// successors inverts the predecessor lists into forward edges
func successors(steps []*domain.WorkflowStep) map[string][]string {
	succ := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, p := range s.PredecessorIDs {
			succ[p] = append(succ[p], s.ID)
		}
	}
	return succ
}

// descendants returns every step reachable from id through forward edges,
// excluding id itself, breadth first
func descendants(id string, succ map[string][]string) []string {
	var out []string
	visited := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range succ[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}
