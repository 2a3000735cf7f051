package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/llmflow/adapter"
	"github.com/warriorguo/llmflow/budget"
	"github.com/warriorguo/llmflow/events"
	"github.com/warriorguo/llmflow/memory"
	"github.com/warriorguo/llmflow/planner"
	"github.com/warriorguo/llmflow/pricing"
	"github.com/warriorguo/llmflow/store"
	"github.com/warriorguo/llmflow/store/mem"
	"github.com/warriorguo/llmflow/store/postgres"
	"github.com/warriorguo/llmflow/types"
)

const eventBuffer = 256

/**
 * EstimateExceedsBudgetError rejects a submission whose static cost
 * projection already beats max_cost. Nothing ran and nothing was
 * spent; the suggestions tell the caller what to change before
 * resubmitting.
 */
type EstimateExceedsBudgetError struct {
	Estimate    *budget.CostEstimate
	Suggestions []budget.Suggestion
}

func (e *EstimateExceedsBudgetError) Error() string {
	return fmt.Sprintf("estimated cost %.6f exceeds max_cost", e.Estimate.Total)
}

// AsEstimateExceedsBudget unwraps err into the typed rejection, if it
// is one.
func AsEstimateExceedsBudget(err error) (*EstimateExceedsBudgetError, bool) {
	e, ok := errors.Cause(err).(*EstimateExceedsBudgetError)
	return e, ok
}

/**
 * Engine is the root object: it owns the store, the event publisher,
 * the provider registry and the shared worker pool, and drives every
 * run through plan, estimate, execute. One Engine serves many
 * workflows and many concurrent runs; LLM steps across all of them
 * queue on the same pool.
 */
type Engine struct {
	opts *types.EngineOptions

	kv        store.Store
	records   *recordStore
	publisher events.Publisher
	prices    *pricing.Table
	adapters  *adapter.Registry
	tools     *toolRegistry
	memory    *memory.Store
	estimator *budget.Estimator
	pool      *workerpool.WorkerPool

	mu     sync.Mutex
	runs   map[string]*runHandle
	byFlow map[string]string
	closed bool

	wg sync.WaitGroup
}

type runHandle struct {
	workflowID string
	cancel     context.CancelFunc
}

func NewEngine(options ...types.EngineOption) (*Engine, error) {
	opts := types.NewEngineOptions()
	for _, option := range options {
		option(opts)
	}

	kv, err := newStore(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}

	prices := pricing.Builtin()
	if opts.PricingPath != "" {
		if prices, err = pricing.LoadFile(opts.PricingPath); err != nil {
			return nil, errors.Trace(err)
		}
	}

	var publisher events.Publisher
	if opts.RedisAddr != "" {
		publisher = events.NewRedisPublisher(opts.RedisAddr)
	} else {
		publisher = events.NewChanPublisher(eventBuffer)
	}

	return &Engine{
		opts:      opts,
		kv:        kv,
		records:   newRecordStore(kv),
		publisher: publisher,
		prices:    prices,
		adapters:  adapter.NewRegistry(),
		tools:     newToolRegistry(),
		memory:    memory.NewStore(kv),
		estimator: budget.NewEstimator(prices, nil),
		pool:      workerpool.New(opts.MaxStepConcurrency),
		runs:      make(map[string]*runHandle),
		byFlow:    make(map[string]string),
	}, nil
}

func newStore(opts *types.EngineOptions) (store.Store, error) {
	if opts.PostgresConfig != nil {
		config := postgres.DefaultConfig()
		config.Host = opts.PostgresConfig.Host
		if opts.PostgresConfig.Port > 0 {
			config.Port = opts.PostgresConfig.Port
		}
		config.User = opts.PostgresConfig.User
		config.Password = opts.PostgresConfig.Password
		if opts.PostgresConfig.Database != "" {
			config.Database = opts.PostgresConfig.Database
		}
		if opts.PostgresConfig.SSLMode != "" {
			config.SSLMode = opts.PostgresConfig.SSLMode
		}
		return postgres.NewPostgresStore(config)
	}
	// default to the in-memory store when nothing is configured
	return mem.NewMemStore(), nil
}

// RegisterProvider makes an LLM provider available to agent nodes.
func (e *Engine) RegisterProvider(provider string, caller adapter.Caller) {
	e.adapters.Register(provider, caller)
}

// RegisterTool makes a tool handler available to tool nodes alongside
// the builtin echo and template tools.
func (e *Engine) RegisterTool(name string, handler ToolHandler) {
	e.tools.register(name, handler)
}

func (e *Engine) CreateWorkflow(ctx context.Context, name, description string, graph types.Graph) (*types.WorkflowRecord, error) {
	if _, err := planner.PlanWithCap(&graph, e.opts.MaxGraphNodes); err != nil {
		return nil, errors.Trace(err)
	}
	now := time.Now().UTC()
	w := &types.WorkflowRecord{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Graph:       graph,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.records.saveWorkflow(ctx, w); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// UpdateWorkflow replaces the graph of a stored workflow. Running
// executions keep their snapshot and are not affected.
func (e *Engine) UpdateWorkflow(ctx context.Context, id string, graph types.Graph) (*types.WorkflowRecord, error) {
	if _, err := planner.PlanWithCap(&graph, e.opts.MaxGraphNodes); err != nil {
		return nil, errors.Trace(err)
	}
	w, err := e.records.getWorkflow(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	w.Graph = graph
	w.UpdatedAt = time.Now().UTC()
	if err := e.records.saveWorkflow(ctx, w); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (e *Engine) GetWorkflow(ctx context.Context, id string) (*types.WorkflowRecord, error) {
	return e.records.getWorkflow(ctx, id)
}

func (e *Engine) ListWorkflows(ctx context.Context) ([]*types.WorkflowRecord, error) {
	return e.records.listWorkflows(ctx)
}

func (e *Engine) DeleteWorkflow(ctx context.Context, id string) error {
	e.mu.Lock()
	_, running := e.byFlow[id]
	e.mu.Unlock()
	if running {
		return errors.Forbiddenf("workflow %s has a running execution", id)
	}
	return e.records.removeWorkflow(ctx, id)
}

// Estimate projects the cost of a workflow without running it. When
// maxCost is set and the projection exceeds it, suggestions come back
// ranked by savings.
func (e *Engine) Estimate(ctx context.Context, workflowID string, maxCost *float64) (*budget.CostEstimate, []budget.Suggestion, error) {
	w, err := e.records.getWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	plan, err := planner.PlanWithCap(&w.Graph, e.opts.MaxGraphNodes)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	estimate := e.estimator.Estimate(plan, &w.Graph)

	var suggestions []budget.Suggestion
	if maxCost != nil && estimate.Total > *maxCost {
		suggestions = budget.Suggest(estimate, *maxCost, &w.Graph, e.prices)
	}
	return estimate, suggestions, nil
}

/**
 * Submit plans, estimates and starts one run. The estimate gate fires
 * before anything executes: a projection above max_cost rejects the
 * submission with EstimateExceedsBudgetError. A workflow has at most
 * one execution in flight at a time.
 */
func (e *Engine) Submit(ctx context.Context, workflowID, input string, b *types.Budget) (*types.ExecutionRecord, error) {
	w, err := e.records.getWorkflow(ctx, workflowID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	plan, err := planner.PlanWithCap(&w.Graph, e.opts.MaxGraphNodes)
	if err != nil {
		return nil, errors.Trace(err)
	}

	estimate := e.estimator.Estimate(plan, &w.Graph)
	if b != nil && b.MaxCost != nil && estimate.Total > *b.MaxCost {
		return nil, &EstimateExceedsBudgetError{
			Estimate:    estimate,
			Suggestions: budget.Suggest(estimate, *b.MaxCost, &w.Graph, e.prices),
		}
	}

	planBytes, err := plan.Marshal()
	if err != nil {
		return nil, errors.Trace(err)
	}

	rec := &types.ExecutionRecord{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		Status:        types.RunPending,
		GraphSnapshot: w.Graph,
		Budget:        b,
		EstimatedCost: estimate.Total,
		ExecutionPlan: planBytes,
		CreatedAt:     time.Now().UTC(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.Forbiddenf("engine is closed")
	}
	if runID, exists := e.byFlow[workflowID]; exists {
		e.mu.Unlock()
		return nil, errors.AlreadyExistsf("workflow %s: execution %s is running", workflowID, runID)
	}

	runCtx, cancel := context.WithCancel(e.opts.Ctx)
	e.runs[rec.ID] = &runHandle{workflowID: workflowID, cancel: cancel}
	e.byFlow[workflowID] = rec.ID
	e.mu.Unlock()

	if err := e.records.saveExecution(ctx, rec); err != nil {
		e.release(rec.ID)
		return nil, errors.Trace(err)
	}
	if err := e.records.savePlan(ctx, rec.ID, planBytes); err != nil {
		e.release(rec.ID)
		return nil, errors.Trace(err)
	}

	ex := newExecutor(rec, plan, input)
	ex.worker = &stepWorker{
		adapters:       e.adapters,
		publisher:      e.publisher,
		maxRetriesCap:  e.opts.MaxRetriesCap,
		defaultTimeout: time.Duration(e.opts.DefaultTimeoutSeconds) * time.Second,
	}
	ex.tools = e.tools
	ex.memory = e.memory
	ex.records = e.records
	ex.publisher = e.publisher
	ex.enforcer = budget.NewEnforcer(b)
	ex.worker.enforcer = ex.enforcer
	ex.pool = e.pool

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(rec.ID)

		ex.execute(newRunCtx(runCtx, rec.ID))
		log.Infof("run %s: finished with status %s", rec.ID, ex.rec.Status)
	}()

	return rec, nil
}

func (e *Engine) release(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if handle, exists := e.runs[runID]; exists {
		handle.cancel()
		delete(e.byFlow, handle.workflowID)
		delete(e.runs, runID)
	}
}

// Cancel stops a running execution. Steps in flight observe the
// cancellation at their next attempt or backoff; everything not yet
// dispatched is marked not_run.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	handle, exists := e.runs[runID]
	e.mu.Unlock()

	if !exists {
		return errors.NotFoundf("running execution %s", runID)
	}
	handle.cancel()
	return nil
}

func (e *Engine) GetExecution(ctx context.Context, runID string) (*types.ExecutionRecord, error) {
	return e.records.getExecution(ctx, runID)
}

// ListExecutions returns every stored run; a non-empty workflowID
// narrows to that workflow.
func (e *Engine) ListExecutions(ctx context.Context, workflowID string) ([]*types.ExecutionRecord, error) {
	return e.records.listExecutions(ctx, workflowID)
}

// ListSteps returns the step records of a run in execution order,
// fallback records in place.
func (e *Engine) ListSteps(ctx context.Context, runID string) ([]*types.StepRecord, error) {
	return e.records.listSteps(ctx, runID)
}

/**
 * Subscribe returns the live event channel of a run. Only available
 * with the in-process publisher; with Redis the consumer subscribes to
 * the run's channel on the Redis side instead.
 */
func (e *Engine) Subscribe(runID string) (<-chan events.Event, error) {
	p, ok := e.publisher.(*events.ChanPublisher)
	if !ok {
		return nil, errors.NotSupportedf("direct subscription on the %s publisher", "redis")
	}
	return p.Subscribe(runID), nil
}

// Close cancels every running execution, waits for them to settle and
// releases the pool, the publisher and the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	for _, handle := range e.runs {
		handle.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.pool.StopWait()

	var retErr error
	if p, ok := e.publisher.(*events.RedisPublisher); ok {
		retErr = p.Close()
	}
	if closer, ok := e.kv.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			retErr = errors.Wrap(retErr, err)
		}
	}
	return retErr
}
