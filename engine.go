package autoflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inovacode/autoflow/script"
)

// Options configures an Engine. Zero values get sensible defaults.
type Options struct {
	// Executors is the node-type registry. A fresh empty registry is used
	// when nil; register executors before Start.
	Executors *ExecutorRegistry

	// Queue is the scheduler backend. Defaults to an in-process queue
	// built from MaxConcurrentExecutions.
	Queue Queue

	MaxConcurrentExecutions int
	DefaultNodeTimeout      time.Duration

	// RetentionWindow bounds how long finished runs stay queryable
	// through the inspection API.
	RetentionWindow time.Duration

	// History is the execution record store. Defaults to in-memory.
	History HistoryStore

	// Router receives webhook trigger routes. Defaults to a fresh
	// MuxRouter; read it back with Engine.Router to mount on a server.
	Router Router

	// ScriptCompiler evaluates schedule predicate conditions. Defaults
	// to the risor compiler.
	ScriptCompiler script.Compiler

	// MetricsRegisterer receives the engine's prometheus collectors. A
	// private registry is used when nil.
	MetricsRegisterer prometheus.Registerer

	// Callbacks observe execution and job lifecycle events, invoked
	// after the engine's own metrics collector.
	Callbacks []ExecutionCallbacks

	Logger *slog.Logger
}

type activeExecution struct {
	ec     *ExecutionContext
	cancel context.CancelFunc
	jobID  string
}

// Engine wires the workflow registry, trigger handlers, execution
// scheduler, runner, metrics and history into one orchestrator. One
// engine per process is the expected shape.
type Engine struct {
	executors *ExecutorRegistry
	workflows *WorkflowRegistry
	queue     Queue
	runner    *Runner
	history   HistoryStore
	metrics   *MetricsCollector
	callbacks *CallbackChain
	router    Router
	manual    *ManualTriggerHandler
	webhook   *WebhookTriggerHandler
	schedule  *ScheduleTriggerHandler
	retention time.Duration
	logger    *slog.Logger

	mutex   sync.RWMutex
	active  map[string]*activeExecution
	pending map[string]string // executionID -> queued job ID
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates an engine from the given options.
func New(opts Options) (*Engine, error) {
	if opts.Executors == nil {
		opts.Executors = NewExecutorRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = NewLogger()
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = DefaultRetentionWindow
	}
	if opts.History == nil {
		opts.History = NewMemoryHistoryStore()
	}
	if opts.Router == nil {
		opts.Router = NewMuxRouter(nil)
	}
	if opts.ScriptCompiler == nil {
		opts.ScriptCompiler = script.NewRisorEngine(nil)
	}

	metrics := NewMetricsCollector(opts.MetricsRegisterer)
	chain := NewCallbackChain(metrics)
	for _, callback := range opts.Callbacks {
		chain.Add(callback)
	}

	if opts.Queue == nil {
		opts.Queue = NewMemoryQueue(MemoryQueueOptions{
			MaxConcurrentExecutions: opts.MaxConcurrentExecutions,
			Logger:                  opts.Logger,
			Callbacks:               chain,
		})
	}

	e := &Engine{
		executors: opts.Executors,
		queue:     opts.Queue,
		history:   opts.History,
		metrics:   metrics,
		callbacks: chain,
		router:    opts.Router,
		retention: opts.RetentionWindow,
		logger:    opts.Logger,
		active:    map[string]*activeExecution{},
		pending:   map[string]string{},
		stop:      make(chan struct{}),
	}
	e.runner = NewRunner(RunnerOptions{
		Registry:           opts.Executors,
		DefaultNodeTimeout: opts.DefaultNodeTimeout,
		Logger:             opts.Logger,
		Callbacks:          chain,
	})

	e.manual = NewManualTriggerHandler(e.enqueue, opts.Logger)
	e.webhook = NewWebhookTriggerHandler(opts.Router, e.enqueue, opts.Logger)
	e.schedule = NewScheduleTriggerHandler(e.enqueue, opts.ScriptCompiler, opts.Logger)
	e.workflows = NewWorkflowRegistry(map[TriggerType]TriggerHandler{
		TriggerTypeManual:   e.manual,
		TriggerTypeWebhook:  e.webhook,
		TriggerTypeSchedule: e.schedule,
	}, opts.Logger)
	e.workflows.CancelRunning = e.cancelRunning

	e.queue.Bind(e.processJob)
	return e, nil
}

// Start launches the scheduler and the history retention sweeper.
func (e *Engine) Start(ctx context.Context) {
	e.mutex.Lock()
	if e.started || e.stopped {
		e.mutex.Unlock()
		return
	}
	e.started = true
	e.mutex.Unlock()

	e.queue.Start(ctx)
	e.wg.Add(1)
	go e.sweepLoop()
	e.logger.Info("engine started")
}

// Stop shuts down the scheduler, waits for in-flight executions, and
// closes the history store.
func (e *Engine) Stop() error {
	e.mutex.Lock()
	if e.stopped {
		e.mutex.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	e.mutex.Unlock()

	if started {
		close(e.stop)
	}
	err := e.queue.Close()
	e.wg.Wait()
	if cerr := e.history.Close(); err == nil {
		err = cerr
	}
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	interval := e.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.retention)
			removed, err := e.history.Sweep(context.Background(), cutoff)
			if err != nil {
				e.logger.Warn("history sweep failed", "error", err)
			} else if removed > 0 {
				e.logger.Debug("history sweep", "removed", removed)
			}
		}
	}
}

// Router exposes the webhook router so callers can mount it on an HTTP
// server.
func (e *Engine) Router() Router {
	return e.router
}

// Callbacks exposes the engine's callback chain. Add subscribers before
// Start.
func (e *Engine) Callbacks() *CallbackChain {
	return e.callbacks
}

// Workflows exposes the workflow registry.
func (e *Engine) Workflows() *WorkflowRegistry {
	return e.workflows
}

// Executors exposes the node executor registry.
func (e *Engine) Executors() *ExecutorRegistry {
	return e.executors
}

// RegisterWorkflow validates and registers a workflow definition along
// with its enabled triggers.
func (e *Engine) RegisterWorkflow(def *Definition) error {
	return e.workflows.Register(def)
}

// UnregisterWorkflow removes a workflow, its triggers, and cancels its
// in-flight executions.
func (e *Engine) UnregisterWorkflow(workflowID string) error {
	return e.workflows.Unregister(workflowID)
}

// UpdateWorkflow replaces an existing workflow definition.
func (e *Engine) UpdateWorkflow(def *Definition) error {
	return e.workflows.Update(def)
}

// TriggerManual fires a workflow's manual trigger on behalf of userID.
func (e *Engine) TriggerManual(workflowID string, data map[string]any, userID string, roles ...string) error {
	return e.manual.Execute(workflowID, data, userID, roles...)
}

// enqueue is the shared ExecuteFunc every trigger handler fires into:
// it turns a trigger event into a scheduler job.
func (e *Engine) enqueue(workflowID string, triggerData map[string]any, userID string) error {
	def, ok := e.workflows.Get(workflowID)
	if !ok {
		return NewWorkflowError(ErrCodeWorkflowNotFound,
			fmt.Sprintf("workflow %q is not registered", workflowID))
	}
	if def.Status == DefinitionStatusInactive || def.Status == DefinitionStatusDraft {
		return NewTriggerError(
			fmt.Sprintf("workflow %q is %s and cannot be triggered", workflowID, def.Status), nil)
	}

	priority := ParsePriority(def.Metadata["priority"])
	if p, ok := triggerData["priority"].(string); ok {
		priority = ParsePriority(p)
	}

	job := &Job{
		ID:          NewJobID(),
		WorkflowID:  workflowID,
		ExecutionID: NewExecutionID(),
		TriggerData: triggerData,
		UserID:      userID,
		Priority:    priority,
	}

	// record the pending entry before enqueueing: a fast dispatch could
	// otherwise clear it in processJob before it was ever set
	e.mutex.Lock()
	e.pending[job.ExecutionID] = job.ID
	e.mutex.Unlock()
	jobID, err := e.queue.Enqueue(context.Background(), job)
	if err != nil {
		e.mutex.Lock()
		delete(e.pending, job.ExecutionID)
		e.mutex.Unlock()
		return NewTriggerError(fmt.Sprintf("failed to enqueue workflow %q", workflowID), err)
	}
	e.logger.Info("execution enqueued",
		"workflow_id", workflowID, "execution_id", job.ExecutionID,
		"job_id", jobID, "priority", priority)
	return nil
}

// processJob runs one dequeued job to completion. The returned error
// drives the queue's retry policy: only retryable failures propagate,
// terminal outcomes are absorbed after being recorded.
func (e *Engine) processJob(ctx context.Context, job *Job) error {
	def, ok := e.workflows.Get(job.WorkflowID)
	if !ok {
		// unregistered while queued, nothing to retry against
		e.logger.Warn("dropping job for unregistered workflow",
			"workflow_id", job.WorkflowID, "job_id", job.ID)
		e.mutex.Lock()
		delete(e.pending, job.ExecutionID)
		e.mutex.Unlock()
		return nil
	}

	ec := NewExecutionContext(job.ExecutionID, job.WorkflowID, job.TriggerData)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mutex.Lock()
	delete(e.pending, job.ExecutionID)
	e.active[job.ExecutionID] = &activeExecution{ec: ec, cancel: cancel, jobID: job.ID}
	e.mutex.Unlock()

	runErr := e.runner.Run(runCtx, def, ec)

	// record before dropping from the active set so the execution stays
	// visible to the inspection API throughout
	if err := e.history.Put(context.Background(), ec.Record()); err != nil {
		e.logger.Warn("failed to record execution",
			"execution_id", ec.ID(), "error", err)
	}
	e.mutex.Lock()
	delete(e.active, job.ExecutionID)
	e.mutex.Unlock()

	if runErr != nil && IsRetryable(runErr) && ec.Status() == StatusFailed {
		return runErr
	}
	return nil
}

// cancelRunning cancels every in-flight execution of a workflow. Wired
// into the registry's unregister path.
func (e *Engine) cancelRunning(workflowID string) {
	e.mutex.RLock()
	var cancels []context.CancelFunc
	for _, run := range e.active {
		if run.ec.WorkflowID() == workflowID {
			run.ec.Cancel()
			cancels = append(cancels, run.cancel)
		}
	}
	e.mutex.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// CancelExecution cancels one execution: a queued job is removed from
// the scheduler, a running one is flipped to cancelled cooperatively.
func (e *Engine) CancelExecution(executionID string) error {
	e.mutex.RLock()
	run, running := e.active[executionID]
	jobID, queued := e.pending[executionID]
	e.mutex.RUnlock()

	if running {
		run.ec.Cancel()
		run.cancel()
		return nil
	}
	if queued {
		if err := e.queue.Remove(jobID); err != nil {
			return err
		}
		e.mutex.Lock()
		delete(e.pending, executionID)
		e.mutex.Unlock()
		return nil
	}
	return ErrExecutionNotFound
}

// GetExecution returns the record for a live or recently finished
// execution.
func (e *Engine) GetExecution(executionID string) (*ExecutionRecord, error) {
	e.mutex.RLock()
	run, ok := e.active[executionID]
	e.mutex.RUnlock()
	if ok {
		return run.ec.Record(), nil
	}
	return e.history.Get(context.Background(), executionID)
}

// GetExecutionLogs returns the structured log entries of an execution.
func (e *Engine) GetExecutionLogs(executionID string) ([]*LogEntry, error) {
	record, err := e.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	return record.Logs, nil
}

// ListExecutions returns records for a workflow, most recent first. Live
// executions are included as point-in-time snapshots.
func (e *Engine) ListExecutions(workflowID string) ([]*ExecutionRecord, error) {
	records, err := e.history.List(context.Background(), workflowID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(records))
	for _, record := range records {
		seen[record.ID] = true
	}
	e.mutex.RLock()
	for _, run := range e.active {
		if seen[run.ec.ID()] {
			continue
		}
		if workflowID == "" || run.ec.WorkflowID() == workflowID {
			records = append(records, run.ec.Record())
		}
	}
	e.mutex.RUnlock()
	return records, nil
}

// GetActiveExecutions returns snapshots of every in-flight execution.
func (e *Engine) GetActiveExecutions() []*ExecutionRecord {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	records := make([]*ExecutionRecord, 0, len(e.active))
	for _, run := range e.active {
		records = append(records, run.ec.Record())
	}
	return records
}

// GetMetrics returns the aggregate metrics snapshot, including the
// scheduler's current queue depth.
func (e *Engine) GetMetrics() MetricsSnapshot {
	snapshot := e.metrics.Snapshot()
	snapshot.QueueDepth = e.queue.Stats().Depth
	return snapshot
}

// QueueStats returns the scheduler's current counters.
func (e *Engine) QueueStats() QueueStats {
	return e.queue.Stats()
}
