package autoflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"time"

	"dario.cat/mergo"
)

// DefaultNodeTimeout bounds a single node execution when the node's
// config does not override it.
const DefaultNodeTimeout = 300 * time.Second

// RunnerOptions configures a workflow runner.
type RunnerOptions struct {
	Registry           *ExecutorRegistry
	DefaultNodeTimeout time.Duration
	Logger             *slog.Logger
	Callbacks          ExecutionCallbacks
}

// Runner walks a workflow graph node by node: it resolves each node's
// inputs against the execution data bag, dispatches to the registered
// executor under a per-node timeout, merges outputs back, and follows
// the first passing connection to the next node.
type Runner struct {
	registry    *ExecutorRegistry
	nodeTimeout time.Duration
	logger      *slog.Logger
	callbacks   ExecutionCallbacks
}

// NewRunner creates a runner with the given options.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.Registry == nil {
		opts.Registry = NewExecutorRegistry()
	}
	if opts.DefaultNodeTimeout <= 0 {
		opts.DefaultNodeTimeout = DefaultNodeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	return &Runner{
		registry:    opts.Registry,
		nodeTimeout: opts.DefaultNodeTimeout,
		logger:      opts.Logger,
		callbacks:   opts.Callbacks,
	}
}

// Run executes the workflow graph to completion, recording the outcome
// on the execution context. Cancellation is cooperative: a flipped
// status is observed between node steps, never mid-node.
func (r *Runner) Run(ctx context.Context, def *Definition, ec *ExecutionContext) error {
	ec.begin()
	r.seedData(def, ec)

	r.callbacks.BeforeExecution(ctx, &ExecutionEvent{
		ExecutionID: ec.ID(),
		WorkflowID:  ec.WorkflowID(),
		Status:      ec.Status(),
		StartTime:   ec.StartTime(),
		TriggerData: ec.TriggerData(),
	})
	defer r.finish(ctx, ec)

	node := def.StartNode()
	if node == nil {
		err := NewWorkflowError(ErrCodeNoStartNode,
			fmt.Sprintf("workflow %q has no start node", def.ID))
		ec.fail(err)
		return err
	}

	for node != nil {
		if ec.Status().Terminal() {
			r.logger.Info("execution stopped before node",
				"execution_id", ec.ID(), "node_id", node.ID, "status", ec.Status())
			return nil
		}
		if err := ctx.Err(); err != nil {
			r.applyContextError(ec, err)
			return err
		}

		executor, ok := r.registry.Get(node.Type)
		if !ok {
			err := NewWorkflowError(ErrCodeExecutorNotFound,
				fmt.Sprintf("no executor registered for node type %q", node.Type))
			err.NodeID = node.ID
			ec.fail(err)
			return err
		}

		started := time.Now()
		r.callbacks.BeforeNode(ctx, &NodeEvent{
			ExecutionID: ec.ID(),
			WorkflowID:  ec.WorkflowID(),
			NodeID:      node.ID,
			NodeType:    node.Type,
			StartTime:   started,
		})

		result, err := r.executeNode(ctx, executor, node, ec)
		elapsed := time.Since(started)

		r.callbacks.AfterNode(ctx, &NodeEvent{
			ExecutionID: ec.ID(),
			WorkflowID:  ec.WorkflowID(),
			NodeID:      node.ID,
			NodeType:    node.Type,
			StartTime:   started,
			EndTime:     started.Add(elapsed),
			Duration:    elapsed,
			Result:      result,
			Error:       err,
		})

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				r.applyContextError(ec, ctxErr)
				return ctxErr
			}
			werr := ClassifyError(err)
			if werr.NodeID == "" {
				werr.NodeID = node.ID
			}
			ec.fail(werr)
			return werr
		}
		if result == nil {
			result = &Result{Success: true}
		}
		if !result.Success {
			werr := NewNodeError(node.ID, result.Error, false)
			ec.fail(werr)
			return werr
		}

		if len(result.Data) > 0 {
			ec.mergeData(result.Data)
		}
		for _, line := range result.Logs {
			ec.AppendLog("info", node.ID, line, nil)
		}
		ec.markNodeCompleted(node.ID, elapsed)

		next, err := r.nextNode(def, node, result, ec)
		if err != nil {
			werr := ClassifyError(err)
			ec.fail(werr)
			return werr
		}
		node = next
	}

	ec.setStatus(StatusCompleted)
	return nil
}

// seedData initializes the data bag from workflow variables, overlaid by
// the trigger payload.
func (r *Runner) seedData(def *Definition, ec *ExecutionContext) {
	data := map[string]any{}
	if len(def.Variables) > 0 {
		if err := mergo.Merge(&data, def.Variables); err != nil {
			r.logger.Warn("failed to merge workflow variables", "error", err)
		}
	}
	if td := ec.TriggerData(); len(td) > 0 {
		if err := mergo.Merge(&data, td, mergo.WithOverride); err != nil {
			r.logger.Warn("failed to merge trigger data", "error", err)
		}
	}
	ec.mergeData(data)
}

// executeNode dispatches one node under its timeout. The executor call
// runs in its own goroutine so a node that ignores its context cannot
// stall the run past the deadline.
func (r *Runner) executeNode(ctx context.Context, executor NodeExecutor, node *Node, ec *ExecutionContext) (*Result, error) {
	timeout := r.timeoutFor(node)
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inputs := ResolveVariables(node.Config, ec.Data())

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := executor.Execute(nodeCtx, node.Config, inputs, ec)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-nodeCtx.Done():
		if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, NewTimeoutError(node.ID, timeout)
		}
		return nil, nodeCtx.Err()
	}
}

// timeoutFor reads an optional "timeout" override (seconds or a duration
// string) from the node config.
func (r *Runner) timeoutFor(node *Node) time.Duration {
	switch v := node.Config["timeout"].(type) {
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return r.nodeTimeout
}

// nextNode picks the successor: an explicit NextNodeID from the executor
// overrides the node's connections; otherwise the first connection whose
// condition passes wins. No successor means the run is complete.
func (r *Runner) nextNode(def *Definition, node *Node, result *Result, ec *ExecutionContext) (*Node, error) {
	if result.NextNodeID != "" {
		next := def.Node(result.NextNodeID)
		if next == nil {
			return nil, NewNodeError(node.ID,
				fmt.Sprintf("next node %q not found", result.NextNodeID), false)
		}
		return next, nil
	}
	data := ec.Data()
	for _, conn := range node.Connections {
		if conditionPasses(conn.Condition, data) {
			return def.Node(conn.Target), nil
		}
	}
	return nil, nil
}

// conditionPasses evaluates a connection condition against the data bag.
// Unknown condition types pass, so adding new condition kinds later does
// not break old engines routing old workflows.
func conditionPasses(cond *Condition, data map[string]any) bool {
	if cond == nil {
		return true
	}
	switch cond.Type {
	case "equals":
		value, ok := LookupPath(data, cond.Field)
		if !ok {
			return looselyEqual(nil, cond.Value)
		}
		return looselyEqual(value, cond.Value)
	case "exists":
		_, ok := LookupPath(data, cond.Field)
		return ok
	default:
		return true
	}
}

// looselyEqual compares values across the numeric type drift introduced
// by YAML and JSON decoding (int vs float64, etc).
func looselyEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	if a == nil || b == nil {
		return a == b
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// applyContextError maps a context error onto the run's terminal status:
// a blown run deadline is a timeout, cancellation is cancelled.
func (r *Runner) applyContextError(ec *ExecutionContext, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		ec.setStatus(StatusTimeout)
		return
	}
	ec.Cancel()
}

// finish samples memory, logs the outcome, and notifies subscribers.
func (r *Runner) finish(ctx context.Context, ec *ExecutionContext) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	ec.setMemorySample(stats.HeapAlloc)

	status := ec.Status()
	event := &ExecutionEvent{
		ExecutionID: ec.ID(),
		WorkflowID:  ec.WorkflowID(),
		Status:      status,
		StartTime:   ec.StartTime(),
		EndTime:     ec.EndTime(),
		Duration:    ec.EndTime().Sub(ec.StartTime()),
		TriggerData: ec.TriggerData(),
	}
	if werr := ec.Error(); werr != nil {
		event.Error = werr
	}
	level := slog.LevelInfo
	if status == StatusFailed || status == StatusTimeout {
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "execution finished",
		"execution_id", ec.ID(),
		"workflow_id", ec.WorkflowID(),
		"status", status,
		"duration", event.Duration)
	r.callbacks.AfterExecution(ctx, event)
}
