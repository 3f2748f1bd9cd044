package autoflow

import (
	"context"
	"time"
)

// ExecutionEvent provides context for run-level callbacks.
type ExecutionEvent struct {
	ExecutionID string
	WorkflowID  string
	Status      ExecutionStatus
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	TriggerData map[string]any
	Error       error
}

// NodeEvent provides context for node-level callbacks.
type NodeEvent struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	NodeType    string
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	Result      *Result
	Error       error
}

// JobEvent provides context for scheduler job callbacks.
type JobEvent struct {
	Job   *Job
	Delay time.Duration
	Error error
}

// ExecutionCallbacks is the observer interface the engine notifies as
// runs and jobs progress. It replaces implicit global event listeners:
// subscribers are passed explicitly at construction and invoked in
// order.
type ExecutionCallbacks interface {
	BeforeExecution(ctx context.Context, event *ExecutionEvent)
	AfterExecution(ctx context.Context, event *ExecutionEvent)

	BeforeNode(ctx context.Context, event *NodeEvent)
	AfterNode(ctx context.Context, event *NodeEvent)

	// JobRetried fires when a failed job is scheduled for another
	// attempt after its backoff delay.
	JobRetried(ctx context.Context, event *JobEvent)

	// JobFailed fires when a job exhausts its retry budget. Failed jobs
	// are never silently dropped.
	JobFailed(ctx context.Context, event *JobEvent)
}

// BaseExecutionCallbacks provides a default implementation that does
// nothing. Embed it to implement only the callbacks you care about.
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeExecution(ctx context.Context, event *ExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterExecution(ctx context.Context, event *ExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) BeforeNode(ctx context.Context, event *NodeEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterNode(ctx context.Context, event *NodeEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) JobRetried(ctx context.Context, event *JobEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) JobFailed(ctx context.Context, event *JobEvent) {
	// noop
}

// CallbackChain notifies multiple callback implementations in order.
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain.
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add appends a callback to the chain.
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeExecution(ctx context.Context, event *ExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterExecution(ctx context.Context, event *ExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterExecution(ctx, event)
	}
}

func (c *CallbackChain) BeforeNode(ctx context.Context, event *NodeEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeNode(ctx, event)
	}
}

func (c *CallbackChain) AfterNode(ctx context.Context, event *NodeEvent) {
	for _, callback := range c.callbacks {
		callback.AfterNode(ctx, event)
	}
}

func (c *CallbackChain) JobRetried(ctx context.Context, event *JobEvent) {
	for _, callback := range c.callbacks {
		callback.JobRetried(ctx, event)
	}
}

func (c *CallbackChain) JobFailed(ctx context.Context, event *JobEvent) {
	for _, callback := range c.callbacks {
		callback.JobFailed(ctx, event)
	}
}
