package autoflow

import (
	"context"
	"sort"
	"sync"
)

// Result is what a node executor returns for one node execution.
type Result struct {
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	NextNodeID string         `json:"next_node_id,omitempty"`
	Logs       []string       `json:"logs,omitempty"`
}

// NodeExecutor is the pluggable capability that knows how to run one
// node type. Implementations validate their own config and perform the
// node's unit of work.
type NodeExecutor interface {
	// Name returns the node type key this executor serves.
	Name() string

	// ValidateConfig checks a node config before execution.
	ValidateConfig(config map[string]any) *ValidationResult

	// Execute runs the node. inputs is the resolved config/input map and
	// ec gives access to the run's data bag and logs.
	Execute(ctx context.Context, config map[string]any, inputs map[string]any, ec *ExecutionContext) (*Result, error)
}

// ExecutorRegistry maps node-type strings to executors. The last
// registration for a type wins.
type ExecutorRegistry struct {
	mutex     sync.RWMutex
	executors map[string]NodeExecutor
}

// NewExecutorRegistry creates an empty executor registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: map[string]NodeExecutor{}}
}

// Register adds an executor under the given node type, replacing any
// previous registration for that type.
func (r *ExecutorRegistry) Register(nodeType string, executor NodeExecutor) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.executors[nodeType] = executor
}

// Get returns the executor for a node type.
func (r *ExecutorRegistry) Get(nodeType string) (NodeExecutor, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	executor, ok := r.executors[nodeType]
	return executor, ok
}

// Types returns the registered node types, sorted.
func (r *ExecutorRegistry) Types() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ExecutorFunc adapts a function to the NodeExecutor interface.
type ExecutorFunc struct {
	name     string
	validate func(config map[string]any) *ValidationResult
	fn       func(ctx context.Context, config map[string]any, inputs map[string]any, ec *ExecutionContext) (*Result, error)
}

// NewExecutorFunc creates an executor backed by a single function. The
// config is accepted as-is; use WithValidator for config validation.
func NewExecutorFunc(name string, fn func(ctx context.Context, config map[string]any, inputs map[string]any, ec *ExecutionContext) (*Result, error)) *ExecutorFunc {
	return &ExecutorFunc{name: name, fn: fn}
}

// WithValidator attaches a config validation function.
func (e *ExecutorFunc) WithValidator(validate func(config map[string]any) *ValidationResult) *ExecutorFunc {
	e.validate = validate
	return e
}

func (e *ExecutorFunc) Name() string {
	return e.name
}

func (e *ExecutorFunc) ValidateConfig(config map[string]any) *ValidationResult {
	if e.validate != nil {
		return e.validate(config)
	}
	return &ValidationResult{Valid: true}
}

func (e *ExecutorFunc) Execute(ctx context.Context, config map[string]any, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
	return e.fn(ctx, config, inputs, ec)
}
