package autoflow

import (
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// NewExecutionID returns a new prefixed unique ID for one workflow run.
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewJobID returns a new prefixed unique ID for a queued job.
func NewJobID() string {
	id, err := typeid.WithPrefix("job")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutionStatus represents the status of one workflow run. Transitions
// are monotonic: pending -> running -> one terminal status, and a
// terminal status is never left.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the status is a terminal state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// statusRank orders statuses for the monotonicity guard.
func statusRank(s ExecutionStatus) int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// LogEntry is one append-only structured log record of a run.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	NodeID    string         `json:"node_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// RunMetrics are the per-run measurements recorded by the runner.
type RunMetrics struct {
	NodesExecuted int                      `json:"nodes_executed"`
	NodeDurations map[string]time.Duration `json:"node_durations"`
	MemoryBytes   uint64                   `json:"memory_bytes"`
}

// ExecutionContext tracks the state of one workflow run. The runner owns
// it for the lifetime of the run; afterwards it is handed to the history
// store for read-only inspection. All accessors are safe for concurrent
// use; maps and slices are copied on read.
type ExecutionContext struct {
	id          string
	workflowID  string
	triggerData map[string]any

	mutex          sync.RWMutex
	status         ExecutionStatus
	startTime      time.Time
	endTime        time.Time
	data           map[string]any
	logs           []*LogEntry
	completedNodes []string
	err            *WorkflowError
	metrics        RunMetrics
}

// NewExecutionContext creates a pending execution context for one run.
func NewExecutionContext(executionID, workflowID string, triggerData map[string]any) *ExecutionContext {
	if executionID == "" {
		executionID = NewExecutionID()
	}
	return &ExecutionContext{
		id:          executionID,
		workflowID:  workflowID,
		triggerData: copyMap(triggerData),
		status:      StatusPending,
		data:        map[string]any{},
		metrics:     RunMetrics{NodeDurations: map[string]time.Duration{}},
	}
}

// ID returns the unique ID of this run.
func (ec *ExecutionContext) ID() string {
	return ec.id
}

// WorkflowID returns the ID of the workflow being run.
func (ec *ExecutionContext) WorkflowID() string {
	return ec.workflowID
}

// TriggerData returns a copy of the data the trigger fired with.
func (ec *ExecutionContext) TriggerData() map[string]any {
	return copyMap(ec.triggerData)
}

// Status returns the current execution status.
func (ec *ExecutionContext) Status() ExecutionStatus {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return ec.status
}

// setStatus applies the monotonicity guard: a terminal status is never
// left, and the status never moves backwards. Returns whether the
// transition was applied.
func (ec *ExecutionContext) setStatus(status ExecutionStatus) bool {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	if ec.status.Terminal() {
		return false
	}
	if statusRank(status) < statusRank(ec.status) {
		return false
	}
	ec.status = status
	if status.Terminal() && ec.endTime.IsZero() {
		ec.endTime = time.Now()
	}
	return true
}

// begin marks the run as started.
func (ec *ExecutionContext) begin() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	if ec.status == StatusPending {
		ec.status = StatusRunning
		ec.startTime = time.Now()
	}
}

// Cancel flips a pending or running execution to cancelled. The flip is
// cooperative: an in-flight node call is not preempted, the runner
// observes the status between node steps. Returns whether the run was
// actually cancelled.
func (ec *ExecutionContext) Cancel() bool {
	return ec.setStatus(StatusCancelled)
}

// fail records the error and moves the run to the failed status.
func (ec *ExecutionContext) fail(err *WorkflowError) {
	ec.mutex.Lock()
	ec.err = err
	ec.mutex.Unlock()
	ec.setStatus(StatusFailed)
}

// Error returns the recorded failure, if any.
func (ec *ExecutionContext) Error() *WorkflowError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return ec.err
}

// StartTime returns when the run started.
func (ec *ExecutionContext) StartTime() time.Time {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return ec.startTime
}

// EndTime returns when the run reached a terminal status, zero while the
// run is still in flight.
func (ec *ExecutionContext) EndTime() time.Time {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return ec.endTime
}

// Data returns a copy of the variable-resolution namespace.
func (ec *ExecutionContext) Data() map[string]any {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return copyMap(ec.data)
}

// SetData sets one value in the data bag.
func (ec *ExecutionContext) SetData(key string, value any) {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.data[key] = value
}

// mergeData overlays values onto the data bag.
func (ec *ExecutionContext) mergeData(values map[string]any) {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	for k, v := range values {
		ec.data[k] = v
	}
}

// AppendLog appends one structured log entry.
func (ec *ExecutionContext) AppendLog(level, nodeID, message string, fields map[string]any) {
	entry := &LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		NodeID:    nodeID,
		Message:   message,
		Fields:    fields,
	}
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.logs = append(ec.logs, entry)
}

// Logs returns a copy of the append-only log.
func (ec *ExecutionContext) Logs() []*LogEntry {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	logs := make([]*LogEntry, len(ec.logs))
	copy(logs, ec.logs)
	return logs
}

// markNodeCompleted appends the node to the completed list and records
// its elapsed time.
func (ec *ExecutionContext) markNodeCompleted(nodeID string, elapsed time.Duration) {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.completedNodes = append(ec.completedNodes, nodeID)
	ec.metrics.NodesExecuted++
	ec.metrics.NodeDurations[nodeID] = elapsed
}

// CompletedNodes returns the IDs of nodes completed so far, in order.
func (ec *ExecutionContext) CompletedNodes() []string {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	nodes := make([]string, len(ec.completedNodes))
	copy(nodes, ec.completedNodes)
	return nodes
}

// setMemorySample records the process memory sample taken at run end.
func (ec *ExecutionContext) setMemorySample(bytes uint64) {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.metrics.MemoryBytes = bytes
}

// Metrics returns a copy of the per-run metrics.
func (ec *ExecutionContext) Metrics() RunMetrics {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	durations := make(map[string]time.Duration, len(ec.metrics.NodeDurations))
	for k, v := range ec.metrics.NodeDurations {
		durations[k] = v
	}
	return RunMetrics{
		NodesExecuted: ec.metrics.NodesExecuted,
		NodeDurations: durations,
		MemoryBytes:   ec.metrics.MemoryBytes,
	}
}

// Record produces a serializable snapshot of the run for the history
// store and the inspection API.
func (ec *ExecutionContext) Record() *ExecutionRecord {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	logs := make([]*LogEntry, len(ec.logs))
	copy(logs, ec.logs)
	nodes := make([]string, len(ec.completedNodes))
	copy(nodes, ec.completedNodes)
	durations := make(map[string]time.Duration, len(ec.metrics.NodeDurations))
	for k, v := range ec.metrics.NodeDurations {
		durations[k] = v
	}
	return &ExecutionRecord{
		ID:             ec.id,
		WorkflowID:     ec.workflowID,
		Status:         ec.status,
		StartTime:      ec.startTime,
		EndTime:        ec.endTime,
		TriggerData:    copyMap(ec.triggerData),
		Data:           copyMap(ec.data),
		Logs:           logs,
		CompletedNodes: nodes,
		Error:          ec.err,
		Metrics: RunMetrics{
			NodesExecuted: ec.metrics.NodesExecuted,
			NodeDurations: durations,
			MemoryBytes:   ec.metrics.MemoryBytes,
		},
	}
}

// copyMap creates a shallow copy of a map.
func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
