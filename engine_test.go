package autoflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type executionRecorder struct {
	BaseExecutionCallbacks
	mutex    sync.Mutex
	finished []*ExecutionEvent
	done     chan *ExecutionEvent
}

func newExecutionRecorder() *executionRecorder {
	return &executionRecorder{done: make(chan *ExecutionEvent, 16)}
}

func (r *executionRecorder) AfterExecution(ctx context.Context, event *ExecutionEvent) {
	r.mutex.Lock()
	r.finished = append(r.finished, event)
	r.mutex.Unlock()
	r.done <- event
}

func (r *executionRecorder) wait(t *testing.T) *ExecutionEvent {
	t.Helper()
	select {
	case event := <-r.done:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for execution to finish")
		return nil
	}
}

func newTestEngine(t *testing.T, recorder *executionRecorder) *Engine {
	t.Helper()
	executors := NewExecutorRegistry()
	RegisterBuiltinExecutors(executors, nil)
	engine, err := New(Options{
		Executors: executors,
		Callbacks: []ExecutionCallbacks{recorder},
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop() })
	return engine
}

func engineWorkflow() *Definition {
	return &Definition{
		ID:     "greeter",
		Name:   "Greeter",
		Status: DefinitionStatusActive,
		Triggers: []*TriggerConfig{
			{Type: TriggerTypeManual, Enabled: true},
		},
		Nodes: []*Node{
			{ID: "start", Type: "start", Connections: []*Connection{{Target: "store"}}},
			{ID: "store", Type: "set", Config: map[string]any{
				"values": map[string]any{"handled": true},
			}},
		},
	}
}

func TestEngineEndToEnd(t *testing.T) {
	recorder := newExecutionRecorder()
	engine := newTestEngine(t, recorder)

	require.NoError(t, engine.RegisterWorkflow(engineWorkflow()))
	engine.Start(context.Background())

	require.NoError(t, engine.TriggerManual("greeter", map[string]any{"who": "ada"}, "tester"))

	event := recorder.wait(t)
	require.Equal(t, StatusCompleted, event.Status)
	require.Equal(t, "greeter", event.WorkflowID)

	record, err := engine.GetExecution(event.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, record.Status)
	require.Equal(t, true, record.Data["handled"])
	require.Equal(t, "ada", record.Data["who"])
	require.Equal(t, []string{"start", "store"}, record.CompletedNodes)

	logs, err := engine.GetExecutionLogs(event.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, logs)

	snapshot := engine.GetMetrics()
	require.Equal(t, uint64(1), snapshot.TotalExecutions)
	require.Equal(t, uint64(1), snapshot.ByStatus[StatusCompleted])
}

func TestEngineMetricsIncludeQueueDepth(t *testing.T) {
	recorder := newExecutionRecorder()
	engine := newTestEngine(t, recorder)
	require.NoError(t, engine.RegisterWorkflow(engineWorkflow()))

	// the queue accepts jobs before Start, so the enqueued job sits
	// queued until the pump comes up
	require.NoError(t, engine.TriggerManual("greeter", nil, "tester"))
	require.Equal(t, 1, engine.GetMetrics().QueueDepth)

	engine.Start(context.Background())
	recorder.wait(t)
	require.Eventually(t, func() bool {
		return engine.GetMetrics().QueueDepth == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngineFailedRunIsRecorded(t *testing.T) {
	recorder := newExecutionRecorder()
	engine := newTestEngine(t, recorder)

	def := engineWorkflow()
	def.ID = "doomed"
	def.Nodes = []*Node{
		{ID: "start", Type: "start", Connections: []*Connection{{Target: "boom"}}},
		{ID: "boom", Type: "fail", Config: map[string]any{"message": "as designed"}},
	}
	require.NoError(t, engine.RegisterWorkflow(def))
	engine.Start(context.Background())

	require.NoError(t, engine.TriggerManual("doomed", nil, "tester"))

	event := recorder.wait(t)
	require.Equal(t, StatusFailed, event.Status)

	record, err := engine.GetExecution(event.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, record.Status)
	require.NotNil(t, record.Error)
	require.Contains(t, record.Error.Message, "as designed")
}

func TestEngineRejectsInactiveWorkflows(t *testing.T) {
	recorder := newExecutionRecorder()
	engine := newTestEngine(t, recorder)

	def := engineWorkflow()
	def.Status = DefinitionStatusDraft
	require.NoError(t, engine.RegisterWorkflow(def))
	engine.Start(context.Background())

	err := engine.TriggerManual("greeter", nil, "tester")
	require.Error(t, err)
	require.True(t, HasCode(err, ErrCodeTrigger))
}

func TestEngineUnknownExecution(t *testing.T) {
	recorder := newExecutionRecorder()
	engine := newTestEngine(t, recorder)
	_, err := engine.GetExecution("exec_unknown")
	require.ErrorIs(t, err, ErrExecutionNotFound)
	require.ErrorIs(t, engine.CancelExecution("exec_unknown"), ErrExecutionNotFound)
}

func TestEngineCancelRunningExecution(t *testing.T) {
	recorder := newExecutionRecorder()

	executors := NewExecutorRegistry()
	RegisterBuiltinExecutors(executors, nil)
	release := make(chan struct{})
	executors.Register("block", NewExecutorFunc("block",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &Result{Success: true}, nil
		}))

	engine, err := New(Options{
		Executors: executors,
		Callbacks: []ExecutionCallbacks{recorder},
	})
	require.NoError(t, err)
	t.Cleanup(func() { close(release); engine.Stop() })

	def := engineWorkflow()
	def.ID = "long-runner"
	def.Nodes = []*Node{
		{ID: "start", Type: "start", Connections: []*Connection{{Target: "block"}}},
		{ID: "block", Type: "block", Connections: []*Connection{{Target: "store"}}},
		{ID: "store", Type: "set", Config: map[string]any{"values": map[string]any{"done": true}}},
	}
	require.NoError(t, engine.RegisterWorkflow(def))
	engine.Start(context.Background())
	require.NoError(t, engine.TriggerManual("long-runner", nil, "tester"))

	var executionID string
	require.Eventually(t, func() bool {
		active := engine.GetActiveExecutions()
		if len(active) != 1 {
			return false
		}
		executionID = active[0].ID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, engine.CancelExecution(executionID))
	event := recorder.wait(t)
	require.Equal(t, StatusCancelled, event.Status)

	record, err := engine.GetExecution(executionID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, record.Status)
	require.NotContains(t, record.CompletedNodes, "store")
}

func TestEngineUnregisterCancelsRunning(t *testing.T) {
	recorder := newExecutionRecorder()

	executors := NewExecutorRegistry()
	RegisterBuiltinExecutors(executors, nil)
	executors.Register("stall", NewExecutorFunc("stall",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	engine, err := New(Options{
		Executors: executors,
		Callbacks: []ExecutionCallbacks{recorder},
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop() })

	def := engineWorkflow()
	def.ID = "stalled"
	def.Nodes = []*Node{{ID: "start", Type: "stall"}}
	require.NoError(t, engine.RegisterWorkflow(def))
	engine.Start(context.Background())
	require.NoError(t, engine.TriggerManual("stalled", nil, "tester"))

	require.Eventually(t, func() bool {
		return len(engine.GetActiveExecutions()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, engine.UnregisterWorkflow("stalled"))
	event := recorder.wait(t)
	require.Equal(t, StatusCancelled, event.Status)

	// triggers are gone with the workflow
	require.Error(t, engine.TriggerManual("stalled", nil, "tester"))
}

// inlineQueue runs jobs synchronously inside Enqueue, modeling a
// dispatch that outruns the enqueueing caller.
type inlineQueue struct {
	handler JobHandler
}

func (q *inlineQueue) Bind(handler JobHandler) { q.handler = handler }

func (q *inlineQueue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if err := q.handler(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *inlineQueue) Stats() QueueStats         { return QueueStats{} }
func (q *inlineQueue) Pause()                    {}
func (q *inlineQueue) Resume()                   {}
func (q *inlineQueue) Remove(id string) error    { return ErrJobNotFound }
func (q *inlineQueue) Start(ctx context.Context) {}
func (q *inlineQueue) Close() error              { return nil }

func TestEngineCancelAfterImmediateDispatch(t *testing.T) {
	recorder := newExecutionRecorder()
	executors := NewExecutorRegistry()
	RegisterBuiltinExecutors(executors, nil)
	engine, err := New(Options{
		Executors: executors,
		Queue:     &inlineQueue{},
		Callbacks: []ExecutionCallbacks{recorder},
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop() })

	require.NoError(t, engine.RegisterWorkflow(engineWorkflow()))
	engine.Start(context.Background())

	require.NoError(t, engine.TriggerManual("greeter", nil, "tester"))
	event := recorder.wait(t)
	require.Equal(t, StatusCompleted, event.Status)

	// no pending entry may linger once the job has already run
	require.ErrorIs(t, engine.CancelExecution(event.ExecutionID), ErrExecutionNotFound)
}

func TestEngineListExecutions(t *testing.T) {
	recorder := newExecutionRecorder()
	engine := newTestEngine(t, recorder)

	require.NoError(t, engine.RegisterWorkflow(engineWorkflow()))
	engine.Start(context.Background())

	require.NoError(t, engine.TriggerManual("greeter", nil, "tester"))
	recorder.wait(t)
	require.NoError(t, engine.TriggerManual("greeter", nil, "tester"))
	recorder.wait(t)

	require.Eventually(t, func() bool {
		records, err := engine.ListExecutions("greeter")
		return err == nil && len(records) == 2
	}, 5*time.Second, 10*time.Millisecond)
}
