package autoflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry() *ExecutorRegistry {
	registry := NewExecutorRegistry()
	registry.Register("start", NewExecutorFunc("start",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			return &Result{Success: true}, nil
		}))
	registry.Register("set", NewExecutorFunc("set",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			values, _ := config["values"].(map[string]any)
			return &Result{Success: true, Data: values}, nil
		}))
	return registry
}

func runWorkflow(t *testing.T, registry *ExecutorRegistry, def *Definition, triggerData map[string]any) (*ExecutionContext, error) {
	t.Helper()
	runner := NewRunner(RunnerOptions{Registry: registry})
	ec := NewExecutionContext(NewExecutionID(), def.ID, triggerData)
	err := runner.Run(context.Background(), def, ec)
	return ec, err
}

func TestRunnerLinearGraph(t *testing.T) {
	registry := newTestRegistry()
	def := &Definition{
		ID:   "linear",
		Name: "Linear",
		Nodes: []*Node{
			{ID: "start", Type: "start", Connections: []*Connection{{Target: "a"}}},
			{ID: "a", Type: "set", Config: map[string]any{"values": map[string]any{"x": 1}},
				Connections: []*Connection{{Target: "b"}}},
			{ID: "b", Type: "set", Config: map[string]any{"values": map[string]any{"y": 2}}},
		},
	}

	ec, err := runWorkflow(t, registry, def, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, ec.Status())
	require.Equal(t, []string{"start", "a", "b"}, ec.CompletedNodes())
	require.Equal(t, 1, ec.Data()["x"])
	require.Equal(t, 2, ec.Data()["y"])
	require.Equal(t, 3, ec.Metrics().NodesExecuted)
}

func TestRunnerConditionRouting(t *testing.T) {
	registry := newTestRegistry()
	build := func(x int) *Definition {
		return &Definition{
			ID:   "routing",
			Name: "Routing",
			Nodes: []*Node{
				{ID: "start", Type: "start", Connections: []*Connection{{Target: "emit"}}},
				{ID: "emit", Type: "set", Config: map[string]any{"values": map[string]any{"x": x}},
					Connections: []*Connection{
						{Target: "one", Condition: &Condition{Type: "equals", Field: "x", Value: 1}},
						{Target: "other"},
					}},
				{ID: "one", Type: "set", Config: map[string]any{"values": map[string]any{"path": "one"}}},
				{ID: "other", Type: "set", Config: map[string]any{"values": map[string]any{"path": "other"}}},
			},
		}
	}

	t.Run("matching condition wins", func(t *testing.T) {
		ec, err := runWorkflow(t, registry, build(1), nil)
		require.NoError(t, err)
		require.Equal(t, "one", ec.Data()["path"])
	})

	t.Run("falls through to the unconditional default", func(t *testing.T) {
		ec, err := runWorkflow(t, registry, build(2), nil)
		require.NoError(t, err)
		require.Equal(t, "other", ec.Data()["path"])
	})
}

func TestRunnerConditionKinds(t *testing.T) {
	data := map[string]any{
		"user": map[string]any{"name": "ada"},
	}

	t.Run("exists", func(t *testing.T) {
		require.True(t, conditionPasses(&Condition{Type: "exists", Field: "user.name"}, data))
		require.False(t, conditionPasses(&Condition{Type: "exists", Field: "user.email"}, data))
	})

	t.Run("equals across numeric types", func(t *testing.T) {
		bag := map[string]any{"n": float64(2)}
		require.True(t, conditionPasses(&Condition{Type: "equals", Field: "n", Value: 2}, bag))
	})

	t.Run("unknown condition types pass", func(t *testing.T) {
		require.True(t, conditionPasses(&Condition{Type: "regex-match", Field: "user.name"}, data))
	})

	t.Run("nil condition passes", func(t *testing.T) {
		require.True(t, conditionPasses(nil, data))
	})
}

func TestRunnerExplicitNextNode(t *testing.T) {
	registry := newTestRegistry()
	registry.Register("jump", NewExecutorFunc("jump",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			return &Result{Success: true, NextNodeID: "target"}, nil
		}))
	def := &Definition{
		ID:   "jump",
		Name: "Jump",
		Nodes: []*Node{
			{ID: "start", Type: "start", Connections: []*Connection{{Target: "decide"}}},
			{ID: "decide", Type: "jump", Connections: []*Connection{{Target: "skipped"}}},
			{ID: "skipped", Type: "set", Config: map[string]any{"values": map[string]any{"path": "skipped"}}},
			{ID: "target", Type: "set", Config: map[string]any{"values": map[string]any{"path": "target"}}},
		},
	}

	ec, err := runWorkflow(t, registry, def, nil)
	require.NoError(t, err)
	require.Equal(t, "target", ec.Data()["path"])
	require.NotContains(t, ec.CompletedNodes(), "skipped")
}

func TestRunnerNoStartNode(t *testing.T) {
	ec, err := runWorkflow(t, newTestRegistry(), &Definition{ID: "empty", Name: "Empty"}, nil)
	require.Error(t, err)
	require.True(t, HasCode(err, ErrCodeNoStartNode))
	require.Equal(t, StatusFailed, ec.Status())
}

func TestRunnerExecutorNotFound(t *testing.T) {
	def := &Definition{
		ID:    "missing",
		Name:  "Missing",
		Nodes: []*Node{{ID: "start", Type: "no-such-type"}},
	}
	ec, err := runWorkflow(t, newTestRegistry(), def, nil)
	require.Error(t, err)
	require.True(t, HasCode(err, ErrCodeExecutorNotFound))
	require.Equal(t, StatusFailed, ec.Status())
	require.Equal(t, "start", ec.Error().NodeID)
}

func TestRunnerNodeTimeout(t *testing.T) {
	registry := newTestRegistry()
	registry.Register("slow", NewExecutorFunc("slow",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			select {
			case <-time.After(5 * time.Second):
				return &Result{Success: true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))
	def := &Definition{
		ID:   "slow",
		Name: "Slow",
		Nodes: []*Node{
			{ID: "start", Type: "start", Connections: []*Connection{{Target: "crawl"}}},
			{ID: "crawl", Type: "slow", Config: map[string]any{"timeout": "50ms"}},
		},
	}

	started := time.Now()
	ec, err := runWorkflow(t, registry, def, nil)
	require.Error(t, err)
	require.Less(t, time.Since(started), 2*time.Second)
	require.True(t, HasCode(err, ErrCodeNodeTimeout))
	require.Equal(t, StatusFailed, ec.Status())
	require.Equal(t, "crawl", ec.Error().NodeID)
}

func TestRunnerFailedResult(t *testing.T) {
	registry := newTestRegistry()
	registry.Register("flaky", NewExecutorFunc("flaky",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			return &Result{Success: false, Error: "downstream said no"}, nil
		}))
	def := &Definition{
		ID:    "flaky",
		Name:  "Flaky",
		Nodes: []*Node{{ID: "start", Type: "flaky"}},
	}

	ec, err := runWorkflow(t, registry, def, nil)
	require.Error(t, err)
	require.Equal(t, StatusFailed, ec.Status())
	require.Contains(t, ec.Error().Message, "downstream said no")
}

func TestRunnerCancellation(t *testing.T) {
	registry := newTestRegistry()
	release := make(chan struct{})
	registry.Register("block", NewExecutorFunc("block",
		func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			<-release
			return &Result{Success: true}, nil
		}))
	def := &Definition{
		ID:   "cancellable",
		Name: "Cancellable",
		Nodes: []*Node{
			{ID: "start", Type: "start", Connections: []*Connection{{Target: "block"}}},
			{ID: "block", Type: "block", Connections: []*Connection{{Target: "after"}}},
			{ID: "after", Type: "set", Config: map[string]any{"values": map[string]any{"reached": true}}},
		},
	}

	runner := NewRunner(RunnerOptions{Registry: registry})
	ec := NewExecutionContext(NewExecutionID(), def.ID, nil)

	done := make(chan error, 1)
	go func() {
		done <- runner.Run(context.Background(), def, ec)
	}()

	require.Eventually(t, func() bool {
		return ec.Status() == StatusRunning
	}, time.Second, 5*time.Millisecond)
	require.True(t, ec.Cancel())
	close(release)

	require.NoError(t, <-done)
	require.Equal(t, StatusCancelled, ec.Status())
	require.NotContains(t, ec.CompletedNodes(), "after")
}

func TestRunnerSeedsVariablesAndTriggerData(t *testing.T) {
	registry := newTestRegistry()
	def := &Definition{
		ID:        "seeded",
		Name:      "Seeded",
		Variables: map[string]any{"env": "prod", "region": "eu"},
		Nodes:     []*Node{{ID: "start", Type: "start"}},
	}

	ec, err := runWorkflow(t, registry, def, map[string]any{"region": "us", "actor": "ada"})
	require.NoError(t, err)
	data := ec.Data()
	require.Equal(t, "prod", data["env"])
	require.Equal(t, "us", data["region"]) // trigger data wins
	require.Equal(t, "ada", data["actor"])
}
