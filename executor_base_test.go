package autoflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupPath(t *testing.T) {
	data := map[string]any{
		"user": map[string]any{
			"name": "ada",
			"address": map[string]any{
				"city": "london",
			},
		},
		"count": 3,
	}

	t.Run("top level key", func(t *testing.T) {
		value, ok := LookupPath(data, "count")
		require.True(t, ok)
		require.Equal(t, 3, value)
	})

	t.Run("nested path", func(t *testing.T) {
		value, ok := LookupPath(data, "user.address.city")
		require.True(t, ok)
		require.Equal(t, "london", value)
	})

	t.Run("missing intermediate resolves to nothing", func(t *testing.T) {
		value, ok := LookupPath(data, "user.missing.city")
		require.False(t, ok)
		require.Nil(t, value)
	})

	t.Run("traversal through a non-map stops", func(t *testing.T) {
		_, ok := LookupPath(data, "count.further")
		require.False(t, ok)
	})
}

func TestResolveVariables(t *testing.T) {
	data := map[string]any{
		"name": "ada",
		"job":  map[string]any{"title": "engineer"},
	}

	t.Run("whole value placeholders", func(t *testing.T) {
		resolved := ResolveVariables(map[string]any{
			"greeting": "{{name}}",
			"title":    "{{ job.title }}",
			"literal":  "plain",
		}, data)
		require.Equal(t, "ada", resolved["greeting"])
		require.Equal(t, "engineer", resolved["title"])
		require.Equal(t, "plain", resolved["literal"])
	})

	t.Run("embedded placeholders interpolate as strings", func(t *testing.T) {
		resolved := ResolveVariables(map[string]any{
			"message": "hi {{name}}, the {{job.title}} role is yours",
			"partial": "known {{name}} unknown {{nope}}",
		}, data)
		require.Equal(t, "hi ada, the engineer role is yours", resolved["message"])
		require.Equal(t, "known ada unknown ", resolved["partial"])
	})

	t.Run("missing path resolves to nil", func(t *testing.T) {
		resolved := ResolveVariables(map[string]any{"x": "{{does.not.exist}}"}, data)
		require.Nil(t, resolved["x"])
	})

	t.Run("nested maps and slices", func(t *testing.T) {
		resolved := ResolveVariables(map[string]any{
			"outer": map[string]any{"who": "{{name}}"},
			"list":  []any{"{{name}}", "static"},
		}, data)
		require.Equal(t, "ada", resolved["outer"].(map[string]any)["who"])
		require.Equal(t, []any{"ada", "static"}, resolved["list"])
	})
}

func TestWrapExecutor(t *testing.T) {
	t.Run("rejects invalid config before executing", func(t *testing.T) {
		called := false
		inner := NewExecutorFunc("print", func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			called = true
			return &Result{Success: true}, nil
		}).WithValidator(func(config map[string]any) *ValidationResult {
			return &ValidationResult{Errors: []string{"message is required"}}
		})

		wrapped := WrapExecutor(inner, WrapOptions{})
		ec := NewExecutionContext(NewExecutionID(), "wf-1", nil)
		_, err := wrapped.Execute(context.Background(), map[string]any{}, nil, ec)
		require.Error(t, err)
		require.True(t, HasCode(err, ErrCodeValidation))
		require.False(t, called)
	})

	t.Run("resolves inputs from the data bag", func(t *testing.T) {
		var got map[string]any
		inner := NewExecutorFunc("echo", func(ctx context.Context, config, inputs map[string]any, ec *ExecutionContext) (*Result, error) {
			got = inputs
			return &Result{Success: true}, nil
		})

		wrapped := WrapExecutor(inner, WrapOptions{})
		ec := NewExecutionContext(NewExecutionID(), "wf-1", nil)
		ec.SetData("name", "ada")
		_, err := wrapped.Execute(context.Background(), nil, map[string]any{"who": "{{name}}"}, ec)
		require.NoError(t, err)
		require.Equal(t, "ada", got["who"])
	})
}
