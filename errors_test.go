package autoflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkflowErrorFormatting(t *testing.T) {
	err := NewNodeError("fetch", "connection refused", true)
	require.Equal(t, `NODE_EXECUTION_FAILED: connection refused (node "fetch")`, err.Error())

	plain := NewWorkflowError(ErrCodeNoStartNode, "no start node")
	require.Equal(t, "NO_START_NODE: no start node", plain.Error())
}

func TestWorkflowErrorUnwrap(t *testing.T) {
	inner := errors.New("route already taken")
	err := NewTriggerError("failed to mount webhook", inner)
	require.ErrorIs(t, err, inner)

	wrapped := fmt.Errorf("register workflow: %w", err)
	require.True(t, HasCode(wrapped, ErrCodeTrigger))
}

func TestNewValidationErrors(t *testing.T) {
	err := NewValidationErrors([]string{"Workflow ID is required", "Workflow must have at least one node"})
	require.Equal(t, ErrCodeValidation, err.Code)
	require.Len(t, err.Violations, 2)
	require.Contains(t, err.Error(), "Workflow ID is required")
	require.Contains(t, err.Error(), "Workflow must have at least one node")
}

func TestNewTimeoutError(t *testing.T) {
	err := NewTimeoutError("slow-node", 30*time.Second)
	require.Equal(t, ErrCodeNodeTimeout, err.Code)
	require.Equal(t, "slow-node", err.NodeID)
	require.True(t, err.Retryable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyError(t *testing.T) {
	t.Run("workflow errors pass through", func(t *testing.T) {
		original := NewNodeError("n", "boom", false)
		require.Same(t, original, ClassifyError(original))
	})

	t.Run("deadline exceeded becomes a timeout", func(t *testing.T) {
		classified := ClassifyError(context.DeadlineExceeded)
		require.Equal(t, ErrCodeNodeTimeout, classified.Code)
		require.True(t, classified.Retryable)
	})

	t.Run("timeout message patterns", func(t *testing.T) {
		classified := ClassifyError(errors.New("dial tcp: i/o timeout"))
		require.Equal(t, ErrCodeNodeTimeout, classified.Code)
	})

	t.Run("cancellation is not retryable", func(t *testing.T) {
		classified := ClassifyError(context.Canceled)
		require.False(t, classified.Retryable)
	})

	t.Run("unknown errors are retryable by default", func(t *testing.T) {
		classified := ClassifyError(errors.New("connection reset by peer"))
		require.Equal(t, ErrCodeNodeFailed, classified.Code)
		require.True(t, classified.Retryable)
	})
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(NewNodeError("n", "fatal", false)))
	require.True(t, IsRetryable(NewNodeError("n", "transient", true)))
	require.True(t, IsRetryable(errors.New("something broke")))
}
