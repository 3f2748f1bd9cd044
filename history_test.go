package autoflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func record(id, workflowID string, status ExecutionStatus, finished time.Time) *ExecutionRecord {
	return &ExecutionRecord{
		ID:         id,
		WorkflowID: workflowID,
		Status:     status,
		StartTime:  finished.Add(-time.Second),
		EndTime:    finished,
	}
}

func TestMemoryHistoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryHistoryStore()
	defer store.Close()

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "exec-missing")
		require.ErrorIs(t, err, ErrExecutionNotFound)
	})

	t.Run("put and get", func(t *testing.T) {
		rec := record("exec-1", "wf-1", StatusCompleted, time.Now())
		require.NoError(t, store.Put(ctx, rec))
		got, err := store.Get(ctx, "exec-1")
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, got.Status)
	})

	t.Run("list filters by workflow, newest first", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, store.Put(ctx, record("exec-2", "wf-1", StatusFailed, now.Add(time.Minute))))
		require.NoError(t, store.Put(ctx, record("exec-3", "wf-2", StatusCompleted, now)))

		records, err := store.List(ctx, "wf-1")
		require.NoError(t, err)
		require.Len(t, records, 2)
		require.Equal(t, "exec-2", records[0].ID)

		all, err := store.List(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
	})

	t.Run("sweep evicts finished runs past the cutoff", func(t *testing.T) {
		old := record("exec-old", "wf-1", StatusCompleted, time.Now().Add(-time.Hour))
		require.NoError(t, store.Put(ctx, old))

		// a live run has no end time and must survive any sweep
		live := &ExecutionRecord{ID: "exec-live", WorkflowID: "wf-1", Status: StatusRunning, StartTime: time.Now().Add(-2 * time.Hour)}
		require.NoError(t, store.Put(ctx, live))

		removed, err := store.Sweep(ctx, time.Now().Add(-30*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		_, err = store.Get(ctx, "exec-old")
		require.ErrorIs(t, err, ErrExecutionNotFound)
		_, err = store.Get(ctx, "exec-live")
		require.NoError(t, err)
	})
}

func TestExecutionRecordDuration(t *testing.T) {
	finished := time.Now()
	rec := record("exec-1", "wf-1", StatusCompleted, finished)
	require.Equal(t, time.Second, rec.Duration())

	live := &ExecutionRecord{StartTime: time.Now().Add(-time.Minute)}
	require.Greater(t, live.Duration(), 50*time.Second)
}
