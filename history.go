package autoflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrExecutionNotFound is returned when an execution record is absent
// from the history store, either because it never existed or because
// the retention sweep evicted it.
var ErrExecutionNotFound = errors.New("execution not found")

// DefaultRetentionWindow bounds how long finished runs stay queryable.
const DefaultRetentionWindow = 5 * time.Minute

// ExecutionRecord is a serializable snapshot of one workflow run. Live
// runs are snapshotted on demand; finished runs are written once and
// then only read.
type ExecutionRecord struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Status         ExecutionStatus `json:"status"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        time.Time       `json:"end_time"`
	TriggerData    map[string]any  `json:"trigger_data,omitempty"`
	Data           map[string]any  `json:"data,omitempty"`
	Logs           []*LogEntry     `json:"logs,omitempty"`
	CompletedNodes []string        `json:"completed_nodes,omitempty"`
	Error          *WorkflowError  `json:"error,omitempty"`
	Metrics        RunMetrics      `json:"metrics"`
}

// Duration returns the run's wall-clock duration, or the elapsed time
// so far if it has not finished.
func (r *ExecutionRecord) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// HistoryStore keeps finished execution records for inspection, subject
// to a retention window.
type HistoryStore interface {
	// Put stores or replaces the record for an execution.
	Put(ctx context.Context, record *ExecutionRecord) error

	// Get returns the record for an execution, or ErrExecutionNotFound.
	Get(ctx context.Context, executionID string) (*ExecutionRecord, error)

	// List returns records for a workflow ordered most recent first, all
	// workflows when workflowID is empty.
	List(ctx context.Context, workflowID string) ([]*ExecutionRecord, error)

	// Sweep evicts records whose run finished before the cutoff and
	// returns how many were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// MemoryHistoryStore is the in-process history backend.
type MemoryHistoryStore struct {
	mutex   sync.RWMutex
	records map[string]*ExecutionRecord
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{records: map[string]*ExecutionRecord{}}
}

func (s *MemoryHistoryStore) Put(ctx context.Context, record *ExecutionRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.records[record.ID] = record
	return nil
}

func (s *MemoryHistoryStore) Get(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	record, ok := s.records[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return record, nil
}

func (s *MemoryHistoryStore) List(ctx context.Context, workflowID string) ([]*ExecutionRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var records []*ExecutionRecord
	for _, record := range s.records {
		if workflowID == "" || record.WorkflowID == workflowID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartTime.After(records[j].StartTime)
	})
	return records, nil
}

func (s *MemoryHistoryStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	removed := 0
	for id, record := range s.records {
		if !record.EndTime.IsZero() && record.EndTime.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryHistoryStore) Close() error {
	return nil
}
