package autoflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/lib/pq"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	record      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_executions_workflow_idx
	ON workflow_executions (workflow_id, started_at DESC);
CREATE INDEX IF NOT EXISTS workflow_executions_finished_idx
	ON workflow_executions (finished_at);
`

// PostgresHistoryStore keeps execution records in Postgres so they
// survive process restarts and can be shared across engine replicas.
type PostgresHistoryStore struct {
	db *sql.DB
}

// NewPostgresHistoryStore opens the database and ensures the schema.
func NewPostgresHistoryStore(ctx context.Context, dsn string) (*PostgresHistoryStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresHistoryStore{db: db}, nil
}

func (s *PostgresHistoryStore) Put(ctx context.Context, record *ExecutionRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize execution record: %w", err)
	}
	var finished sql.NullTime
	if !record.EndTime.IsZero() {
		finished = sql.NullTime{Time: record.EndTime, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, status, started_at, finished_at, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			record = EXCLUDED.record`,
		record.ID, record.WorkflowID, string(record.Status),
		record.StartTime, finished, payload)
	if err != nil {
		return fmt.Errorf("failed to store execution record: %w", err)
	}
	return nil
}

func (s *PostgresHistoryStore) Get(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM workflow_executions WHERE id = $1`, executionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution record: %w", err)
	}
	var record ExecutionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize execution record: %w", err)
	}
	return &record, nil
}

func (s *PostgresHistoryStore) List(ctx context.Context, workflowID string) ([]*ExecutionRecord, error) {
	query := `SELECT record FROM workflow_executions ORDER BY started_at DESC`
	args := []any{}
	if workflowID != "" {
		query = `SELECT record FROM workflow_executions WHERE workflow_id = $1 ORDER BY started_at DESC`
		args = append(args, workflowID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		var record ExecutionRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("failed to deserialize execution record: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

func (s *PostgresHistoryStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_executions WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep execution records: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

func (s *PostgresHistoryStore) Close() error {
	return s.db.Close()
}
