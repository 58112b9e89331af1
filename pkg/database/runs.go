package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one persisted research request.
type Run struct {
	ID          uuid.UUID       `json:"id"`
	Drug        string          `json:"drug"`
	Disease     string          `json:"disease"`
	Status      string          `json:"status"`
	Report      *string         `json:"report,omitempty"`
	FailedStage *string         `json:"failed_stage,omitempty"`
	Error       *string         `json:"error,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// LogEntry is one record written by the per-run log handler.
type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (db *PostgresDB) CreateRun(ctx context.Context, id uuid.UUID, drug, disease string) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO research_runs (id, drug, disease, status) VALUES ($1, $2, $3, $4)`,
		id, drug, disease, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// SaveState stores the latest pipeline state snapshot.
func (db *PostgresDB) SaveState(ctx context.Context, id uuid.UUID, state []byte) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE research_runs SET state = $2, updated_at = NOW() WHERE id = $1",
		id, state)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (db *PostgresDB) CompleteRun(ctx context.Context, id uuid.UUID, output []byte, report string) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE research_runs SET status = $2, output = $3, report = $4, updated_at = NOW() WHERE id = $1",
		id, StatusCompleted, output, report)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

func (db *PostgresDB) FailRun(ctx context.Context, id uuid.UUID, stage, reason string) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE research_runs SET status = $2, failed_stage = NULLIF($3, ''), error = $4, updated_at = NOW() WHERE id = $1",
		id, StatusFailed, stage, reason)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	return nil
}

const runColumns = `id, drug, disease, status, report, failed_stage, error, state, output, created_at, updated_at`

func scanRun(row pgx.Row) (*Run, error) {
	r := &Run{}
	var state, output []byte
	err := row.Scan(&r.ID, &r.Drug, &r.Disease, &r.Status, &r.Report, &r.FailedStage, &r.Error,
		&state, &output, &r.CreatedAt, &r.UpdatedAt)
	r.State, r.Output = state, output
	return r, err
}

func (db *PostgresDB) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	r, err := scanRun(db.Pool.QueryRow(ctx, "SELECT "+runColumns+" FROM research_runs WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the newest runs first without the heavy state and output
// columns.
func (db *PostgresDB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, drug, disease, status, failed_stage, error, created_at, updated_at
		FROM research_runs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Drug, &r.Disease, &r.Status, &r.FailedStage, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (db *PostgresDB) InsertLog(ctx context.Context, runID uuid.UUID, ts time.Time, level, message string, metadata []byte) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO research_logs (run_id, timestamp, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, runID, ts, level, message, metadata)
	return err
}

func (db *PostgresDB) GetRunLogs(ctx context.Context, runID uuid.UUID) ([]LogEntry, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, timestamp, level, message, metadata
		FROM research_logs
		WHERE run_id = $1
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	logs := []LogEntry{}
	for rows.Next() {
		var l LogEntry
		var meta []byte
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		l.Metadata = meta
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
