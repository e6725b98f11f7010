package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hyperagent/hyperagent/internal/workflow/models"
)

// CreateDeadLetter records a step that exhausted its enqueue retries
func (r *Repository) CreateDeadLetter(ctx context.Context, letter *models.RunnerDeadLetter) error {
	letter.CreatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO runner_dead_letters (workflow_id, step_id, runner_instance_id, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), letter.WorkflowID, letter.StepID, letter.RunnerInstanceID, letter.Attempts, letter.Error, letter.CreatedAt)
	if err != nil {
		return err
	}

	letter.ID, _ = res.LastInsertId()
	return nil
}

// ListDeadLetters returns the most recent dead letters, newest first
func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]*models.RunnerDeadLetter, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, workflow_id, step_id, runner_instance_id, attempts, error, created_at
		FROM runner_dead_letters ORDER BY created_at DESC, id DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.RunnerDeadLetter
	for rows.Next() {
		letter := &models.RunnerDeadLetter{}
		var runnerInstanceID sql.NullString
		err := rows.Scan(
			&letter.ID,
			&letter.WorkflowID,
			&letter.StepID,
			&runnerInstanceID,
			&letter.Attempts,
			&letter.Error,
			&letter.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if runnerInstanceID.Valid {
			letter.RunnerInstanceID = &runnerInstanceID.String
		}
		result = append(result, letter)
	}
	return result, rows.Err()
}

// CountDeadLetters returns the total number of dead-lettered steps
func (r *Repository) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM runner_dead_letters`).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CreateRunnerEvent appends a telemetry event
func (r *Repository) CreateRunnerEvent(ctx context.Context, event *models.RunnerEvent) error {
	event.CreatedAt = time.Now().UTC()

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO runner_events (workflow_id, step_id, type, status, runner_instance_id, attempts, latency_ms, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), event.WorkflowID, event.StepID, event.Type, event.Status, event.RunnerInstanceID, event.Attempts, event.LatencyMs, string(metadata), event.CreatedAt)
	if err != nil {
		return err
	}

	event.ID, _ = res.LastInsertId()
	return nil
}

// ListRunnerEvents returns all telemetry events for a workflow in insertion order
func (r *Repository) ListRunnerEvents(ctx context.Context, workflowID string) ([]*models.RunnerEvent, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, workflow_id, step_id, type, status, runner_instance_id, attempts, latency_ms, metadata, created_at
		FROM runner_events WHERE workflow_id = ? ORDER BY id ASC
	`), workflowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRunnerEvents(rows)
}

// ListRunnerEventsByStep returns all telemetry events for a step in insertion order
func (r *Repository) ListRunnerEventsByStep(ctx context.Context, stepID string) ([]*models.RunnerEvent, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, workflow_id, step_id, type, status, runner_instance_id, attempts, latency_ms, metadata, created_at
		FROM runner_events WHERE step_id = ? ORDER BY id ASC
	`), stepID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRunnerEvents(rows)
}

// scanRunnerEvents is a helper to scan runner event rows
func scanRunnerEvents(rows *sql.Rows) ([]*models.RunnerEvent, error) {
	var result []*models.RunnerEvent
	for rows.Next() {
		event := &models.RunnerEvent{}
		var runnerInstanceID sql.NullString
		var metadata string
		err := rows.Scan(
			&event.ID,
			&event.WorkflowID,
			&event.StepID,
			&event.Type,
			&event.Status,
			&runnerInstanceID,
			&event.Attempts,
			&event.LatencyMs,
			&metadata,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if runnerInstanceID.Valid {
			event.RunnerInstanceID = &runnerInstanceID.String
		}
		_ = json.Unmarshal([]byte(metadata), &event.Metadata)
		result = append(result, event)
	}
	return result, rows.Err()
}
