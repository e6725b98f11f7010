package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperagent/hyperagent/internal/tracing"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

const stepColumns = `id, workflow_id, planner_task_id, status, sequence, depends_on, data, result, runner_instance_id, runner_attempts, ready_at, created_at, updated_at`

// GetStep retrieves a workflow step by ID
func (r *Repository) GetStep(ctx context.Context, id string) (*models.WorkflowStep, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+stepColumns+` FROM workflow_steps WHERE id = ?
	`), id)

	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow step not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return step, nil
}

// UpdateStep updates an existing step
func (r *Repository) UpdateStep(ctx context.Context, step *models.WorkflowStep) error {
	step.UpdatedAt = time.Now().UTC()

	dependsOn, err := json.Marshal(step.DependsOn)
	if err != nil {
		dependsOn = []byte("[]")
	}
	data, err := json.Marshal(step.Data)
	if err != nil {
		data = []byte("{}")
	}
	result, err := json.Marshal(step.Result)
	if err != nil {
		result = []byte("{}")
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE workflow_steps SET status = ?, sequence = ?, depends_on = ?, data = ?, result = ?, runner_instance_id = ?, runner_attempts = ?, ready_at = ?, updated_at = ?
		WHERE id = ?
	`), step.Status, step.Sequence, string(dependsOn), string(data), string(result), step.RunnerInstanceID, step.RunnerAttempts, step.ReadyAt, step.UpdatedAt, step.ID)
	if err != nil {
		return err
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workflow step not found: %s", step.ID)
	}
	return nil
}

// ListSteps returns all steps of a workflow ordered by sequence
func (r *Repository) ListSteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+stepColumns+` FROM workflow_steps
		WHERE workflow_id = ? ORDER BY sequence ASC
	`), workflowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSteps(rows)
}

// ListReadySteps returns pending steps whose back-off window has elapsed,
// ordered by sequence. Dependencies are NOT checked here; the caller must
// re-verify them against the current store before claiming. Steps of
// cancelled workflows stay in the candidate set so they can be finalised
// to skipped at claim time; paused and not-yet-started workflows keep
// their steps out of the queue.
func (r *Repository) ListReadySteps(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowStep, error) {
	ctx, span := tracing.Tracer("hyperagent-db").Start(ctx, "db.ListReadySteps")
	defer span.End()

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT s.id, s.workflow_id, s.planner_task_id, s.status, s.sequence, s.depends_on, s.data, s.result, s.runner_instance_id, s.runner_attempts, s.ready_at, s.created_at, s.updated_at
		FROM workflow_steps s
		JOIN workflows w ON w.id = s.workflow_id
		WHERE s.status = 'pending'
		  AND w.status IN ('running', 'cancelled')
		  AND (s.ready_at IS NULL OR s.ready_at <= ?)
		ORDER BY s.sequence ASC, s.created_at ASC
		LIMIT ?
	`), now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSteps(rows)
}

// ClaimStep atomically transitions a step from pending to running. It
// returns false when the step was not pending, meaning another worker won
// the claim or the step moved on. The lease starts unassigned; the caller
// binds a runner instance id with AssignStepRunner.
func (r *Repository) ClaimStep(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE workflow_steps
		SET status = 'running', runner_instance_id = NULL, ready_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`), time.Now().UTC(), id)
	if err != nil {
		return false, err
	}

	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// AssignStepRunner binds a runner instance id to a freshly claimed step and
// records the enqueue attempt count. Fails if the step is not running with
// an unassigned lease.
func (r *Repository) AssignStepRunner(ctx context.Context, id, runnerInstanceID string, attempts int) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE workflow_steps
		SET runner_instance_id = ?, runner_attempts = ?, ready_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running' AND runner_instance_id IS NULL
	`), runnerInstanceID, attempts, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("step %s is not holding an unassigned lease", id)
	}
	return nil
}

// ReleaseStepForRetry reverts a running step to pending after a failed
// enqueue, clearing the lease and scheduling the next attempt at readyAt.
func (r *Repository) ReleaseStepForRetry(ctx context.Context, id string, attempts int, readyAt time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE workflow_steps
		SET status = 'pending', runner_instance_id = NULL, runner_attempts = ?, ready_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
	`), attempts, readyAt, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workflow step not running: %s", id)
	}
	return nil
}

// FinalizeStep writes a terminal status and result, clearing the lease and
// any back-off marker in the same statement.
func (r *Repository) FinalizeStep(ctx context.Context, id string, status v1.StepStatus, result map[string]interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte("{}")
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE workflow_steps
		SET status = ?, result = ?, runner_instance_id = NULL, ready_at = NULL, updated_at = ?
		WHERE id = ?
	`), status, string(resultJSON), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workflow step not found: %s", id)
	}
	return nil
}

// CountStepsByStatus returns global step counts grouped by status
func (r *Repository) CountStepsByStatus(ctx context.Context) (map[v1.StepStatus]int, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM workflow_steps GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[v1.StepStatus]int)
	for rows.Next() {
		var status v1.StepStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// CountStuckRunning returns the number of running steps whose last update is
// older than the given cutoff. These are leases whose runner likely died.
func (r *Repository) CountStuckRunning(ctx context.Context, olderThan time.Time) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM workflow_steps WHERE status = 'running' AND updated_at < ?
	`), olderThan).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanStep scans a single step row
func scanStep(row rowScanner) (*models.WorkflowStep, error) {
	step := &models.WorkflowStep{}
	var dependsOn, data, result string
	var runnerInstanceID sql.NullString
	var readyAt sql.NullTime
	err := row.Scan(
		&step.ID,
		&step.WorkflowID,
		&step.PlannerTaskID,
		&step.Status,
		&step.Sequence,
		&dependsOn,
		&data,
		&result,
		&runnerInstanceID,
		&step.RunnerAttempts,
		&readyAt,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if runnerInstanceID.Valid {
		step.RunnerInstanceID = &runnerInstanceID.String
	}
	if readyAt.Valid {
		step.ReadyAt = &readyAt.Time
	}
	_ = json.Unmarshal([]byte(dependsOn), &step.DependsOn)
	_ = json.Unmarshal([]byte(data), &step.Data)
	_ = json.Unmarshal([]byte(result), &step.Result)
	return step, nil
}

// scanSteps is a helper to scan step rows
func scanSteps(rows *sql.Rows) ([]*models.WorkflowStep, error) {
	var result []*models.WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, step)
	}
	return result, rows.Err()
}
