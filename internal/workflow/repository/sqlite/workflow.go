package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperagent/hyperagent/internal/tracing"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// CreateWorkflowWithSteps inserts a workflow and its steps in a single
// transaction. Either the whole DAG is persisted or nothing is.
func (r *Repository) CreateWorkflowWithSteps(ctx context.Context, workflow *models.Workflow, steps []*models.WorkflowStep) error {
	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}
	if workflow.Status == "" {
		workflow.Status = v1.WorkflowStatusPending
	}
	now := time.Now().UTC()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	data, err := json.Marshal(workflow.Data)
	if err != nil {
		data = []byte("{}")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO workflows (id, project_id, planner_run_id, kind, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), workflow.ID, workflow.ProjectID, workflow.PlannerRunID, workflow.Kind, workflow.Status, string(data), workflow.CreatedAt, workflow.UpdatedAt)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback workflow insert: %w", rollbackErr)
		}
		return err
	}

	for _, step := range steps {
		step.WorkflowID = workflow.ID
		if step.Status == "" {
			step.Status = v1.StepStatusPending
		}
		step.CreatedAt = now
		step.UpdatedAt = now

		dependsOn, err := json.Marshal(step.DependsOn)
		if err != nil {
			dependsOn = []byte("[]")
		}
		stepData, err := json.Marshal(step.Data)
		if err != nil {
			stepData = []byte("{}")
		}
		result, err := json.Marshal(step.Result)
		if err != nil {
			result = []byte("{}")
		}

		_, err = tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO workflow_steps (id, workflow_id, planner_task_id, status, sequence, depends_on, data, result, runner_instance_id, runner_attempts, ready_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), step.ID, step.WorkflowID, step.PlannerTaskID, step.Status, step.Sequence, string(dependsOn), string(stepData), string(result), step.RunnerInstanceID, step.RunnerAttempts, step.ReadyAt, step.CreatedAt, step.UpdatedAt)
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				return fmt.Errorf("failed to rollback step insert: %w", rollbackErr)
			}
			return err
		}
	}

	return tx.Commit()
}

// GetWorkflow retrieves a workflow by ID
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	workflow := &models.Workflow{}
	var data string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, planner_run_id, kind, status, data, created_at, updated_at
		FROM workflows WHERE id = ?
	`), id).Scan(&workflow.ID, &workflow.ProjectID, &workflow.PlannerRunID, &workflow.Kind, &workflow.Status, &data, &workflow.CreatedAt, &workflow.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow not found: %s", id)
	}
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(data), &workflow.Data)
	return workflow, nil
}

// UpdateWorkflow updates an existing workflow
func (r *Repository) UpdateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	workflow.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(workflow.Data)
	if err != nil {
		data = []byte("{}")
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE workflows SET project_id = ?, planner_run_id = ?, kind = ?, status = ?, data = ?, updated_at = ?
		WHERE id = ?
	`), workflow.ProjectID, workflow.PlannerRunID, workflow.Kind, workflow.Status, string(data), workflow.UpdatedAt, workflow.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workflow not found: %s", workflow.ID)
	}
	return nil
}

// UpdateWorkflowStatus transitions a workflow to a new status
func (r *Repository) UpdateWorkflowStatus(ctx context.Context, id string, status v1.WorkflowStatus) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workflow not found: %s", id)
	}
	return nil
}

// ListWorkflows returns workflows filtered by project and status. Empty
// filter values match everything.
func (r *Repository) ListWorkflows(ctx context.Context, projectID string, status v1.WorkflowStatus) ([]*models.Workflow, error) {
	ctx, span := tracing.Tracer("hyperagent-db").Start(ctx, "db.ListWorkflows")
	defer span.End()

	query := `
		SELECT id, project_id, planner_run_id, kind, status, data, created_at, updated_at
		FROM workflows WHERE 1=1`
	args := []interface{}{}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return r.scanWorkflows(rows)
}

// DeleteWorkflow deletes a workflow and, via cascade, its steps
func (r *Repository) DeleteWorkflow(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM workflows WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workflow not found: %s", id)
	}
	return nil
}

// scanWorkflows is a helper to scan workflow rows
func (r *Repository) scanWorkflows(rows *sql.Rows) ([]*models.Workflow, error) {
	var result []*models.Workflow
	for rows.Next() {
		workflow := &models.Workflow{}
		var data string
		err := rows.Scan(
			&workflow.ID,
			&workflow.ProjectID,
			&workflow.PlannerRunID,
			&workflow.Kind,
			&workflow.Status,
			&data,
			&workflow.CreatedAt,
			&workflow.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(data), &workflow.Data)
		result = append(result, workflow)
	}
	return result, rows.Err()
}
