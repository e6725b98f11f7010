package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// CreateAgentRun records a new execution attempt for a step
func (r *Repository) CreateAgentRun(ctx context.Context, run *models.AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = v1.AgentRunStatusPending
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agent_runs (id, workflow_step_id, project_id, branch, agent_type, status, logs_path, started_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.WorkflowStepID, run.ProjectID, run.Branch, run.AgentType, run.Status, run.LogsPath, run.StartedAt, run.FinishedAt, run.CreatedAt, run.UpdatedAt)
	return err
}

// GetAgentRun retrieves an agent run by ID
func (r *Repository) GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, workflow_step_id, project_id, branch, agent_type, status, logs_path, started_at, finished_at, created_at, updated_at
		FROM agent_runs WHERE id = ?
	`), id)

	run, err := scanAgentRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent run not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateAgentRun updates an existing agent run
func (r *Repository) UpdateAgentRun(ctx context.Context, run *models.AgentRun) error {
	run.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agent_runs SET status = ?, branch = ?, agent_type = ?, logs_path = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?
	`), run.Status, run.Branch, run.AgentType, run.LogsPath, run.StartedAt, run.FinishedAt, run.UpdatedAt, run.ID)
	if err != nil {
		return err
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent run not found: %s", run.ID)
	}
	return nil
}

// ListAgentRunsByStep returns all execution attempts recorded for a step
func (r *Repository) ListAgentRunsByStep(ctx context.Context, stepID string) ([]*models.AgentRun, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, workflow_step_id, project_id, branch, agent_type, status, logs_path, started_at, finished_at, created_at, updated_at
		FROM agent_runs WHERE workflow_step_id = ? ORDER BY created_at ASC
	`), stepID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.AgentRun
	for rows.Next() {
		run, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// ListAgentRunsByWorkflow returns every execution attempt recorded for any
// step of the workflow, oldest first.
func (r *Repository) ListAgentRunsByWorkflow(ctx context.Context, workflowID string) ([]*models.AgentRun, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT ar.id, ar.workflow_step_id, ar.project_id, ar.branch, ar.agent_type, ar.status, ar.logs_path, ar.started_at, ar.finished_at, ar.created_at, ar.updated_at
		FROM agent_runs ar
		JOIN workflow_steps ws ON ws.id = ar.workflow_step_id
		WHERE ws.workflow_id = ? ORDER BY ar.created_at ASC
	`), workflowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.AgentRun
	for rows.Next() {
		run, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// scanAgentRun scans a single agent run row
func scanAgentRun(row rowScanner) (*models.AgentRun, error) {
	run := &models.AgentRun{}
	var logsPath sql.NullString
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.WorkflowStepID,
		&run.ProjectID,
		&run.Branch,
		&run.AgentType,
		&run.Status,
		&logsPath,
		&startedAt,
		&finishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if logsPath.Valid {
		run.LogsPath = &logsPath.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}
