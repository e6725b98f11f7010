package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperagent/hyperagent/internal/common/errors"
	"github.com/hyperagent/hyperagent/internal/events"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// WorkflowDetail is a point-in-time snapshot of a workflow, its steps in
// sequence order, and every execution attempt recorded for them.
type WorkflowDetail struct {
	Workflow  *models.Workflow       `json:"workflow"`
	Steps     []*models.WorkflowStep `json:"steps"`
	AgentRuns []*models.AgentRun     `json:"agent_runs"`
}

// StartWorkflow moves a pending or paused workflow to running, which makes
// its steps visible to the dispatch poller. Starting a workflow that is
// already running is a no-op.
func (r *Runtime) StartWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := r.getWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	switch workflow.Status {
	case v1.WorkflowStatusRunning:
		return workflow, nil
	case v1.WorkflowStatusPending, v1.WorkflowStatusPaused:
	default:
		return nil, errors.Conflict(fmt.Sprintf("workflow %s is %s and cannot be started", id, workflow.Status))
	}
	return r.transitionWorkflow(ctx, workflow, v1.WorkflowStatusRunning)
}

// PauseWorkflow keeps the poller from claiming further steps of the
// workflow. A step already handed to a runner does not execute either: its
// callback finalises the step failed at the workflow-status gate.
func (r *Runtime) PauseWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := r.getWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	switch workflow.Status {
	case v1.WorkflowStatusPaused:
		return workflow, nil
	case v1.WorkflowStatusPending, v1.WorkflowStatusRunning:
	default:
		return nil, errors.Conflict(fmt.Sprintf("workflow %s is %s and cannot be paused", id, workflow.Status))
	}
	return r.transitionWorkflow(ctx, workflow, v1.WorkflowStatusPaused)
}

// CancelWorkflow marks the workflow cancelled. Cancellation is observed
// lazily: a running step completes or aborts normally, and each step still
// pending is finalised skipped on its next dispatch. Cancelling a cancelled
// workflow is a no-op.
func (r *Runtime) CancelWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := r.getWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	switch workflow.Status {
	case v1.WorkflowStatusCancelled:
		return workflow, nil
	case v1.WorkflowStatusCompleted, v1.WorkflowStatusFailed:
		return nil, errors.Conflict(fmt.Sprintf("workflow %s is %s and cannot be cancelled", id, workflow.Status))
	}
	return r.transitionWorkflow(ctx, workflow, v1.WorkflowStatusCancelled)
}

// ListWorkflows returns workflows most recent first, optionally scoped to
// one project.
func (r *Runtime) ListWorkflows(ctx context.Context, projectID string) ([]*models.Workflow, error) {
	workflows, err := r.repo.ListWorkflows(ctx, projectID, "")
	if err != nil {
		return nil, errors.StoreIOFailure("failed to list workflows", err)
	}
	return workflows, nil
}

// GetWorkflow returns a single workflow record.
func (r *Runtime) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return r.getWorkflow(ctx, id)
}

// GetWorkflowDetail assembles a snapshot of the workflow, its steps, and
// their agent runs. The WAL is checkpointed first so the read pool, and any
// sandbox re-opening the store file around this call, see the latest
// committed state. The loads run concurrently against the read pool; since
// the poller and callback path mutate steps underneath, the snapshot is
// stale-but-consistent at worst. A transient reader failure is retried once
// against a fresh read, and the newer snapshot wins.
func (r *Runtime) GetWorkflowDetail(ctx context.Context, id string) (*WorkflowDetail, error) {
	if err := r.repo.Checkpoint(ctx); err != nil {
		r.logger.WithError(err).Debug("WAL checkpoint before snapshot read failed",
			zap.String("workflow_id", id))
	}
	detail, err := r.loadWorkflowDetail(ctx, id)
	if err == nil {
		return detail, nil
	}
	if errors.IsNotFound(err) {
		return nil, err
	}
	r.logger.WithError(err).Warn("Workflow detail read failed, retrying",
		zap.String("workflow_id", id))
	return r.loadWorkflowDetail(ctx, id)
}

func (r *Runtime) loadWorkflowDetail(ctx context.Context, id string) (*WorkflowDetail, error) {
	workflow, err := r.getWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &WorkflowDetail{Workflow: workflow}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		steps, err := r.repo.ListSteps(gctx, id)
		if err != nil {
			return fmt.Errorf("steps: %w", err)
		}
		detail.Steps = steps
		return nil
	})
	g.Go(func() error {
		runs, err := r.repo.ListAgentRunsByWorkflow(gctx, id)
		if err != nil {
			return fmt.Errorf("agent runs: %w", err)
		}
		detail.AgentRuns = runs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, errors.StoreIOFailure("failed to load workflow detail", err)
	}
	return detail, nil
}

// GetQueueMetrics reports scheduler queue health: pending and running step
// counts plus the number of running steps whose lease looks abandoned.
func (r *Runtime) GetQueueMetrics(ctx context.Context) (*v1.QueueMetrics, error) {
	counts, err := r.repo.CountStepsByStatus(ctx)
	if err != nil {
		return nil, errors.StoreIOFailure("failed to count steps", err)
	}
	cutoff := time.Now().UTC().Add(-r.cfg.StuckThreshold())
	stuck, err := r.repo.CountStuckRunning(ctx, cutoff)
	if err != nil {
		return nil, errors.StoreIOFailure("failed to count stuck steps", err)
	}
	return &v1.QueueMetrics{
		Pending: counts[v1.StepStatusPending],
		Running: counts[v1.StepStatusRunning],
		Stuck:   stuck,
	}, nil
}

// ListRunnerEventsByStep returns the telemetry trail of one step.
func (r *Runtime) ListRunnerEventsByStep(ctx context.Context, stepID string) ([]*models.RunnerEvent, error) {
	rows, err := r.repo.ListRunnerEventsByStep(ctx, stepID)
	if err != nil {
		return nil, errors.StoreIOFailure("failed to list runner events", err)
	}
	return rows, nil
}

// reconcileWorkflow derives workflow status from step terminal states: all
// completed means completed, any failed means failed, otherwise unchanged.
// Skipped steps never satisfy the all-completed clause, and a cancelled
// workflow keeps its terminal status.
func (r *Runtime) reconcileWorkflow(ctx context.Context, workflowID string) {
	workflow, err := r.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		r.logger.WithError(err).Error("Failed to load workflow for reconciliation",
			zap.String("workflow_id", workflowID))
		return
	}
	if workflow.Status == v1.WorkflowStatusCancelled {
		return
	}

	steps, err := r.repo.ListSteps(ctx, workflowID)
	if err != nil {
		r.logger.WithError(err).Error("Failed to list steps for reconciliation",
			zap.String("workflow_id", workflowID))
		return
	}
	if len(steps) == 0 {
		return
	}

	allCompleted := true
	anyFailed := false
	for _, step := range steps {
		if step.Status != v1.StepStatusCompleted {
			allCompleted = false
		}
		if step.Status == v1.StepStatusFailed {
			anyFailed = true
		}
	}

	var next v1.WorkflowStatus
	switch {
	case allCompleted:
		next = v1.WorkflowStatusCompleted
	case anyFailed:
		next = v1.WorkflowStatusFailed
	default:
		return
	}
	if next == workflow.Status {
		return
	}

	if err := r.repo.UpdateWorkflowStatus(ctx, workflowID, next); err != nil {
		r.logger.WithError(err).Error("Failed to reconcile workflow status",
			zap.String("workflow_id", workflowID),
			zap.String("status", string(next)))
		return
	}
	workflow.Status = next
	r.logger.Info("Workflow status reconciled",
		zap.String("workflow_id", workflowID),
		zap.String("status", string(next)))
	r.publishWorkflowEvent(ctx, events.WorkflowStatusChanged, workflow)
}

func (r *Runtime) transitionWorkflow(ctx context.Context, workflow *models.Workflow, status v1.WorkflowStatus) (*models.Workflow, error) {
	if err := r.repo.UpdateWorkflowStatus(ctx, workflow.ID, status); err != nil {
		return nil, errors.StoreIOFailure("failed to update workflow status", err)
	}
	workflow.Status = status
	r.logger.Info("Workflow status changed",
		zap.String("workflow_id", workflow.ID),
		zap.String("status", string(status)))
	r.publishWorkflowEvent(ctx, events.WorkflowStatusChanged, workflow)
	return workflow, nil
}

func (r *Runtime) getWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := r.repo.GetWorkflow(ctx, id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, errors.WorkflowNotFound(id)
		}
		return nil, errors.StoreIOFailure("failed to load workflow", err)
	}
	return workflow, nil
}
