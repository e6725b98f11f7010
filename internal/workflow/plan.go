package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/errors"
	"github.com/hyperagent/hyperagent/internal/events"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// CreateWorkflowFromPlan materialises a planner DAG into a pending workflow
// with one step per task. Task ids become canonical step ids of the form
// "<workflowID>:<taskID>", and dependsOn references are rewritten to the
// canonical form. The workflow and its steps are inserted in one transaction.
func (r *Runtime) CreateWorkflowFromPlan(ctx context.Context, req *v1.CreateWorkflowRequest) (*models.Workflow, error) {
	project, err := r.repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, errors.ProjectNotFound(req.ProjectID)
		}
		return nil, errors.StoreIOFailure("failed to load project", err)
	}

	if err := validatePlan(&req.Plan); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:           uuid.New().String(),
		ProjectID:    project.ID,
		PlannerRunID: req.Plan.ID,
		Kind:         req.Plan.Kind,
		Status:       v1.WorkflowStatusPending,
		Data:         mergeData(req.Plan.Data, req.Data),
	}

	steps := make([]*models.WorkflowStep, 0, len(req.Plan.Tasks))
	for i, task := range req.Plan.Tasks {
		overlay := make(map[string]interface{}, 3)
		if task.Title != "" {
			overlay["title"] = task.Title
		}
		if task.Instructions != "" {
			overlay["instructions"] = task.Instructions
		}
		if task.AgentType != "" {
			overlay["agentType"] = task.AgentType
		}

		readyAt := now
		steps = append(steps, &models.WorkflowStep{
			ID:            canonicalStepID(workflow.ID, task.ID),
			WorkflowID:    workflow.ID,
			PlannerTaskID: task.ID,
			Status:        v1.StepStatusPending,
			Sequence:      i + 1,
			DependsOn:     canonicalDependsOn(workflow.ID, task.DependsOn),
			Data:          mergeData(task.Metadata, overlay),
			ReadyAt:       &readyAt,
		})
	}

	if err := r.repo.CreateWorkflowWithSteps(ctx, workflow, steps); err != nil {
		return nil, errors.StoreIOFailure("failed to persist workflow", err)
	}

	r.logger.Info("Workflow created from plan",
		zap.String("workflow_id", workflow.ID),
		zap.String("project_id", project.ID),
		zap.String("planner_run_id", req.Plan.ID),
		zap.Int("steps", len(steps)))

	r.publishWorkflowEvent(ctx, events.WorkflowCreated, workflow)
	return workflow, nil
}

// validatePlan rejects plans with missing or duplicate task ids, references
// to tasks outside the plan, and dependency cycles.
func validatePlan(plan *v1.PlannerRun) error {
	if len(plan.Tasks) == 0 {
		return errors.InvalidPlan("plan has no tasks")
	}

	index := make(map[string]struct{}, len(plan.Tasks))
	for i, task := range plan.Tasks {
		if task.ID == "" {
			return errors.InvalidPlan(fmt.Sprintf("task at position %d has no id", i))
		}
		if _, dup := index[task.ID]; dup {
			return errors.InvalidPlan(fmt.Sprintf("duplicate task id %q", task.ID))
		}
		index[task.ID] = struct{}{}
	}

	for _, task := range plan.Tasks {
		for _, dep := range task.DependsOn {
			if dep == task.ID {
				return errors.InvalidPlan(fmt.Sprintf("task %q depends on itself", task.ID))
			}
			if _, ok := index[dep]; !ok {
				return errors.InvalidPlan(fmt.Sprintf("task %q depends on unknown task %q", task.ID, dep))
			}
		}
	}

	// Kahn's algorithm: if a topological order does not cover every task,
	// the remainder forms a cycle.
	indegree := make(map[string]int, len(plan.Tasks))
	dependents := make(map[string][]string, len(plan.Tasks))
	for _, task := range plan.Tasks {
		indegree[task.ID] += 0
		for _, dep := range task.DependsOn {
			indegree[task.ID]++
			dependents[dep] = append(dependents[dep], task.ID)
		}
	}

	queue := make([]string, 0, len(plan.Tasks))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if resolved != len(plan.Tasks) {
		return errors.InvalidPlan("plan contains a dependency cycle")
	}
	return nil
}

func canonicalStepID(workflowID, taskID string) string {
	return workflowID + ":" + taskID
}

// canonicalDependsOn rewrites planner task references to canonical step ids,
// dropping duplicates while preserving order.
func canonicalDependsOn(workflowID string, deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		id := canonicalStepID(workflowID, dep)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// mergeData overlays the second map onto the first without mutating either.
// Returns nil when both are empty.
func mergeData(base, overlay map[string]interface{}) map[string]interface{} {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	merged := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
