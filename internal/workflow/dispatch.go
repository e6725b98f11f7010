package workflow

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/events"
	"github.com/hyperagent/hyperagent/internal/runner"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// dispatchReadySteps runs one poller tick: select ready steps, re-verify
// their dependencies, claim each one, and hand successful claims to the
// runner gateway. Failures are logged and never terminate the loop.
func (r *Runtime) dispatchReadySteps(ctx context.Context) {
	steps, err := r.repo.ListReadySteps(ctx, time.Now().UTC(), r.cfg.BatchLimit)
	if err != nil {
		r.logger.WithError(err).Error("Failed to list ready steps")
		return
	}
	if len(steps) == 0 {
		return
	}

	workflows := make(map[string]*models.Workflow, len(steps))
	for _, step := range steps {
		workflow, ok := workflows[step.WorkflowID]
		if !ok {
			workflow, err = r.repo.GetWorkflow(ctx, step.WorkflowID)
			if err != nil {
				r.logger.WithError(err).Error("Failed to load workflow for ready step",
					zap.String("step_id", step.ID))
				continue
			}
			workflows[step.WorkflowID] = workflow
		}
		r.dispatchStep(ctx, workflow, step)
	}
}

func (r *Runtime) dispatchStep(ctx context.Context, workflow *models.Workflow, step *models.WorkflowStep) {
	// Lazy cancellation: a pending step of a cancelled workflow is finalised
	// skipped instead of dispatched.
	if workflow.Status == v1.WorkflowStatusCancelled {
		r.skipCancelledStep(ctx, step)
		return
	}
	if workflow.Status != v1.WorkflowStatusRunning {
		return
	}

	ready, err := r.dependenciesCompleted(ctx, step)
	if err != nil {
		r.logger.WithError(err).Error("Failed to verify step dependencies",
			zap.String("step_id", step.ID))
		return
	}
	if !ready {
		return
	}

	claimed, err := r.repo.ClaimStep(ctx, step.ID)
	if err != nil {
		r.logger.WithError(err).Error("Failed to claim step", zap.String("step_id", step.ID))
		return
	}
	if !claimed {
		// Lost to a concurrent claimant, or the step moved state.
		return
	}

	// Re-read after the claim: the lease must still be running and unassigned.
	claimedStep, err := r.repo.GetStep(ctx, step.ID)
	if err != nil {
		r.logger.WithError(err).Error("Failed to re-read claimed step",
			zap.String("step_id", step.ID))
		return
	}
	if claimedStep.Status != v1.StepStatusRunning || claimedStep.RunnerInstanceID != nil {
		r.logger.Warn("Claimed step moved before lease assignment",
			zap.String("step_id", step.ID),
			zap.String("status", string(claimedStep.Status)))
		return
	}

	r.enqueueClaimedStep(ctx, workflow, claimedStep)
}

// dependenciesCompleted re-checks dependsOn against the current store. The
// candidate query cannot do this atomically; a sibling may have failed
// between selection and claim.
func (r *Runtime) dependenciesCompleted(ctx context.Context, step *models.WorkflowStep) (bool, error) {
	for _, depID := range step.DependsOn {
		dep, err := r.repo.GetStep(ctx, depID)
		if err != nil {
			return false, fmt.Errorf("dependency %s: %w", depID, err)
		}
		if dep.Status != v1.StepStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (r *Runtime) skipCancelledStep(ctx context.Context, step *models.WorkflowStep) {
	claimed, err := r.repo.ClaimStep(ctx, step.ID)
	if err != nil {
		r.logger.WithError(err).Error("Failed to claim cancelled step",
			zap.String("step_id", step.ID))
		return
	}
	if !claimed {
		return
	}

	reason := map[string]interface{}{"reason": "workflow cancelled"}
	if err := r.repo.FinalizeStep(ctx, step.ID, v1.StepStatusSkipped, reason); err != nil {
		r.logger.WithError(err).Error("Failed to skip step of cancelled workflow",
			zap.String("step_id", step.ID))
		return
	}
	r.logger.Info("Skipped step of cancelled workflow", zap.String("step_id", step.ID))
	r.recordRunnerEvent(ctx, runnerEventRow(step, v1.RunnerEventExecute, v1.RunnerEventSkipped, nil, reason))

	step.Status = v1.StepStatusSkipped
	r.publishStepEvent(ctx, events.StepStatusChanged, step)
}

func (r *Runtime) enqueueClaimedStep(ctx context.Context, workflow *models.Workflow, step *models.WorkflowStep) {
	project, err := r.repo.GetProject(ctx, workflow.ProjectID)
	if err != nil {
		r.handleEnqueueFailure(ctx, step, nil, fmt.Errorf("load project %s: %w", workflow.ProjectID, err))
		return
	}

	runnerInstanceID := uuid.New().String()
	if err := r.repo.AssignStepRunner(ctx, step.ID, runnerInstanceID, step.RunnerAttempts); err != nil {
		r.logger.WithError(err).Error("Failed to assign runner lease",
			zap.String("step_id", step.ID))
		// Put the step back so the next tick can retry; the attempt counter
		// only tracks gateway handoffs.
		if relErr := r.repo.ReleaseStepForRetry(ctx, step.ID, step.RunnerAttempts, time.Now().UTC()); relErr != nil {
			r.logger.WithError(relErr).Error("Failed to release step after assignment failure",
				zap.String("step_id", step.ID))
		}
		return
	}

	step.Status = v1.StepStatusRunning
	step.RunnerInstanceID = &runnerInstanceID
	r.publishStepEvent(ctx, events.StepClaimed, step)

	payload := runner.EnqueuePayload{
		WorkflowID:       workflow.ID,
		StepID:           step.ID,
		RunnerInstanceID: runnerInstanceID,
		RepositoryPath:   project.Path,
		PersistencePath:  r.persistencePath,
	}
	if err := r.gateway.Enqueue(ctx, payload); err != nil {
		r.handleEnqueueFailure(ctx, step, &runnerInstanceID, err)
		return
	}

	r.logger.Info("Step handed to runner gateway",
		zap.String("step_id", step.ID),
		zap.String("runner_instance_id", runnerInstanceID),
		zap.Int("attempts", step.RunnerAttempts))
	r.recordRunnerEvent(ctx, runnerEventRow(step, v1.RunnerEventEnqueue, v1.RunnerEventSucceeded, &runnerInstanceID, nil))
}

// handleEnqueueFailure reverts the step for a retry with back-off, or
// dead-letters it once the attempt budget is exhausted.
func (r *Runtime) handleEnqueueFailure(ctx context.Context, step *models.WorkflowStep, runnerInstanceID *string, cause error) {
	attempts := step.RunnerAttempts + 1
	meta := map[string]interface{}{"error": cause.Error()}

	if attempts < r.cfg.MaxEnqueueAttempts {
		backoff := r.enqueueBackoff(attempts)
		readyAt := time.Now().UTC().Add(backoff)
		if err := r.repo.ReleaseStepForRetry(ctx, step.ID, attempts, readyAt); err != nil {
			r.logger.WithError(err).Error("Failed to release step for retry",
				zap.String("step_id", step.ID))
		} else {
			r.logger.Warn("Runner enqueue failed, step released for retry",
				zap.String("step_id", step.ID),
				zap.Int("attempts", attempts),
				zap.Duration("backoff", backoff),
				zap.Error(cause))
		}
		event := runnerEventRow(step, v1.RunnerEventEnqueue, v1.RunnerEventFailed, runnerInstanceID, meta)
		event.Attempts = attempts
		r.recordRunnerEvent(ctx, event)
		return
	}

	// The result's error must carry the same string as the dead-letter row
	// so the two records stay correlatable.
	result := map[string]interface{}{
		"error":    cause.Error(),
		"attempts": attempts,
		"detail":   "runner enqueue attempts exhausted",
	}
	if err := r.repo.FinalizeStep(ctx, step.ID, v1.StepStatusFailed, result); err != nil {
		r.logger.WithError(err).Error("Failed to finalise exhausted step",
			zap.String("step_id", step.ID))
	}

	letter := &models.RunnerDeadLetter{
		WorkflowID:       step.WorkflowID,
		StepID:           step.ID,
		RunnerInstanceID: runnerInstanceID,
		Attempts:         attempts,
		Error:            cause.Error(),
	}
	if err := r.repo.CreateDeadLetter(ctx, letter); err != nil {
		r.logger.WithError(err).Error("Failed to record dead letter",
			zap.String("step_id", step.ID))
	}
	r.logger.Error("Step dead-lettered after exhausting enqueue attempts",
		zap.String("step_id", step.ID),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	event := runnerEventRow(step, v1.RunnerEventEnqueue, v1.RunnerEventFailed, runnerInstanceID, meta)
	event.Attempts = attempts
	r.recordRunnerEvent(ctx, event)

	step.Status = v1.StepStatusFailed
	step.RunnerAttempts = attempts
	r.publishStepEvent(ctx, events.StepStatusChanged, step)
	r.publishDeadLetter(ctx, letter)
	r.reconcileWorkflow(ctx, step.WorkflowID)
}

// enqueueBackoff computes the delay before enqueue attempt n:
// min(base * 2^(n-1) * (0.5 + rand), cap). The jitter term spreads retries
// of sibling steps released in the same tick.
func (r *Runtime) enqueueBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(r.cfg.BackoffBaseMs) * math.Pow(2, float64(attempt-1)) * (0.5 + rand.Float64())
	if capMs := float64(r.cfg.BackoffCapMs); delay > capMs {
		delay = capMs
	}
	return time.Duration(delay) * time.Millisecond
}
