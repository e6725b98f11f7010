package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/events"
	"github.com/hyperagent/hyperagent/internal/events/bus"
	"github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

const eventSource = "workflow-runtime"

// recordRunnerEvent appends a telemetry row and relays it on the event bus.
// Telemetry is best-effort: failures are logged and never affect step state.
func (r *Runtime) recordRunnerEvent(ctx context.Context, event *models.RunnerEvent) {
	if err := r.repo.CreateRunnerEvent(ctx, event); err != nil {
		r.logger.WithError(err).Warn("Failed to record runner event",
			zap.String("step_id", event.StepID),
			zap.String("event_type", string(event.Type)),
			zap.String("event_status", string(event.Status)))
	}

	if r.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"workflow_id": event.WorkflowID,
		"step_id":     event.StepID,
		"type":        string(event.Type),
		"status":      string(event.Status),
		"attempts":    event.Attempts,
		"latency_ms":  event.LatencyMs,
	}
	if len(event.Metadata) > 0 {
		data["metadata"] = event.Metadata
	}
	subject := events.BuildRunnerEventSubject(event.StepID)
	if err := r.eventBus.Publish(ctx, subject, bus.NewEvent(events.RunnerEvent, eventSource, data)); err != nil {
		r.logger.WithError(err).Warn("Failed to publish runner event",
			zap.String("step_id", event.StepID))
	}
}

// runnerEventRow builds a telemetry row for a step transition. Latency is
// measured from the step's last persisted update.
func runnerEventRow(step *models.WorkflowStep, eventType v1.RunnerEventType, status v1.RunnerEventStatus, runnerInstanceID *string, metadata map[string]interface{}) *models.RunnerEvent {
	return &models.RunnerEvent{
		WorkflowID:       step.WorkflowID,
		StepID:           step.ID,
		Type:             eventType,
		Status:           status,
		RunnerInstanceID: runnerInstanceID,
		Attempts:         step.RunnerAttempts,
		LatencyMs:        time.Since(step.UpdatedAt).Milliseconds(),
		Metadata:         metadata,
	}
}

func (r *Runtime) publishWorkflowEvent(ctx context.Context, eventType string, workflow *models.Workflow) {
	if r.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"workflow_id": workflow.ID,
		"project_id":  workflow.ProjectID,
		"status":      string(workflow.Status),
	}
	if workflow.Kind != "" {
		data["kind"] = workflow.Kind
	}
	subject := events.BuildWorkflowSubject(workflow.ID)
	if err := r.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		r.logger.WithError(err).Error("Failed to publish workflow event",
			zap.String("event_type", eventType),
			zap.String("workflow_id", workflow.ID))
	}
}

func (r *Runtime) publishStepEvent(ctx context.Context, eventType string, step *models.WorkflowStep) {
	if r.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"workflow_id": step.WorkflowID,
		"step_id":     step.ID,
		"status":      string(step.Status),
		"sequence":    step.Sequence,
		"attempts":    step.RunnerAttempts,
	}
	subject := events.BuildStepSubject(step.ID)
	if err := r.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		r.logger.WithError(err).Error("Failed to publish step event",
			zap.String("event_type", eventType),
			zap.String("step_id", step.ID))
	}
}

func (r *Runtime) publishDeadLetter(ctx context.Context, letter *models.RunnerDeadLetter) {
	if r.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"workflow_id": letter.WorkflowID,
		"step_id":     letter.StepID,
		"attempts":    letter.Attempts,
		"error":       letter.Error,
	}
	if err := r.eventBus.Publish(ctx, events.RunnerDeadLetter, bus.NewEvent(events.RunnerDeadLetter, eventSource, data)); err != nil {
		r.logger.WithError(err).Error("Failed to publish dead letter",
			zap.String("step_id", letter.StepID))
	}
}
