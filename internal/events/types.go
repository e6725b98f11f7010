// Package events provides event types and utilities for the Hyperagent event system.
package events

// Event types for projects
const (
	ProjectCreated = "project.created"
	ProjectUpdated = "project.updated"
)

// Event types for workflows
const (
	WorkflowCreated       = "workflow.created"
	WorkflowUpdated       = "workflow.updated"
	WorkflowStatusChanged = "workflow.status_changed"
)

// Event types for workflow steps
const (
	StepUpdated       = "workflow.step.updated"
	StepStatusChanged = "workflow.step.status_changed"
	StepClaimed       = "workflow.step.claimed"
)

// Event types for runner telemetry
const (
	RunnerEvent      = "runner.event"       // Relayed runner-event telemetry rows
	RunnerDeadLetter = "runner.dead_letter" // Step exhausted its enqueue attempts
)

// Event types for pull requests
const (
	PullRequestOpened = "pull_request.opened"
	PullRequestMerged = "pull_request.merged"
	PullRequestClosed = "pull_request.closed"
)

// BuildWorkflowSubject creates a workflow event subject for a specific workflow
func BuildWorkflowSubject(workflowID string) string {
	return WorkflowUpdated + "." + workflowID
}

// BuildWorkflowWildcardSubject creates a wildcard subscription for all workflow events
func BuildWorkflowWildcardSubject() string {
	return WorkflowUpdated + ".*"
}

// BuildStepSubject creates a step event subject for a specific step
func BuildStepSubject(stepID string) string {
	return StepUpdated + "." + stepID
}

// BuildStepWildcardSubject creates a wildcard subscription for all step events
func BuildStepWildcardSubject() string {
	return StepUpdated + ".*"
}

// BuildRunnerEventSubject creates a runner telemetry subject for a specific step
func BuildRunnerEventSubject(stepID string) string {
	return RunnerEvent + "." + stepID
}

// BuildRunnerEventWildcardSubject creates a wildcard subscription for all runner telemetry
func BuildRunnerEventWildcardSubject() string {
	return RunnerEvent + ".*"
}
