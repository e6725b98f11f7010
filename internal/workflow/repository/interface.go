package repository

import (
	"context"
	"time"

	"github.com/hyperagent/hyperagent/internal/workflow/models"
	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// Repository defines the interface for workflow storage operations
type Repository interface {
	// Project operations
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) error
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context) ([]*models.Project, error)

	// Workflow operations
	CreateWorkflowWithSteps(ctx context.Context, workflow *models.Workflow, steps []*models.WorkflowStep) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	UpdateWorkflow(ctx context.Context, workflow *models.Workflow) error
	UpdateWorkflowStatus(ctx context.Context, id string, status v1.WorkflowStatus) error
	ListWorkflows(ctx context.Context, projectID string, status v1.WorkflowStatus) ([]*models.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Step operations
	GetStep(ctx context.Context, id string) (*models.WorkflowStep, error)
	UpdateStep(ctx context.Context, step *models.WorkflowStep) error
	ListSteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error)
	ListReadySteps(ctx context.Context, now time.Time, limit int) ([]*models.WorkflowStep, error)
	ClaimStep(ctx context.Context, id string) (bool, error)
	AssignStepRunner(ctx context.Context, id, runnerInstanceID string, attempts int) error
	ReleaseStepForRetry(ctx context.Context, id string, attempts int, readyAt time.Time) error
	FinalizeStep(ctx context.Context, id string, status v1.StepStatus, result map[string]interface{}) error
	CountStepsByStatus(ctx context.Context) (map[v1.StepStatus]int, error)
	CountStuckRunning(ctx context.Context, olderThan time.Time) (int, error)

	// Agent run operations
	CreateAgentRun(ctx context.Context, run *models.AgentRun) error
	GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error)
	UpdateAgentRun(ctx context.Context, run *models.AgentRun) error
	ListAgentRunsByStep(ctx context.Context, stepID string) ([]*models.AgentRun, error)
	ListAgentRunsByWorkflow(ctx context.Context, workflowID string) ([]*models.AgentRun, error)

	// Dead-letter operations
	CreateDeadLetter(ctx context.Context, letter *models.RunnerDeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*models.RunnerDeadLetter, error)
	CountDeadLetters(ctx context.Context) (int, error)

	// Runner event operations
	CreateRunnerEvent(ctx context.Context, event *models.RunnerEvent) error
	ListRunnerEvents(ctx context.Context, workflowID string) ([]*models.RunnerEvent, error)
	ListRunnerEventsByStep(ctx context.Context, stepID string) ([]*models.RunnerEvent, error)

	// Checkpoint flushes pending writes so read-only connections observe
	// the latest committed state.
	Checkpoint(ctx context.Context) error

	Close() error
}
