package models

import (
	"time"

	v1 "github.com/hyperagent/hyperagent/pkg/api/v1"
)

// Project represents a registered git repository in the database
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Workflow represents a materialised planner DAG
type Workflow struct {
	ID           string                 `json:"id"`
	ProjectID    string                 `json:"project_id"`
	PlannerRunID string                 `json:"planner_run_id,omitempty"`
	Kind         string                 `json:"kind,omitempty"`
	Status       v1.WorkflowStatus      `json:"status"`
	Data         map[string]interface{} `json:"data,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// WorkflowStep represents a single schedulable node of a workflow.
// Step ids are globally unique: steps created from a planner task use the
// canonical form "<workflowID>:<taskID>".
type WorkflowStep struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflow_id"`
	PlannerTaskID string                 `json:"planner_task_id,omitempty"`
	Status        v1.StepStatus          `json:"status"`
	Sequence      int                    `json:"sequence"`
	DependsOn     []string               `json:"depends_on,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Result        map[string]interface{} `json:"result,omitempty"`
	// RunnerInstanceID is the current lease holder. Non-nil iff the step is
	// running; the value doubles as the callback bearer token.
	RunnerInstanceID *string    `json:"runner_instance_id,omitempty"`
	RunnerAttempts   int        `json:"runner_attempts"`
	ReadyAt          *time.Time `json:"ready_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AgentRun represents one execution attempt of a step by an agent. Runs are
// never re-used across retries of the same step.
type AgentRun struct {
	ID             string            `json:"id"`
	WorkflowStepID string            `json:"workflow_step_id"`
	ProjectID      string            `json:"project_id"`
	Branch         string            `json:"branch,omitempty"`
	AgentType      string            `json:"agent_type,omitempty"`
	Status         v1.AgentRunStatus `json:"status"`
	LogsPath       *string           `json:"logs_path,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// RunnerDeadLetter is the terminal record of a step that exhausted its
// enqueue retries
type RunnerDeadLetter struct {
	ID               int64     `json:"id"`
	WorkflowID       string    `json:"workflow_id"`
	StepID           string    `json:"step_id"`
	RunnerInstanceID *string   `json:"runner_instance_id,omitempty"`
	Attempts         int       `json:"attempts"`
	Error            string    `json:"error"`
	CreatedAt        time.Time `json:"created_at"`
}

// RunnerEvent is an append-only telemetry record of a scheduling transition
type RunnerEvent struct {
	ID               int64                  `json:"id"`
	WorkflowID       string                 `json:"workflow_id"`
	StepID           string                 `json:"step_id"`
	Type             v1.RunnerEventType     `json:"type"`
	Status           v1.RunnerEventStatus   `json:"status"`
	RunnerInstanceID *string                `json:"runner_instance_id,omitempty"`
	Attempts         int                    `json:"attempts"`
	LatencyMs        int64                  `json:"latency_ms"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}
