package v1

// WorkflowStatus represents the state of a workflow
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the workflow has reached a final state.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// StepStatus represents the state of a single workflow step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step has reached a final state.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// PlannerTask is a single node of a planner DAG. Task ids only need to be
// unique within their plan; the runtime namespaces them per workflow.
type PlannerTask struct {
	ID           string                 `json:"id" binding:"required"`
	Title        string                 `json:"title,omitempty"`
	Instructions string                 `json:"instructions,omitempty"`
	AgentType    string                 `json:"agentType,omitempty"`
	DependsOn    []string               `json:"dependsOn,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// PlannerRun is the DAG a planner hands to the runtime
type PlannerRun struct {
	ID    string                 `json:"id,omitempty"`
	Kind  string                 `json:"kind,omitempty"`
	Tasks []PlannerTask          `json:"tasks" binding:"required,min=1"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// CreateWorkflowRequest for materialising a planner DAG into a workflow
type CreateWorkflowRequest struct {
	ProjectID string                 `json:"projectId" binding:"required"`
	Plan      PlannerRun             `json:"plan" binding:"required"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// StepCallbackRequest is the body a sandboxed runner posts to the callback
// endpoint once it is ready to execute under its lease.
type StepCallbackRequest struct {
	RunnerInstanceID string `json:"runnerInstanceId" binding:"required"`
}
