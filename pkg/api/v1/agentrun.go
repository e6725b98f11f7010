package v1

// AgentRunStatus represents the status of a single agent execution attempt
type AgentRunStatus string

const (
	AgentRunStatusPending   AgentRunStatus = "pending"
	AgentRunStatusRunning   AgentRunStatus = "running"
	AgentRunStatusSucceeded AgentRunStatus = "succeeded"
	AgentRunStatusFailed    AgentRunStatus = "failed"
)
