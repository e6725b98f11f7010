package v1

// RunnerEventType identifies a telemetry event emitted by the runtime
type RunnerEventType string

const (
	RunnerEventEnqueue  RunnerEventType = "runner.enqueue"
	RunnerEventExecute  RunnerEventType = "runner.execute"
	RunnerEventCallback RunnerEventType = "runner.callback"
)

// RunnerEventStatus qualifies a runner event
type RunnerEventStatus string

const (
	RunnerEventStarted   RunnerEventStatus = "started"
	RunnerEventSucceeded RunnerEventStatus = "succeeded"
	RunnerEventFailed    RunnerEventStatus = "failed"
	RunnerEventSkipped   RunnerEventStatus = "skipped"
	RunnerEventCompleted RunnerEventStatus = "completed"
)

// QueueMetrics is a snapshot of scheduler queue health. Stuck counts steps
// that have held a runner lease longer than the configured threshold.
type QueueMetrics struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Stuck   int `json:"stuck"`
}
