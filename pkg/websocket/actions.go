package websocket

// Action constants for WebSocket messages. Server-to-client notifications
// reuse the event types published on the event bus, so a client sees the
// same vocabulary on both transports.
const (
	// Health
	ActionHealthCheck = "health.check"

	// Read actions
	ActionProjectList  = "project.list"
	ActionWorkflowList = "workflow.list"
	ActionWorkflowGet  = "workflow.get"
	ActionQueueMetrics = "queue.metrics"

	// Subscription actions
	ActionWorkflowSubscribe   = "workflow.subscribe"
	ActionWorkflowUnsubscribe = "workflow.unsubscribe"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
