package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/events"
	"github.com/hyperagent/hyperagent/internal/events/bus"
	ws "github.com/hyperagent/hyperagent/pkg/websocket"
)

// EventBridge relays bus events to WebSocket clients. The notification
// action is the bus event type, so clients can switch on the same strings
// the rest of the system uses.
type EventBridge struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterEventBridge subscribes the hub to the workflow event subjects.
// Step and runner telemetry subjects are scoped to workflow subscribers;
// the rest fan out to every client. The bridge closes itself when ctx ends.
func RegisterEventBridge(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *EventBridge {
	b := &EventBridge{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-event-bridge")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildStepWildcardSubject(), b.forwardScoped)
	b.subscribe(eventBus, events.BuildRunnerEventWildcardSubject(), b.forwardScoped)

	b.subscribe(eventBus, events.BuildWorkflowWildcardSubject(), b.forwardBroadcast)
	b.subscribe(eventBus, events.ProjectCreated, b.forwardBroadcast)
	b.subscribe(eventBus, events.ProjectUpdated, b.forwardBroadcast)
	b.subscribe(eventBus, events.RunnerDeadLetter, b.forwardBroadcast)
	b.subscribe(eventBus, events.PullRequestOpened, b.forwardBroadcast)
	b.subscribe(eventBus, events.PullRequestMerged, b.forwardBroadcast)
	b.subscribe(eventBus, events.PullRequestClosed, b.forwardBroadcast)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close drops all bus subscriptions
func (b *EventBridge) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *EventBridge) subscribe(eventBus bus.EventBus, subject string, forward func(*bus.Event)) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		forward(event)
		return nil
	})
	if err != nil {
		b.logger.Error("Failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// forwardScoped targets subscribers of the event's workflow. Events without
// a workflow id fall back to a full broadcast.
func (b *EventBridge) forwardScoped(event *bus.Event) {
	msg, err := ws.NewNotification(event.Type, event.Data)
	if err != nil {
		b.logger.Error("Failed to build notification",
			zap.String("event_type", event.Type), zap.Error(err))
		return
	}
	workflowID, _ := event.Data["workflow_id"].(string)
	if workflowID != "" {
		b.hub.BroadcastToWorkflow(workflowID, msg)
		return
	}
	b.hub.Broadcast(msg)
}

func (b *EventBridge) forwardBroadcast(event *bus.Event) {
	msg, err := ws.NewNotification(event.Type, event.Data)
	if err != nil {
		b.logger.Error("Failed to build notification",
			zap.String("event_type", event.Type), zap.Error(err))
		return
	}
	b.hub.Broadcast(msg)
}
