package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/events"
	"github.com/hyperagent/hyperagent/internal/events/bus"
	ws "github.com/hyperagent/hyperagent/pkg/websocket"
)

func bridgeTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func newTestClient(id string) *Client {
	return &Client{
		ID:            id,
		send:          make(chan []byte, 16),
		subscriptions: make(map[string]bool),
	}
}

func receiveNotification(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal notification: %v", err)
		}
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestEventBridgeScopesStepEventsToSubscribers(t *testing.T) {
	log := bridgeTestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ws.NewDispatcher(), log)
	go hub.Run(ctx)

	subscribed := newTestClient("subscribed")
	other := newTestClient("other")
	hub.Register(subscribed)
	hub.Register(other)

	// Registration goes through the run loop; wait until both are visible.
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.SubscribeToWorkflow(subscribed, "wf-1")

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()
	bridge := RegisterEventBridge(ctx, eventBus, hub, log)
	defer bridge.Close()

	subject := events.BuildStepSubject("wf-1:design")
	event := bus.NewEvent(events.StepStatusChanged, "test", map[string]interface{}{
		"workflow_id": "wf-1",
		"step_id":     "wf-1:design",
		"status":      "completed",
	})
	if err := eventBus.Publish(ctx, subject, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := receiveNotification(t, subscribed)
	if msg.Type != ws.MessageTypeNotification {
		t.Errorf("expected notification, got %s", msg.Type)
	}
	if msg.Action != events.StepStatusChanged {
		t.Errorf("expected action %q, got %q", events.StepStatusChanged, msg.Action)
	}
	var payload map[string]interface{}
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload["step_id"] != "wf-1:design" {
		t.Errorf("unexpected payload step_id: %v", payload["step_id"])
	}

	expectSilence(t, other)
}

func TestEventBridgeBroadcastsWorkflowLifecycle(t *testing.T) {
	log := bridgeTestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ws.NewDispatcher(), log)
	go hub.Run(ctx)

	client := newTestClient("viewer")
	hub.Register(client)
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()
	bridge := RegisterEventBridge(ctx, eventBus, hub, log)
	defer bridge.Close()

	event := bus.NewEvent(events.WorkflowStatusChanged, "test", map[string]interface{}{
		"workflow_id": "wf-9",
		"status":      "running",
	})
	if err := eventBus.Publish(ctx, events.BuildWorkflowSubject("wf-9"), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := receiveNotification(t, client)
	if msg.Action != events.WorkflowStatusChanged {
		t.Errorf("expected action %q, got %q", events.WorkflowStatusChanged, msg.Action)
	}
}

func TestHubRemovesClientSubscriptions(t *testing.T) {
	log := bridgeTestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ws.NewDispatcher(), log)
	go hub.Run(ctx)

	client := newTestClient("leaver")
	hub.Register(client)
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.SubscribeToWorkflow(client, "wf-1")

	hub.Unregister(client)
	for hub.GetClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.mu.RLock()
	_, stillThere := hub.workflowSubscribers["wf-1"]
	hub.mu.RUnlock()
	if stillThere {
		t.Error("workflow subscription should be dropped with the client")
	}
}
