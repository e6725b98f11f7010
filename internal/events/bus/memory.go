package bus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured. Subjects follow NATS conventions: dot-separated tokens, with
// "*" matching exactly one token and a trailing ">" matching the rest.
// Delivery is asynchronous so handlers see the same contract as with the
// NATS implementation.
type MemoryEventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*memorySubscription
	closed bool

	cursorMu sync.Mutex
	cursors  map[string]int // round-robin position per queue group

	logger *logger.Logger
}

type memorySubscription struct {
	id      uint64
	bus     *MemoryEventBus
	subject string
	tokens  []string
	queue   string // empty for fan-out subscriptions
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:    make(map[uint64]*memorySubscription),
		cursors: make(map[string]int),
		logger:  log,
	}
}

// Subscribe registers a fan-out subscription: every matching subscriber
// receives every event.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.register(subject, "", handler)
}

// QueueSubscribe registers a load-balanced subscription: each event goes to
// exactly one member of the queue group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.register(subject, queue, handler)
}

func (b *MemoryEventBus) register(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		bus:     b,
		subject: subject,
		tokens:  strings.Split(subject, "."),
		queue:   queue,
		handler: handler,
		active:  true,
	}
	b.subs[sub.id] = sub

	if queue == "" {
		b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	} else {
		b.logger.Debug("Queue subscribed to subject",
			zap.String("subject", subject),
			zap.String("queue", queue))
	}
	return sub, nil
}

// Publish delivers an event to every matching fan-out subscriber and to one
// member of each matching queue group.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	var fanOut []*memorySubscription
	groups := make(map[string][]*memorySubscription)
	for _, sub := range b.subs {
		if !sub.IsValid() || !matchSubject(sub.tokens, subject) {
			continue
		}
		if sub.queue == "" {
			fanOut = append(fanOut, sub)
			continue
		}
		key := sub.queue + "|" + sub.subject
		groups[key] = append(groups[key], sub)
	}
	b.mu.RUnlock()

	for _, sub := range fanOut {
		b.deliver(ctx, sub, subject, event)
	}
	for key, members := range groups {
		b.deliver(ctx, b.pickGroupMember(key, members), subject, event)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// pickGroupMember advances the group cursor and returns the next member.
// Members are ordered by subscription id so the rotation is stable.
func (b *MemoryEventBus) pickGroupMember(key string, members []*memorySubscription) *memorySubscription {
	sort.Slice(members, func(i, j int) bool { return members[i].id < members[j].id })

	b.cursorMu.Lock()
	defer b.cursorMu.Unlock()
	cursor := b.cursors[key]
	b.cursors[key] = cursor + 1
	return members[cursor%len(members)]
}

func (b *MemoryEventBus) deliver(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	go func() {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}()
}

// Request publishes the event with a reply inbox in its data and waits for
// the first response on that inbox.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	inbox := "_INBOX." + event.ID
	replies := make(chan *Event, 1)

	sub, err := b.Subscribe(inbox, func(ctx context.Context, reply *Event) error {
		select {
		case replies <- reply:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = make(map[string]interface{}, 1)
	}
	event.Data["_reply"] = inbox

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close deactivates every subscription and rejects further operations.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.deactivate()
	}
	b.subs = make(map[uint64]*memorySubscription)

	b.cursorMu.Lock()
	b.cursors = make(map[string]int)
	b.cursorMu.Unlock()

	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// matchSubject matches a dot-tokenised subject against a subscription
// pattern. "*" consumes one token; ">" consumes one or more trailing tokens.
func matchSubject(pattern []string, subject string) bool {
	tokens := strings.Split(subject, ".")
	for i, p := range pattern {
		if p == ">" {
			return i < len(tokens)
		}
		if i >= len(tokens) {
			return false
		}
		if p != "*" && p != tokens[i] {
			return false
		}
	}
	return len(pattern) == len(tokens)
}
