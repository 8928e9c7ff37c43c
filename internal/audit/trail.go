package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink persists audit events
type Sink interface {
	Write(ctx context.Context, event *Event) error
}

// Querier reads audit events back
type Querier interface {
	Query(ctx context.Context, filter Filter) ([]Event, error)
}

// Subscriber receives every recorded event
type Subscriber func(Event)

// Trail fans recorded events out to sinks and live subscribers.
// Sink failures are logged and never surface to the caller.
type Trail struct {
	sinks  []Sink
	logger *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	subscribers map[uint64]Subscriber
	nextID      uint64
}

// NewTrail creates a new audit trail writing to sinks
func NewTrail(logger *zap.Logger, sinks ...Sink) *Trail {
	return &Trail{
		sinks:       sinks,
		logger:      logger,
		now:         time.Now,
		subscribers: make(map[uint64]Subscriber),
	}
}

// Record stamps and dispatches an event
func (t *Trail) Record(ctx context.Context, event Event) {
	if t == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = t.now().UTC()
	}
	if event.ID == "" {
		event.ID = NewID(event.CreatedAt)
	}
	if event.RiskLevel == "" {
		event.RiskLevel = RiskLow
	}

	for _, sink := range t.sinks {
		if err := sink.Write(ctx, &event); err != nil {
			t.logger.Warn("Failed to write audit event",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.EventType),
				zap.Error(err),
			)
		}
	}

	t.mu.RLock()
	subs := make([]Subscriber, 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		subs = append(subs, sub)
	}
	t.mu.RUnlock()

	for _, sub := range subs {
		t.deliver(sub, event)
	}
}

func (t *Trail) deliver(sub Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Audit subscriber panicked",
				zap.String("event_id", event.ID),
				zap.Any("panic", r),
			)
		}
	}()
	sub(event)
}

// Subscribe registers fn for live events and returns its unsubscribe function
func (t *Trail) Subscribe(fn Subscriber) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subscribers[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
		})
	}
}

// SubscriberCount returns the number of live subscribers
func (t *Trail) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// Query reads events from the first sink that supports queries
func (t *Trail) Query(ctx context.Context, filter Filter) ([]Event, error) {
	for _, sink := range t.sinks {
		if q, ok := sink.(Querier); ok {
			events, err := q.Query(ctx, filter)
			if err != nil {
				return nil, fmt.Errorf("failed to query audit events: %w", err)
			}
			return events, nil
		}
	}
	return nil, fmt.Errorf("no queryable audit sink configured")
}
