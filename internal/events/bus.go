// Package events provides the in-process event bus used by the arbitrage
// service and facade, plus an optional MQTT bridge that republishes events
// to an external broker.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a typed notification published on the bus.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine; a panicking or slow handler must not affect others.
type Handler func(ctx context.Context, ev Event)

type subscriber struct {
	id      string
	event   string // "" subscribes to all event types
	handler Handler
}

// Bus is a one-sender many-receiver event bus with isolated subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "events")}
}

// Subscribe registers a handler for one event type ("" for all).
// It returns a subscription id for Unsubscribe.
func (b *Bus) Subscribe(event string, h Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs = append(b.subs, subscriber{id: id, event: event, handler: h})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every matching subscriber. A panic in one
// subscriber is recovered and logged; remaining subscribers still run.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.event != "" && s.event != ev.Type {
			continue
		}
		b.dispatch(ctx, s, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"event", ev.Type,
				"subscription", s.id,
				"panic", r,
			)
		}
	}()
	s.handler(ctx, ev)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
