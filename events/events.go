// Package events provides the synchronous, in-process publish/subscribe
// registry shared by the queue, scheduler, and backtester packages. It is
// adapted from a CloudEvents-based observer pattern: events are delivered
// as cloudevents.Event envelopes, the same shape persisted into the
// optional events audit table, but delivery to in-process subscribers is
// a plain synchronous fan-out rather than a message broker.
package events

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Handler receives an event. Handlers must not block; the bus calls every
// matching handler synchronously: all-event subscribers first, then
// subscribers to the event's type, each group in registration order.
type Handler func(ctx context.Context, event cloudevents.Event)

// Bus is a minimal subscription registry keyed by event-type string. An
// empty eventType subscribes to every event, matching the teacher's
// "empty eventTypes means all events" convention.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// On registers handler for eventType. Passing "" subscribes to all events.
func (b *Bus) On(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "" {
		b.all = append(b.all, handler)
		return
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Emit builds a CloudEvent envelope for (eventType, source, data) and
// delivers it synchronously to every matching subscriber. Subscribers must
// not block; emission never returns an error to the caller since event
// delivery is purely observational.
func (b *Bus) Emit(ctx context.Context, eventType, source string, data any) cloudevents.Event {
	event := NewEvent(eventType, source, data)
	b.Deliver(ctx, event)
	return event
}

// Deliver fans an already-built event out to subscribers, without building
// a new envelope. Useful when the caller wants the exact event it persisted.
func (b *Bus) Deliver(ctx context.Context, event cloudevents.Event) {
	b.mu.RLock()
	handlers := append([]Handler{}, b.all...)
	handlers = append(handlers, b.handlers[event.Type()]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, event)
	}
}

// NewEvent builds a CloudEvent with the required attributes set, mirroring
// the teacher's NewCloudEvent convenience constructor.
func NewEvent(eventType, source string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}
