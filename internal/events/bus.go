package events

import (
	"context"
	"log/slog"
	"sync"
)

type subscription struct {
	ch       chan Event
	reliable bool
}

// Bus is the central event bus for pub/sub.
//
// Ordinary subscriptions are lossy: a full channel drops the event with a
// warning. Reliable subscriptions make Publish wait until the event is taken
// or the publisher's context is done, so a reliable consumer must keep
// draining until every publisher's context has been cancelled.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription // eventType -> subscriptions
	allSubs     []subscription            // subscribers to all events
	transient   map[string]bool           // event types never persisted
	log         *EventLog                 // SQLite journal (may be nil)
	logger      *slog.Logger
	closed      bool
}

// NewBus creates a new event bus.
// The EventLog is optional - pass nil to disable the journal.
func NewBus(log *EventLog, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string][]subscription),
		transient:   make(map[string]bool),
		log:         log,
		logger:      logger,
	}
}

// MarkTransient excludes event types from the journal. Delivery is unaffected.
func (b *Bus) MarkTransient(eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.transient[t] = true
	}
}

// Publish sends an event to all subscribers and optionally persists it.
// It returns ctx.Err() if the context ends while a reliable subscriber is
// still holding up delivery.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	if b.log != nil && !b.transient[e.EventType()] {
		if _, err := b.log.Append(e); err != nil {
			b.logger.Error("failed to persist event", "type", e.EventType(), "error", err)
			// Continue - event delivery is more important than persistence
		}
	}

	for _, sub := range b.subscribers[e.EventType()] {
		if err := b.deliver(ctx, sub, e); err != nil {
			return err
		}
	}
	for _, sub := range b.allSubs {
		if err := b.deliver(ctx, sub, e); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, sub subscription, e Event) error {
	if sub.reliable {
		select {
		case sub.ch <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case sub.ch <- e:
	default:
		b.logger.Warn("subscriber channel full, dropping event",
			"type", e.EventType(),
			"entity_type", e.EntityType(),
			"entity_id", e.EntityID())
	}
	return nil
}

// Subscribe returns a lossy channel for events of a specific type.
func (b *Bus) Subscribe(eventType string, bufferSize int) <-chan Event {
	return b.subscribe(eventType, bufferSize, false)
}

// SubscribeReliable returns a channel for events of a specific type whose
// deliveries are never dropped.
func (b *Bus) SubscribeReliable(eventType string, bufferSize int) <-chan Event {
	return b.subscribe(eventType, bufferSize, true)
}

func (b *Bus) subscribe(eventType string, bufferSize int, reliable bool) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{ch: ch, reliable: reliable})
	return ch
}

// SubscribeAll returns a lossy channel for all events.
func (b *Bus) SubscribeAll(bufferSize int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, subscription{ch: ch})
	return ch
}

// Unsubscribe removes a subscription channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for i, sub := range subs {
			if sub.ch == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}

	for i, sub := range b.allSubs {
		if sub.ch == ch {
			b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Close shuts down the bus and closes all subscriber channels.
// Publishers blocked on a reliable subscriber must be cancelled first.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.subscribers = nil

	for _, sub := range b.allSubs {
		close(sub.ch)
	}
	b.allSubs = nil

	return nil
}
