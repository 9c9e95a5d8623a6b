// Package events provides domain event handling capabilities for
// communicating state changes and important activities across system
// boundaries in a decoupled way.
package events

import "context"

// AckFunc acknowledges that a consumed event has been fully processed. A nil
// error marks the event done; a non-nil error lets the transport record the
// failure without blocking the consumer.
type AckFunc func(error)

// HandlerFunc processes a single event envelope delivered by an EventBus.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// DomainEventPublisher publishes domain events to notify other parts of the
// system about important domain changes. It provides a technology-agnostic
// interface to decouple event producers from the underlying messaging
// infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers. The
	// provided context controls cancellation and deadlines. Optional
	// PublishOptions configure routing behavior.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// EventBus enables publishing and subscribing to domain events across system
// boundaries. It abstracts messaging infrastructure details (like Kafka or an
// in-process broker) to keep domain logic focused on business concerns rather
// than transport mechanisms.
type EventBus interface {
	// Publish broadcasts a domain event to all interested subscribers. The
	// provided context controls the operation lifecycle. Optional
	// PublishOptions configure delivery behavior.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler function to process events of specified
	// types. The handler executes for each matching event received on this
	// bus.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close gracefully shuts down the event bus and releases associated
	// resources.
	Close() error
}

// EventHandler defines the contract for components that process domain
// events. Each handler declares which event types it can process and
// implements the logic to handle those events.
type EventHandler interface {
	// HandleEvent processes a domain event and returns an error if processing
	// fails.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}
