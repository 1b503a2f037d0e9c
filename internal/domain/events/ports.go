// Package events provides domain event handling capabilities for
// communicating state changes across component boundaries in a decoupled way.
package events

import "context"

// HandlerFunc processes a single domain event. Returning an error does not
// stop delivery to other handlers; it is reported back to the publisher.
type HandlerFunc func(ctx context.Context, evt DomainEvent) error

// DomainEventPublisher publishes domain events to notify other parts of the
// system about important domain changes. It provides a technology-agnostic
// interface to decouple event producers from the underlying delivery
// mechanism.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers. The
	// provided context controls cancellation and deadlines. Optional
	// PublishOptions configure routing behavior.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// EventBus enables publishing and subscribing to domain events across
// component boundaries. It abstracts delivery details to keep domain logic
// focused on business concerns rather than transport mechanisms.
type EventBus interface {
	// Publish broadcasts a domain event to all interested subscribers.
	// Delivery is synchronous on the caller's goroutine so consumers observe
	// cache changes in the same turn they happen.
	Publish(ctx context.Context, event DomainEvent, opts ...PublishOption) error

	// Subscribe registers a handler function to process events of the
	// specified types. The handler executes for each matching event published
	// on this bus until ctx is canceled.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close gracefully shuts down the event bus and releases associated
	// resources.
	Close() error
}
