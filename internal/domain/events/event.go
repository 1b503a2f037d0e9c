package events

import "time"

// DomainEvent encapsulates all event data flowing through the synchronizer,
// providing a standardized format for event processing and distribution.
type DomainEvent struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business
	// identifier like a job ID that events can be grouped by.
	Key string

	// Timestamp records when this event was created, enabling temporal
	// tracking and debugging of event flows.
	Timestamp time.Time

	// Payload contains the actual event data (e.g. JobUpdatedEvent).
	// The concrete type depends on the EventType.
	Payload any
}
