package events

// EventType represents a domain event category, enabling type-safe event
// routing and handling. It allows consumers to distinguish between different
// kinds of events like job updates and stream lifecycle changes.
type EventType string

// PublishOption is a function type that modifies PublishParams.
// It enables flexible configuration of event publishing behavior through
// functional options.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing domain events.
type PublishParams struct {
	// Key is used as a routing key to group related events.
	Key string
}

// WithKey returns a PublishOption that sets the routing key for an event.
// The key helps consumers correlate events belonging to the same job.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}
