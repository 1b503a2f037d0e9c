// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker that delivers events
// synchronously on the publisher's goroutine, so dashboard consumers observe
// cache changes in the same turn they happen.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/gjovanov/harvex/internal/domain/events"
)

// ErrBrokerClosed is returned when publishing or subscribing after Close.
var ErrBrokerClosed = errors.New("event broker is closed")

type registration struct {
	handler events.HandlerFunc
}

// Broker provides an in-memory implementation of the events.EventBus
// interface. It enables decoupled communication between the synchronizer and
// its consumers without any external messaging infrastructure.
type Broker struct {
	mu       sync.RWMutex
	handlers map[events.EventType][]*registration
	closed   bool
}

var (
	_ events.EventBus             = (*Broker)(nil)
	_ events.DomainEventPublisher = (*Broker)(nil)
)

// NewBroker creates and initializes a new in-memory event broker.
func NewBroker() *Broker {
	return &Broker{handlers: make(map[events.EventType][]*registration)}
}

// Subscribe registers a handler for the given event types. The registration
// is removed when ctx is canceled.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	reg := &registration{handler: handler}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], reg)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, et := range eventTypes {
			regs := b.handlers[et]
			for i, r := range regs {
				if r == reg {
					b.handlers[et] = append(regs[:i], regs[i+1:]...)
					break
				}
			}
		}
	}()

	return nil
}

// Publish delivers the event to every registered handler synchronously.
// Handlers run on the caller's goroutine; the first handler error is
// returned after all handlers have been invoked.
func (b *Broker) Publish(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}
	if params.Key != "" && event.Key == "" {
		event.Key = params.Key
	}

	// Copy handlers to avoid holding the lock while executing them.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	regs := b.handlers[event.Type]
	regsCopy := make([]*registration, len(regs))
	copy(regsCopy, regs)
	b.mu.RUnlock()

	var firstErr error
	for _, r := range regsCopy {
		if err := r.handler(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishDomainEvent implements events.DomainEventPublisher.
func (b *Broker) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return b.Publish(ctx, event, opts...)
}

// Close shuts down the broker and drops all registrations. Subsequent
// publishes and subscriptions fail with ErrBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[events.EventType][]*registration)
	return nil
}
