package batchsync

import (
	"context"
	"sync"
	"time"

	"github.com/gjovanov/harvex/internal/domain/batch"
	"github.com/gjovanov/harvex/internal/domain/events"
)

// JobCache holds the last known snapshot per job identifier. It is the single
// shared view the dashboard reads; entries are mutated only through the merge
// path and removed only on explicit job deletion, never on staleness.
//
// Put notifies subscribed consumers synchronously on the caller's goroutine,
// so the UI reflects the latest state without polling.
type JobCache struct {
	mu        sync.RWMutex
	jobs      map[string]*batch.Job
	publisher events.DomainEventPublisher
}

// NewJobCache creates an empty cache that notifies through the given
// publisher. A nil publisher disables notifications.
func NewJobCache(publisher events.DomainEventPublisher) *JobCache {
	return &JobCache{
		jobs:      make(map[string]*batch.Job),
		publisher: publisher,
	}
}

// Get returns the cached job for id, if present.
func (c *JobCache) Get(id string) (*batch.Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	job, ok := c.jobs[id]
	return job, ok
}

// Put stores the job and synchronously publishes a JobUpdatedEvent. The
// returned error comes from a consumer's handler; the store itself cannot
// fail and has already happened.
func (c *JobCache) Put(ctx context.Context, job *batch.Job) error {
	c.mu.Lock()
	c.jobs[job.ID()] = job
	c.mu.Unlock()

	if c.publisher == nil {
		return nil
	}
	return c.publisher.PublishDomainEvent(ctx, events.DomainEvent{
		Type:      batch.EventTypeJobUpdated,
		Key:       job.ID(),
		Timestamp: time.Now(),
		Payload:   batch.NewJobUpdatedEvent(job),
	})
}

// Remove evicts the job from the cache, publishing a JobRemovedEvent when an
// entry existed. Safe to call for unknown ids.
func (c *JobCache) Remove(ctx context.Context, id string) bool {
	c.mu.Lock()
	_, existed := c.jobs[id]
	delete(c.jobs, id)
	c.mu.Unlock()

	if existed && c.publisher != nil {
		_ = c.publisher.PublishDomainEvent(ctx, events.DomainEvent{
			Type:      batch.EventTypeJobRemoved,
			Key:       id,
			Timestamp: time.Now(),
			Payload:   batch.NewJobRemovedEvent(id),
		})
	}
	return existed
}

// Jobs returns a snapshot of all cached jobs. Order is unspecified.
func (c *JobCache) Jobs() []*batch.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	jobs := make([]*batch.Job, 0, len(c.jobs))
	for _, job := range c.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// Len returns the number of cached jobs.
func (c *JobCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.jobs)
}
