package batchsync

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gjovanov/harvex/internal/domain/batch"
	"github.com/gjovanov/harvex/internal/domain/events"
	"github.com/gjovanov/harvex/pkg/common/logger"
)

var (
	testCreatedAt = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	testUpdatedAt = time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
)

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelDebug, "test", nil)
}

func buildJob(t *testing.T, id string, status batch.JobStatus, total, completed, failed int, updatedAt time.Time) *batch.Job {
	t.Helper()
	job, err := batch.ReconstructJob(
		id, "job-"+id, status,
		total, completed, failed,
		testCreatedAt, updatedAt, time.Time{},
		"",
	)
	require.NoError(t, err)
	return job
}

// eventRecorder captures published domain events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (r *eventRecorder) PublishDomainEvent(_ context.Context, evt events.DomainEvent, _ ...events.PublishOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *eventRecorder) ofType(et events.EventType) []events.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.DomainEvent
	for _, evt := range r.events {
		if evt.Type == et {
			out = append(out, evt)
		}
	}
	return out
}

func TestJobCachePutAndGet(t *testing.T) {
	t.Parallel()

	recorder := new(eventRecorder)
	cache := NewJobCache(recorder)

	job := buildJob(t, "job-1", batch.JobStatusPending, 0, 0, 0, testUpdatedAt)
	require.NoError(t, cache.Put(context.Background(), job))

	got, ok := cache.Get("job-1")
	require.True(t, ok)
	assert.Same(t, job, got)
	assert.Equal(t, 1, cache.Len())

	updated := recorder.ofType(batch.EventTypeJobUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, "job-1", updated[0].Key)

	payload, ok := updated[0].Payload.(batch.JobUpdatedEvent)
	require.True(t, ok)
	assert.Same(t, job, payload.Job)
}

func TestJobCacheGetMissing(t *testing.T) {
	t.Parallel()

	cache := NewJobCache(nil)
	_, ok := cache.Get("nope")
	assert.False(t, ok)
}

func TestJobCacheRemove(t *testing.T) {
	t.Parallel()

	recorder := new(eventRecorder)
	cache := NewJobCache(recorder)

	job := buildJob(t, "job-1", batch.JobStatusPending, 0, 0, 0, testUpdatedAt)
	require.NoError(t, cache.Put(context.Background(), job))

	assert.True(t, cache.Remove(context.Background(), "job-1"))
	_, ok := cache.Get("job-1")
	assert.False(t, ok)

	removed := recorder.ofType(batch.EventTypeJobRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, "job-1", removed[0].Key)
}

func TestJobCacheRemoveUnknown(t *testing.T) {
	t.Parallel()

	recorder := new(eventRecorder)
	cache := NewJobCache(recorder)

	assert.False(t, cache.Remove(context.Background(), "nope"))
	assert.Empty(t, recorder.ofType(batch.EventTypeJobRemoved))
}

func TestJobCacheJobs(t *testing.T) {
	t.Parallel()

	cache := NewJobCache(nil)
	require.NoError(t, cache.Put(context.Background(), buildJob(t, "job-1", batch.JobStatusPending, 0, 0, 0, testUpdatedAt)))
	require.NoError(t, cache.Put(context.Background(), buildJob(t, "job-2", batch.JobStatusProcessing, 5, 1, 0, testUpdatedAt)))

	jobs := cache.Jobs()
	assert.Len(t, jobs, 2)

	ids := map[string]bool{}
	for _, j := range jobs {
		ids[j.ID()] = true
	}
	assert.True(t, ids["job-1"])
	assert.True(t, ids["job-2"])
}

func TestJobCachePutWithoutPublisher(t *testing.T) {
	t.Parallel()

	cache := NewJobCache(nil)
	job := buildJob(t, "job-1", batch.JobStatusPending, 0, 0, 0, testUpdatedAt)
	require.NoError(t, cache.Put(context.Background(), job))
	assert.Equal(t, 1, cache.Len())
}
