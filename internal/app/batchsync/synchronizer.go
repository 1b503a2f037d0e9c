package batchsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gjovanov/harvex/internal/config"
	"github.com/gjovanov/harvex/internal/domain/batch"
	"github.com/gjovanov/harvex/internal/domain/events"
	"github.com/gjovanov/harvex/internal/infra/harvexapi"
	"github.com/gjovanov/harvex/pkg/common/logger"
	"github.com/gjovanov/harvex/pkg/common/timeutil"
)

// API is the slice of the Harvex batch API the synchronizer consumes.
// Implemented by harvexapi.Client.
type API interface {
	GetJob(ctx context.Context, id string) (*batch.Job, error)
	ListJobs(ctx context.Context) ([]*batch.Job, error)
	CreateJob(ctx context.Context, name, label string) (*batch.Job, error)
	StartProcessing(ctx context.Context, id string) (harvexapi.ProcessAck, error)
	DeleteJob(ctx context.Context, id string) (harvexapi.DeleteAck, error)
}

// Synchronizer reconciles two inbound flows of job state, on-demand snapshot
// fetches and pushed progress streams, into the shared JobCache. All merges
// for all jobs are serialized through one mutex so snapshot/stream races
// resolve deterministically via the merge rules.
type Synchronizer struct {
	api       API
	cache     *JobCache
	subs      *subscriptionManager
	publisher events.DomainEventPublisher
	clock     timeutil.Provider
	logger    *logger.Logger
	tracer    trace.Tracer
	metrics   SyncMetrics

	// mu serializes every merge. pending buffers at most one progress event
	// per unknown job (latest wins) until the initiating fetch lands.
	mu           sync.Mutex
	pending      map[string]batch.ProgressEvent
	pendingLimit int
}

// NewSynchronizer wires the synchronizer. metrics may be nil, in which case
// counters are no-ops; clock may be nil, defaulting to the wall clock.
func NewSynchronizer(
	api API,
	opener StreamOpener,
	publisher events.DomainEventPublisher,
	cfg config.Config,
	clock timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics SyncMetrics,
) *Synchronizer {
	if clock == nil {
		clock = timeutil.Default()
	}
	if metrics == nil {
		metrics = noopSyncMetrics{}
	}

	s := &Synchronizer{
		api:          api,
		cache:        NewJobCache(publisher),
		publisher:    publisher,
		clock:        clock,
		logger:       log,
		tracer:       tracer,
		metrics:      metrics,
		pending:      make(map[string]batch.ProgressEvent),
		pendingLimit: cfg.Sync.PendingBuffer,
	}
	s.subs = newSubscriptionManager(
		opener, s.applyProgress, publisher, cfg.Stream, log, tracer, metrics)
	return s
}

// Job returns the cached snapshot for id, if any.
func (s *Synchronizer) Job(id string) (*batch.Job, bool) { return s.cache.Get(id) }

// Jobs returns all cached jobs.
func (s *Synchronizer) Jobs() []*batch.Job { return s.cache.Jobs() }

// GetJob fetches a fresh snapshot, merges it into the cache, and returns the
// cached state afterwards. A failed fetch leaves the cache intact and emits a
// FetchFailedEvent alongside the returned error.
func (s *Synchronizer) GetJob(ctx context.Context, id string) (*batch.Job, error) {
	ctx, span := s.tracer.Start(ctx, "synchronizer.get_job",
		trace.WithAttributes(attribute.String("job_id", id)))
	defer span.End()

	snapshot, err := s.api.GetJob(ctx, id)
	if err != nil {
		span.RecordError(err)
		s.fetchFailed(ctx, id, err)
		return nil, err
	}

	s.applySnapshot(ctx, snapshot)
	s.maybeSubscribe(ctx, id)

	job, _ := s.cache.Get(id)
	return job, nil
}

// ListJobs fetches all jobs and merges each into the cache, opening progress
// subscriptions for jobs the server reports as processing. Returns the cached
// state of every listed job.
func (s *Synchronizer) ListJobs(ctx context.Context) ([]*batch.Job, error) {
	ctx, span := s.tracer.Start(ctx, "synchronizer.list_jobs")
	defer span.End()

	snapshots, err := s.api.ListJobs(ctx)
	if err != nil {
		span.RecordError(err)
		s.fetchFailed(ctx, "", err)
		return nil, err
	}

	jobs := make([]*batch.Job, 0, len(snapshots))
	for _, snapshot := range snapshots {
		s.applySnapshot(ctx, snapshot)
		s.maybeSubscribe(ctx, snapshot.ID())
		if job, ok := s.cache.Get(snapshot.ID()); ok {
			jobs = append(jobs, job)
		}
	}
	span.SetAttributes(attribute.Int("num_jobs", len(jobs)))
	return jobs, nil
}

// CreateJob creates a job server-side and seeds the cache with its initial
// snapshot.
func (s *Synchronizer) CreateJob(ctx context.Context, name, label string) (*batch.Job, error) {
	ctx, span := s.tracer.Start(ctx, "synchronizer.create_job",
		trace.WithAttributes(attribute.String("name", name)))
	defer span.End()

	job, err := s.api.CreateJob(ctx, name, label)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.applySnapshot(ctx, job)
	cached, _ := s.cache.Get(job.ID())
	return cached, nil
}

// StartProcessing asks the server to begin processing, then refreshes the
// job's snapshot. The refresh observes the processing status and opens the
// progress subscription.
func (s *Synchronizer) StartProcessing(ctx context.Context, id string) (harvexapi.ProcessAck, error) {
	ctx, span := s.tracer.Start(ctx, "synchronizer.start_processing",
		trace.WithAttributes(attribute.String("job_id", id)))
	defer span.End()

	ack, err := s.api.StartProcessing(ctx, id)
	if err != nil {
		span.RecordError(err)
		return harvexapi.ProcessAck{}, err
	}

	if _, err := s.GetJob(ctx, id); err != nil {
		// Processing started; only the follow-up snapshot failed. The
		// FetchFailedEvent already went out, so report success.
		s.logger.Warn(ctx, "snapshot refresh after start failed",
			"job_id", id, "error", err)
	}
	return ack, nil
}

// DeleteJob deletes the job server-side, closes its progress subscription,
// and evicts it from the cache.
func (s *Synchronizer) DeleteJob(ctx context.Context, id string) (harvexapi.DeleteAck, error) {
	ctx, span := s.tracer.Start(ctx, "synchronizer.delete_job",
		trace.WithAttributes(attribute.String("job_id", id)))
	defer span.End()

	ack, err := s.api.DeleteJob(ctx, id)
	if err != nil && !errors.Is(err, harvexapi.ErrJobNotFound) {
		span.RecordError(err)
		return harvexapi.DeleteAck{}, err
	}

	s.subs.unsubscribe(id)

	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()

	s.cache.Remove(ctx, id)
	return ack, err
}

// Subscribe opens a progress stream subscription for the job. Idempotent; a
// no-op when the cached job is already terminal.
func (s *Synchronizer) Subscribe(ctx context.Context, id string) error {
	if job, ok := s.cache.Get(id); ok && job.IsTerminal() {
		return nil
	}
	return s.subs.subscribe(ctx, id)
}

// Unsubscribe closes the job's progress stream, if open, and waits for its
// reader to exit. The cached job is untouched.
func (s *Synchronizer) Unsubscribe(id string) { s.subs.unsubscribe(id) }

// IsSubscribed reports whether the job currently has an open progress stream.
func (s *Synchronizer) IsSubscribed(id string) bool { return s.subs.isSubscribed(id) }

// Close tears down all subscriptions and waits for their readers.
func (s *Synchronizer) Close() { s.subs.closeAll() }

// maybeSubscribe opens a subscription when the merged cache state says the
// job is actively processing, so pushed updates start flowing without an
// explicit Subscribe. The cached state is consulted rather than the raw
// snapshot: a stale fetch must not re-open a stream for a finished job.
func (s *Synchronizer) maybeSubscribe(ctx context.Context, jobID string) {
	cached, ok := s.cache.Get(jobID)
	if !ok || cached.Status() != batch.JobStatusProcessing {
		return
	}
	if err := s.subs.subscribe(ctx, jobID); err != nil {
		s.logger.Warn(ctx, "auto-subscribe failed",
			"job_id", jobID, "error", err)
	}
}

// applySnapshot merges a fetched snapshot into the cache under the merge
// lock. Rejected snapshots surface as MergeAnomalyEvents; stale ones are
// silently discarded. On a terminal result the job's stream is closed.
func (s *Synchronizer) applySnapshot(ctx context.Context, snapshot *batch.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, _ := s.cache.Get(snapshot.ID())
	merged, changed, err := batch.MergeSnapshot(existing, snapshot)
	if err != nil {
		s.anomaly(ctx, snapshot.ID(), "snapshot", err)
		return
	}
	if !changed {
		s.metrics.IncSnapshotsDiscarded(ctx)
		return
	}

	s.metrics.IncSnapshotsMerged(ctx)
	if err := s.cache.Put(ctx, merged); err != nil {
		s.logger.Error(ctx, "job update handler failed",
			"job_id", merged.ID(), "error", err)
	}

	// A buffered early event may now have a snapshot to land on.
	if evt, ok := s.pending[merged.ID()]; ok {
		delete(s.pending, merged.ID())
		s.mergeProgressLocked(ctx, evt)
	}

	if cached, ok := s.cache.Get(snapshot.ID()); ok && cached.IsTerminal() {
		s.subs.closeAsync(cached.ID(), batch.StreamCloseTerminal)
	}
}

// applyProgress merges one pushed progress event. It is the subscription
// manager's applyFunc; the returned boolean tells the stream reader to close
// when the job went terminal.
func (s *Synchronizer) applyProgress(ctx context.Context, evt batch.ProgressEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeProgressLocked(ctx, evt)
}

// mergeProgressLocked does the actual progress merge. Callers hold s.mu.
func (s *Synchronizer) mergeProgressLocked(ctx context.Context, evt batch.ProgressEvent) bool {
	existing, ok := s.cache.Get(evt.JobID())
	if !ok {
		// Event raced ahead of the fetch that will populate the cache. Park
		// the latest one when buffering is enabled, otherwise drop it.
		if s.pendingLimit > 0 {
			if _, buffered := s.pending[evt.JobID()]; buffered || len(s.pending) < s.pendingLimit {
				s.pending[evt.JobID()] = evt
				return false
			}
		}
		s.metrics.IncEventsDropped(ctx)
		s.logger.Debug(ctx, "dropping progress event for unknown job",
			"job_id", evt.JobID())
		return false
	}

	merged, changed, err := existing.WithProgress(evt, s.clock.Now())
	if err != nil {
		if errors.Is(err, batch.ErrTerminalTransition) {
			s.anomaly(ctx, evt.JobID(), "stream", err)
		} else {
			s.metrics.IncEventsDropped(ctx)
			s.logger.Warn(ctx, "dropping invalid progress event",
				"job_id", evt.JobID(), "error", err)
		}
		return existing.IsTerminal()
	}
	if !changed {
		return existing.IsTerminal()
	}

	s.metrics.IncEventsApplied(ctx)
	if err := s.cache.Put(ctx, merged); err != nil {
		s.logger.Error(ctx, "job update handler failed",
			"job_id", merged.ID(), "error", err)
	}
	return merged.IsTerminal()
}

func (s *Synchronizer) anomaly(ctx context.Context, jobID, source string, err error) {
	s.metrics.IncMergeAnomalies(ctx)
	s.logger.Warn(ctx, "merge anomaly",
		"job_id", jobID, "source", source, "error", err)
	if s.publisher != nil {
		_ = s.publisher.PublishDomainEvent(ctx, events.DomainEvent{
			Type:      batch.EventTypeMergeAnomaly,
			Key:       jobID,
			Timestamp: time.Now(),
			Payload:   batch.NewMergeAnomalyEvent(jobID, source, err.Error()),
		})
	}
}

func (s *Synchronizer) fetchFailed(ctx context.Context, jobID string, err error) {
	s.logger.Warn(ctx, "snapshot fetch failed", "job_id", jobID, "error", err)
	if s.publisher != nil {
		_ = s.publisher.PublishDomainEvent(ctx, events.DomainEvent{
			Type:      batch.EventTypeFetchFailed,
			Key:       jobID,
			Timestamp: time.Now(),
			Payload:   batch.NewFetchFailedEvent(jobID, err.Error()),
		})
	}
}
