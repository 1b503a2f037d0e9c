package batchsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/gjovanov/harvex/internal/config"
	"github.com/gjovanov/harvex/internal/domain/batch"
	"github.com/gjovanov/harvex/internal/infra/harvexapi"
)

type mockAPI struct{ mock.Mock }

func (m *mockAPI) GetJob(ctx context.Context, id string) (*batch.Job, error) {
	args := m.Called(ctx, id)
	if job := args.Get(0); job != nil {
		return job.(*batch.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAPI) ListJobs(ctx context.Context) ([]*batch.Job, error) {
	args := m.Called(ctx)
	if jobs := args.Get(0); jobs != nil {
		return jobs.([]*batch.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAPI) CreateJob(ctx context.Context, name, label string) (*batch.Job, error) {
	args := m.Called(ctx, name, label)
	if job := args.Get(0); job != nil {
		return job.(*batch.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAPI) StartProcessing(ctx context.Context, id string) (harvexapi.ProcessAck, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(harvexapi.ProcessAck), args.Error(1)
}

func (m *mockAPI) DeleteJob(ctx context.Context, id string) (harvexapi.DeleteAck, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(harvexapi.DeleteAck), args.Error(1)
}

// fakeClock is a manually advanced clock for deterministic updated_at stamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type syncFixture struct {
	api      *mockAPI
	opener   *fakeOpener
	recorder *eventRecorder
	clock    *fakeClock
	sync     *Synchronizer
}

func newSyncFixture(t *testing.T, cfg config.Config) *syncFixture {
	t.Helper()

	api := new(mockAPI)
	opener := &fakeOpener{}
	recorder := new(eventRecorder)
	clock := &fakeClock{now: testUpdatedAt.Add(10 * time.Second)}

	s := NewSynchronizer(
		api, opener, recorder, cfg, clock,
		testLogger(), noop.NewTracerProvider().Tracer("test"), nil,
	)
	t.Cleanup(s.Close)

	return &syncFixture{api: api, opener: opener, recorder: recorder, clock: clock, sync: s}
}

func TestGetJobCachesSnapshot(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	snapshot := buildJob(t, "job-1", batch.JobStatusPending, 0, 0, 0, testUpdatedAt)
	f.api.On("GetJob", mock.Anything, "job-1").Return(snapshot, nil)

	job, err := f.sync.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Same(t, snapshot, job)

	cached, ok := f.sync.Job("job-1")
	require.True(t, ok)
	assert.Same(t, snapshot, cached)

	// Pending jobs do not open a progress stream.
	assert.False(t, f.sync.IsSubscribed("job-1"))
	assert.Zero(t, f.opener.openCount())

	require.Len(t, f.recorder.ofType(batch.EventTypeJobUpdated), 1)
}

func TestGetJobAutoSubscribesProcessing(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	f.opener.streams = []*fakeStream{newFakeStream()}

	snapshot := buildJob(t, "job-1", batch.JobStatusProcessing, 10, 2, 0, testUpdatedAt)
	f.api.On("GetJob", mock.Anything, "job-1").Return(snapshot, nil)

	_, err := f.sync.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, f.sync.IsSubscribed("job-1"))
}

func TestGetJobFetchFailure(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	f.api.On("GetJob", mock.Anything, "job-1").Return(nil, errors.New("dial tcp: refused"))

	_, err := f.sync.GetJob(context.Background(), "job-1")
	require.Error(t, err)

	// The cache is untouched and the failure surfaced as a soft signal.
	_, ok := f.sync.Job("job-1")
	assert.False(t, ok)

	failed := f.recorder.ofType(batch.EventTypeFetchFailed)
	require.Len(t, failed, 1)
	payload := failed[0].Payload.(batch.FetchFailedEvent)
	assert.Equal(t, "job-1", payload.JobID)
	assert.Contains(t, payload.Cause, "refused")
}

func TestStreamEventsAdvanceCache(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	stream := newFakeStream()
	f.opener.streams = []*fakeStream{stream}

	snapshot := buildJob(t, "job-1", batch.JobStatusProcessing, 10, 2, 0, testUpdatedAt)
	f.api.On("GetJob", mock.Anything, "job-1").Return(snapshot, nil)

	_, err := f.sync.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	stream.events <- batch.NewProgressEvent("job-1", "u-7", "g.csv", "unit_completed", "", 7, 1, 10)

	assert.Eventually(t, func() bool {
		job, ok := f.sync.Job("job-1")
		return ok && job.CompletedUnits() == 7 && job.FailedUnits() == 1
	}, time.Second, 5*time.Millisecond)

	job, _ := f.sync.Job("job-1")
	assert.True(t, job.UpdatedAt().Equal(f.clock.Now()))
}

func TestStaleFetchNeverRegressesCache(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	stream := newFakeStream()
	f.opener.streams = []*fakeStream{stream}

	ctx := context.Background()
	first := buildJob(t, "job-1", batch.JobStatusProcessing, 10, 2, 0, testUpdatedAt)
	f.api.On("GetJob", mock.Anything, "job-1").Return(first, nil).Once()

	_, err := f.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)

	// A stream event advances the cache; its updated_at stamp comes from the
	// clock, which sits well past the snapshot timestamps.
	stream.events <- batch.NewProgressEvent("job-1", "", "", "unit_completed", "", 7, 0, 10)
	assert.Eventually(t, func() bool {
		job, ok := f.sync.Job("job-1")
		return ok && job.CompletedUnits() == 7
	}, time.Second, 5*time.Millisecond)

	// A fetch issued earlier resolves late, carrying older counters.
	stale := buildJob(t, "job-1", batch.JobStatusProcessing, 10, 3, 0, testUpdatedAt.Add(time.Second))
	f.api.On("GetJob", mock.Anything, "job-1").Return(stale, nil).Once()

	job, err := f.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 7, job.CompletedUnits(), "stale snapshot must not revert stream progress")

	cached, _ := f.sync.Job("job-1")
	assert.Equal(t, 7, cached.CompletedUnits())
}

func TestTerminalStreamEventClosesSubscription(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	stream := newFakeStream()
	f.opener.streams = []*fakeStream{stream}

	snapshot := buildJob(t, "job-1", batch.JobStatusProcessing, 10, 9, 0, testUpdatedAt)
	f.api.On("GetJob", mock.Anything, "job-1").Return(snapshot, nil)

	_, err := f.sync.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	stream.events <- batch.NewProgressEvent("job-1", "", "", "completed", "all done", 10, 0, 10)

	assert.Eventually(t, func() bool { return !f.sync.IsSubscribed("job-1") }, time.Second, 5*time.Millisecond)

	job, ok := f.sync.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, batch.JobStatusCompleted, job.Status())
	assert.True(t, job.IsTerminal())

	completedAt, done := job.CompletedAt()
	require.True(t, done)
	assert.True(t, completedAt.Equal(f.clock.Now()))

	closed := closedEvents(f.recorder)
	require.Len(t, closed, 1)
	assert.Equal(t, batch.StreamCloseTerminal, closed[0].Reason)
}

func TestProgressSequenceEndingInFailure(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	stream := newFakeStream()
	f.opener.streams = []*fakeStream{stream}

	snapshot := buildJob(t, "job-1", batch.JobStatusProcessing, 3, 0, 0, testUpdatedAt)
	f.api.On("GetJob", mock.Anything, "job-1").Return(snapshot, nil)

	_, err := f.sync.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	stream.events <- batch.NewProgressEvent("job-1", "", "", "processing", "", 2, 0, 3)
	assert.Eventually(t, func() bool {
		job, ok := f.sync.Job("job-1")
		return ok && job.CompletedUnits() == 2 && job.Status() == batch.JobStatusProcessing
	}, time.Second, 5*time.Millisecond)

	stream.events <- batch.NewProgressEvent("job-1", "", "", "failed", "unit 3 failed", 2, 1, 3)
	assert.Eventually(t, func() bool { return !f.sync.IsSubscribed("job-1") }, time.Second, 5*time.Millisecond)

	job, ok := f.sync.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, batch.JobStatusFailed, job.Status())
	assert.Equal(t, 2, job.CompletedUnits())
	assert.Equal(t, 1, job.FailedUnits())
}

func TestTerminalSnapshotClosesSubscription(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	stream := newFakeStream()
	f.opener.streams = []*fakeStream{stream}

	ctx := context.Background()
	processing := buildJob(t, "job-1", batch.JobStatusProcessing, 10, 9, 0, testUpdatedAt)
	f.api.On("GetJob", mock.Anything, "job-1").Return(processing, nil).Once()

	_, err := f.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, f.sync.IsSubscribed("job-1"))

	done := buildJob(t, "job-1", batch.JobStatusPartiallyCompleted, 10, 9, 1, testUpdatedAt.Add(time.Minute))
	f.api.On("GetJob", mock.Anything, "job-1").Return(done, nil).Once()

	job, err := f.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, batch.JobStatusPartiallyCompleted, job.Status())

	assert.Eventually(t, func() bool { return !f.sync.IsSubscribed("job-1") }, time.Second, 5*time.Millisecond)
}

func TestEarlyEventBufferedUntilSnapshot(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Sync.PendingBuffer = 4

	f := newSyncFixture(t, cfg)
	stream := newFakeStream()
	f.opener.streams = []*fakeStream{stream}

	ctx := context.Background()

	// The stream opens before the initiating fetch has populated the cache.
	require.NoError(t, f.sync.Subscribe(ctx, "job-1"))
	stream.events <- batch.NewProgressEvent("job-1", "", "", "processing", "", 1, 0, 10)

	assert.Eventually(t, func() bool {
		f.sync.mu.Lock()
		defer f.sync.mu.Unlock()
		_, ok := f.sync.pending["job-1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	// The fetch lands with counters older than the buffered event; the replay
	// brings the cache up to the event.
	snapshot := buildJob(t, "job-1", batch.JobStatusProcessing, 10, 0, 0, testUpdatedAt)
	f.api.On("GetJob", mock.Anything, "job-1").Return(snapshot, nil)

	job, err := f.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.CompletedUnits())
}

func TestEarlyEventDroppedByDefault(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	stream := newFakeStream()
	f.opener.streams = []*fakeStream{stream}

	ctx := context.Background()
	require.NoError(t, f.sync.Subscribe(ctx, "job-1"))

	stream.events <- batch.NewProgressEvent("job-1", "", "", "processing", "", 1, 0, 10)

	// With buffering disabled the event vanishes; the cache stays empty.
	assert.Never(t, func() bool {
		_, ok := f.sync.Job("job-1")
		return ok
	}, 50*time.Millisecond, 5*time.Millisecond)

	f.sync.mu.Lock()
	pending := len(f.sync.pending)
	f.sync.mu.Unlock()
	assert.Zero(t, pending)
}

func TestInvalidEventLeavesCacheIntact(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	snapshot := buildJob(t, "job-1", batch.JobStatusProcessing, 10, 2, 0, testUpdatedAt)
	require.NoError(t, f.sync.cache.Put(context.Background(), snapshot))

	// Counters exceeding the total violate the invariant; the event is dropped.
	evt := batch.NewProgressEvent("job-1", "", "", "processing", "", 8, 3, 10)
	terminal := f.sync.applyProgress(context.Background(), evt)
	assert.False(t, terminal)

	job, _ := f.sync.Job("job-1")
	assert.Equal(t, 2, job.CompletedUnits())
	assert.Empty(t, f.recorder.ofType(batch.EventTypeMergeAnomaly))
}

func TestConflictingTerminalEventRaisesAnomaly(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	done := buildJob(t, "job-1", batch.JobStatusCompleted, 10, 10, 0, testUpdatedAt)
	require.NoError(t, f.sync.cache.Put(context.Background(), done))

	evt := batch.NewProgressEvent("job-1", "", "", "failed", "", 0, 10, 10)
	terminal := f.sync.applyProgress(context.Background(), evt)
	assert.True(t, terminal, "the job stays terminal")

	job, _ := f.sync.Job("job-1")
	assert.Equal(t, batch.JobStatusCompleted, job.Status(), "terminal state is a sink")

	anomalies := f.recorder.ofType(batch.EventTypeMergeAnomaly)
	require.Len(t, anomalies, 1)
	payload := anomalies[0].Payload.(batch.MergeAnomalyEvent)
	assert.Equal(t, "job-1", payload.JobID)
	assert.Equal(t, "stream", payload.Source)
}

func TestListJobsSeedsCacheAndSubscriptions(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	f.opener.streams = []*fakeStream{newFakeStream()}

	snapshots := []*batch.Job{
		buildJob(t, "job-1", batch.JobStatusPending, 0, 0, 0, testUpdatedAt),
		buildJob(t, "job-2", batch.JobStatusProcessing, 10, 4, 0, testUpdatedAt),
		buildJob(t, "job-3", batch.JobStatusCompleted, 5, 5, 0, testUpdatedAt),
	}
	f.api.On("ListJobs", mock.Anything).Return(snapshots, nil)

	jobs, err := f.sync.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	assert.Equal(t, 3, len(f.sync.Jobs()))

	// Only the processing job gets a stream.
	assert.False(t, f.sync.IsSubscribed("job-1"))
	assert.True(t, f.sync.IsSubscribed("job-2"))
	assert.False(t, f.sync.IsSubscribed("job-3"))
}

func TestCreateJobSeedsCache(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	created := buildJob(t, "job-9", batch.JobStatusPending, 0, 0, 0, testUpdatedAt)
	f.api.On("CreateJob", mock.Anything, "nightly-import", "imports").Return(created, nil)

	job, err := f.sync.CreateJob(context.Background(), "nightly-import", "imports")
	require.NoError(t, err)
	assert.Same(t, created, job)

	_, ok := f.sync.Job("job-9")
	assert.True(t, ok)
}

func TestStartProcessingRefreshesAndSubscribes(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	f.opener.streams = []*fakeStream{newFakeStream()}

	ack := harvexapi.ProcessAck{Status: "processing_started", JobID: "job-1", Message: "ok"}
	f.api.On("StartProcessing", mock.Anything, "job-1").Return(ack, nil)

	refreshed := buildJob(t, "job-1", batch.JobStatusProcessing, 10, 0, 0, testUpdatedAt)
	f.api.On("GetJob", mock.Anything, "job-1").Return(refreshed, nil)

	got, err := f.sync.StartProcessing(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, ack, got)

	job, ok := f.sync.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, batch.JobStatusProcessing, job.Status())
	assert.True(t, f.sync.IsSubscribed("job-1"))
}

func TestDeleteJobTearsEverythingDown(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	stream := newFakeStream()
	f.opener.streams = []*fakeStream{stream}

	ctx := context.Background()
	snapshot := buildJob(t, "job-1", batch.JobStatusProcessing, 10, 2, 0, testUpdatedAt)
	f.api.On("GetJob", mock.Anything, "job-1").Return(snapshot, nil)

	_, err := f.sync.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, f.sync.IsSubscribed("job-1"))

	ack := harvexapi.DeleteAck{Message: "deleted", JobID: "job-1", FilesRemoved: 3}
	f.api.On("DeleteJob", mock.Anything, "job-1").Return(ack, nil)

	got, err := f.sync.DeleteJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.FilesRemoved)

	assert.False(t, f.sync.IsSubscribed("job-1"))
	_, ok := f.sync.Job("job-1")
	assert.False(t, ok)

	require.Len(t, f.recorder.ofType(batch.EventTypeJobRemoved), 1)
	closed := closedEvents(f.recorder)
	require.Len(t, closed, 1)
	assert.Equal(t, batch.StreamCloseUnsubscribed, closed[0].Reason)
}

func TestSubscribeSkipsTerminalJob(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	done := buildJob(t, "job-1", batch.JobStatusCompleted, 5, 5, 0, testUpdatedAt)
	require.NoError(t, f.sync.cache.Put(context.Background(), done))

	require.NoError(t, f.sync.Subscribe(context.Background(), "job-1"))
	assert.False(t, f.sync.IsSubscribed("job-1"))
	assert.Zero(t, f.opener.openCount())
}

func TestUnsubscribeKeepsCache(t *testing.T) {
	t.Parallel()

	f := newSyncFixture(t, config.Default())
	stream := newFakeStream()
	f.opener.streams = []*fakeStream{stream}

	snapshot := buildJob(t, "job-1", batch.JobStatusProcessing, 10, 2, 0, testUpdatedAt)
	f.api.On("GetJob", mock.Anything, "job-1").Return(snapshot, nil)

	_, err := f.sync.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	f.sync.Unsubscribe("job-1")
	assert.False(t, f.sync.IsSubscribed("job-1"))

	job, ok := f.sync.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, 2, job.CompletedUnits())
}
