package batch

import (
	"time"

	"github.com/gjovanov/harvex/internal/domain/events"
)

// Event types relevant to job synchronization:
const (
	EventTypeJobUpdated   events.EventType = "JobUpdated"
	EventTypeJobRemoved   events.EventType = "JobRemoved"
	EventTypeStreamClosed events.EventType = "StreamClosed"
	EventTypeMergeAnomaly events.EventType = "MergeAnomaly"
	EventTypeFetchFailed  events.EventType = "FetchFailed"
)

// StreamCloseReason describes why a progress stream subscription ended.
type StreamCloseReason string

const (
	// StreamCloseTerminal means the merged job reached a terminal status and
	// the subscription closed itself.
	StreamCloseTerminal StreamCloseReason = "terminal"

	// StreamCloseUnsubscribed means a consumer explicitly unsubscribed.
	StreamCloseUnsubscribed StreamCloseReason = "unsubscribed"

	// StreamCloseTransportError means the connection failed. The last merged
	// job remains the final known state; live updates have stopped.
	StreamCloseTransportError StreamCloseReason = "transport_error"

	// StreamCloseIdleTimeout means no event arrived within the configured
	// idle window.
	StreamCloseIdleTimeout StreamCloseReason = "idle_timeout"
)

// JobUpdatedEvent signals that the cached view of a job changed.
// Consumers re-read projections off the carried job.
type JobUpdatedEvent struct {
	occurredAt time.Time
	Job        *Job
}

// NewJobUpdatedEvent creates a new job updated event.
func NewJobUpdatedEvent(job *Job) JobUpdatedEvent {
	return JobUpdatedEvent{occurredAt: time.Now(), Job: job}
}

func (e JobUpdatedEvent) EventType() events.EventType { return EventTypeJobUpdated }
func (e JobUpdatedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobRemovedEvent signals that a job was deleted server-side and evicted from
// the cache.
type JobRemovedEvent struct {
	occurredAt time.Time
	JobID      string
}

// NewJobRemovedEvent creates a new job removed event.
func NewJobRemovedEvent(jobID string) JobRemovedEvent {
	return JobRemovedEvent{occurredAt: time.Now(), JobID: jobID}
}

func (e JobRemovedEvent) EventType() events.EventType { return EventTypeJobRemoved }
func (e JobRemovedEvent) OccurredAt() time.Time       { return e.occurredAt }

// StreamClosedEvent signals that a job's progress stream subscription ended.
// For transport errors this is the "live updates stopped" soft signal; the
// cached job remains intact.
type StreamClosedEvent struct {
	occurredAt time.Time
	JobID      string
	Reason     StreamCloseReason
	Cause      string // underlying error text, empty unless Reason is transport_error
}

// NewStreamClosedEvent creates a new stream closed event.
func NewStreamClosedEvent(jobID string, reason StreamCloseReason, cause string) StreamClosedEvent {
	return StreamClosedEvent{occurredAt: time.Now(), JobID: jobID, Reason: reason, Cause: cause}
}

func (e StreamClosedEvent) EventType() events.EventType { return EventTypeStreamClosed }
func (e StreamClosedEvent) OccurredAt() time.Time       { return e.occurredAt }

// MergeAnomalyEvent signals that an update was rejected by the merge rules,
// most commonly an attempt to move a job out of a terminal status. The cache
// is unchanged; the event exists for diagnostics.
type MergeAnomalyEvent struct {
	occurredAt time.Time
	JobID      string
	Source     string // "snapshot" or "stream"
	Detail     string
}

// NewMergeAnomalyEvent creates a new merge anomaly event.
func NewMergeAnomalyEvent(jobID, source, detail string) MergeAnomalyEvent {
	return MergeAnomalyEvent{occurredAt: time.Now(), JobID: jobID, Source: source, Detail: detail}
}

func (e MergeAnomalyEvent) EventType() events.EventType { return EventTypeMergeAnomaly }
func (e MergeAnomalyEvent) OccurredAt() time.Time       { return e.occurredAt }

// FetchFailedEvent signals that a snapshot fetch failed. The cached job, if
// any, is left intact; consumers may surface a transient error flag.
type FetchFailedEvent struct {
	occurredAt time.Time
	JobID      string
	Cause      string
}

// NewFetchFailedEvent creates a new fetch failed event.
func NewFetchFailedEvent(jobID, cause string) FetchFailedEvent {
	return FetchFailedEvent{occurredAt: time.Now(), JobID: jobID, Cause: cause}
}

func (e FetchFailedEvent) EventType() events.EventType { return EventTypeFetchFailed }
func (e FetchFailedEvent) OccurredAt() time.Time       { return e.occurredAt }
