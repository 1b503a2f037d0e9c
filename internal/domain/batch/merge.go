package batch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTerminalTransition indicates an update attempted to move a job out
	// of a terminal status. Terminal states are one-shot; such updates are
	// rejected and surfaced as anomalies rather than applied.
	ErrTerminalTransition = errors.New("job is in a terminal status")

	// ErrInvalidProgress indicates a progress event whose counters or target
	// job do not make sense. The event is dropped without touching the cache.
	ErrInvalidProgress = errors.New("invalid progress event")
)

// MergeSnapshot reconciles a full snapshot with the cached job and returns
// the job that should be cached. The boolean reports whether the result
// differs from existing; callers skip notification when it is false.
//
// A snapshot is the baseline of truth, but once a progress stream is live the
// cached counters may be ahead of a fetch that was issued earlier and
// resolved late. The updated_at timestamp gates the merge: a snapshot that is
// not strictly newer than the cached value is discarded, so a slow fetch can
// never revert state advanced by faster stream events.
func MergeSnapshot(existing, incoming *Job) (*Job, bool, error) {
	if incoming == nil {
		return existing, false, fmt.Errorf("%w: nil snapshot", ErrInvalidJob)
	}
	if existing == nil {
		return incoming, true, nil
	}
	if incoming.id != existing.id {
		return existing, false, fmt.Errorf("%w: snapshot for job %s applied to job %s",
			ErrInvalidJob, incoming.id, existing.id)
	}

	// Identical updates are a no-op. This keeps re-delivered snapshots from
	// generating spurious notifications.
	if existing.Equal(incoming) {
		return existing, false, nil
	}

	// Stale snapshot: the cache has already advanced past it.
	if !incoming.updatedAt.After(existing.updatedAt) {
		return existing, false, nil
	}

	if incoming.status != existing.status {
		if existing.status.IsTerminal() {
			return existing, false, fmt.Errorf(
				"%w: snapshot moves %s from %s to %s",
				ErrTerminalTransition, existing.id, existing.status, incoming.status)
		}
		if err := existing.status.ValidateTransition(incoming.status); err != nil {
			return existing, false, err
		}
	}

	return incoming, true, nil
}

// WithProgress applies a progress event to the job and returns the resulting
// job. Progress events are authoritative for the mutable counters; identity
// fields (name, created_at, label) are preserved from the receiver. The
// event's status is adopted only when it names a job-level state (processing
// or a terminal status); unit-level statuses pass through untouched.
//
// now becomes the merged job's updated_at, which is the monotonic version the
// snapshot gate in MergeSnapshot compares fetches against.
func (j *Job) WithProgress(evt ProgressEvent, now time.Time) (*Job, bool, error) {
	if evt.jobID != j.id {
		return j, false, fmt.Errorf("%w: event for job %s applied to job %s",
			ErrInvalidProgress, evt.jobID, j.id)
	}
	if evt.processed < 0 || evt.failed < 0 || evt.total < 0 {
		return j, false, fmt.Errorf("%w: negative counter", ErrInvalidProgress)
	}
	if evt.total > 0 && evt.processed+evt.failed > evt.total {
		return j, false, fmt.Errorf("%w: processed (%d) + failed (%d) exceeds total (%d)",
			ErrInvalidProgress, evt.processed, evt.failed, evt.total)
	}

	status := ParseJobStatus(evt.status)
	adoptStatus := status == JobStatusProcessing || status.IsTerminal()

	if j.status.IsTerminal() {
		if adoptStatus && status != j.status {
			return j, false, fmt.Errorf("%w: event moves %s from %s to %s",
				ErrTerminalTransition, j.id, j.status, status)
		}
		// Late events for an already-final job carry nothing new.
		return j, false, nil
	}

	target := j.status
	if adoptStatus && status != j.status {
		if err := j.status.ValidateTransition(status); err != nil {
			return j, false, err
		}
		target = status
	}

	if target == j.status &&
		evt.processed == j.completedUnits &&
		evt.failed == j.failedUnits &&
		evt.total == j.totalUnits {
		return j, false, nil
	}

	merged := j.clone()
	merged.completedUnits = evt.processed
	merged.failedUnits = evt.failed
	merged.totalUnits = evt.total
	merged.status = target
	merged.updatedAt = now
	if target.IsTerminal() && merged.completedAt.IsZero() {
		merged.completedAt = now
	}

	return merged, true, nil
}
