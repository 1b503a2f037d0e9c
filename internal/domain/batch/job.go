// Package batch contains the domain model for server-executed batch jobs and
// the reconciliation rules that merge pull-style snapshots with push-style
// progress events into one consistent view.
package batch

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidJob indicates a snapshot whose fields violate the job invariants.
var ErrInvalidJob = errors.New("invalid job")

// Job is the client's view of a server-executed batch job. It is immutable;
// the merge functions in this package produce new instances rather than
// mutating in place, so a half-merged job is never observable.
type Job struct {
	id             string
	name           string
	status         JobStatus
	totalUnits     int
	completedUnits int
	failedUnits    int
	createdAt      time.Time
	updatedAt      time.Time
	completedAt    time.Time // zero unless the job is terminal
	label          string    // optional display label, empty when unset
}

// ReconstructJob creates a Job from wire-level fields, validating the domain
// invariants. This is the only way the transport layer materializes jobs.
func ReconstructJob(
	id string,
	name string,
	status JobStatus,
	totalUnits, completedUnits, failedUnits int,
	createdAt, updatedAt, completedAt time.Time,
	label string,
) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidJob)
	}
	if status == "" {
		return nil, fmt.Errorf("%w: unknown status", ErrInvalidJob)
	}
	if totalUnits < 0 || completedUnits < 0 || failedUnits < 0 {
		return nil, fmt.Errorf("%w: negative unit counter", ErrInvalidJob)
	}
	if totalUnits > 0 && completedUnits+failedUnits > totalUnits {
		return nil, fmt.Errorf("%w: completed (%d) + failed (%d) exceeds total (%d)",
			ErrInvalidJob, completedUnits, failedUnits, totalUnits)
	}

	j := &Job{
		id:             id,
		name:           name,
		status:         status,
		totalUnits:     totalUnits,
		completedUnits: completedUnits,
		failedUnits:    failedUnits,
		createdAt:      createdAt,
		updatedAt:      updatedAt,
		completedAt:    completedAt,
		label:          label,
	}

	// completed_at is non-zero iff the status is terminal. Servers have been
	// observed to omit it on the final snapshot, so backfill from updated_at.
	if j.status.IsTerminal() && j.completedAt.IsZero() {
		j.completedAt = j.updatedAt
	}
	if !j.status.IsTerminal() {
		j.completedAt = time.Time{}
	}

	return j, nil
}

// ID returns the unique identifier for this job.
func (j *Job) ID() string { return j.id }

// Name returns the user-supplied job name.
func (j *Job) Name() string { return j.name }

// Status returns the current status of the job.
func (j *Job) Status() JobStatus { return j.status }

// TotalUnits returns the number of units of work in the job.
func (j *Job) TotalUnits() int { return j.totalUnits }

// CompletedUnits returns the number of units processed successfully.
func (j *Job) CompletedUnits() int { return j.completedUnits }

// FailedUnits returns the number of units that failed.
func (j *Job) FailedUnits() int { return j.failedUnits }

// CreatedAt returns when the job was created on the server.
func (j *Job) CreatedAt() time.Time { return j.createdAt }

// UpdatedAt returns the version timestamp used to gate merges. Snapshots that
// are not strictly newer than this value are discarded.
func (j *Job) UpdatedAt() time.Time { return j.updatedAt }

// CompletedAt returns when the job reached a terminal status.
// The boolean is false while the job is still active.
func (j *Job) CompletedAt() (time.Time, bool) {
	if j.status.IsTerminal() {
		return j.completedAt, true
	}
	return time.Time{}, false
}

// Label returns the optional display label and whether one is set.
func (j *Job) Label() (string, bool) { return j.label, j.label != "" }

// IsTerminal reports whether the job has reached a final status.
func (j *Job) IsTerminal() bool { return j.status.IsTerminal() }

// Equal reports whether two jobs carry identical state. Used to keep
// re-applied updates from generating spurious notifications.
func (j *Job) Equal(other *Job) bool {
	if other == nil {
		return false
	}
	return j.id == other.id &&
		j.name == other.name &&
		j.status == other.status &&
		j.totalUnits == other.totalUnits &&
		j.completedUnits == other.completedUnits &&
		j.failedUnits == other.failedUnits &&
		j.createdAt.Equal(other.createdAt) &&
		j.updatedAt.Equal(other.updatedAt) &&
		j.completedAt.Equal(other.completedAt) &&
		j.label == other.label
}

func (j *Job) clone() *Job {
	c := *j
	return &c
}
