package batch

import "fmt"

// JobStatus represents the current state of a batch job as reported by the
// server. It enables tracking of the job lifecycle from creation through
// completion or failure.
type JobStatus string

const (
	// JobStatusPending indicates a job has been created but processing has
	// not started.
	JobStatusPending JobStatus = "pending"

	// JobStatusProcessing indicates the server is actively working through
	// the job's units.
	JobStatusProcessing JobStatus = "processing"

	// JobStatusCompleted indicates every unit finished successfully.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusPartiallyCompleted indicates the job finished with a mix of
	// successful and failed units.
	JobStatusPartiallyCompleted JobStatus = "partially_completed"

	// JobStatusFailed indicates no unit finished successfully.
	JobStatusFailed JobStatus = "failed"
)

func (s JobStatus) String() string { return string(s) }

// ParseJobStatus converts a wire string to a JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "pending":
		return JobStatusPending
	case "processing":
		return JobStatusProcessing
	case "completed":
		return JobStatusCompleted
	case "partially_completed":
		return JobStatusPartiallyCompleted
	case "failed":
		return JobStatusFailed
	default:
		return "" // represents unspecified
	}
}

// IsTerminal reports whether the status is final. Terminal states are sinks:
// no event or fetch moves a job out of one.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartiallyCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid job status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status. An empty batch can move from pending straight to a terminal state
// without ever reporting processing.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		return target == JobStatusProcessing || target.IsTerminal()
	case JobStatusProcessing:
		return target.IsTerminal()
	case JobStatusCompleted, JobStatusPartiallyCompleted, JobStatusFailed:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
