package batch

// ProgressEvent represents a point-in-time update from the server's progress
// stream. It is a partial delta over a job's mutable counters, not a full
// snapshot; identity fields like the job name never travel on it.
type ProgressEvent struct {
	jobID     string
	unitID    string
	unitName  string
	status    string
	message   string
	processed int
	failed    int
	total     int
}

// NewProgressEvent creates a ProgressEvent from wire-level fields.
func NewProgressEvent(
	jobID string,
	unitID, unitName string,
	status, message string,
	processed, failed, total int,
) ProgressEvent {
	return ProgressEvent{
		jobID:     jobID,
		unitID:    unitID,
		unitName:  unitName,
		status:    status,
		message:   message,
		processed: processed,
		failed:    failed,
		total:     total,
	}
}

// JobID returns the identifier of the job this event belongs to.
func (p ProgressEvent) JobID() string { return p.jobID }

// UnitID returns the identifier of the unit the event describes, if any.
func (p ProgressEvent) UnitID() string { return p.unitID }

// UnitName returns the display name of the unit the event describes, if any.
func (p ProgressEvent) UnitName() string { return p.unitName }

// Status returns the raw status string carried by the event. It may describe
// a unit rather than the job; ParseJobStatus decides whether it is adopted.
func (p ProgressEvent) Status() string { return p.status }

// Message returns the human-readable progress message.
func (p ProgressEvent) Message() string { return p.message }

// Processed returns the running count of successfully processed units.
func (p ProgressEvent) Processed() int { return p.processed }

// Failed returns the running count of failed units.
func (p ProgressEvent) Failed() int { return p.failed }

// Total returns the total unit count for the job.
func (p ProgressEvent) Total() int { return p.total }
