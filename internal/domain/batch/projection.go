package batch

// View projection helpers. These are pure functions over a Job with no state
// of their own; callers may invoke them on every render.

// PercentComplete returns the job's progress as a whole percentage in
// [0, 100]. A job with no units reports 0.
func PercentComplete(j *Job) int {
	if j == nil || j.totalUnits <= 0 {
		return 0
	}

	pct := 100 * (j.completedUnits + j.failedUnits) / j.totalUnits
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// StatusLabel returns the display label for a job status.
func StatusLabel(s JobStatus) string {
	switch s {
	case JobStatusPending:
		return "Pending"
	case JobStatusProcessing:
		return "Processing"
	case JobStatusCompleted:
		return "Completed"
	case JobStatusPartiallyCompleted:
		return "Partially completed"
	case JobStatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// StatusColor returns the display color (hex) for a job status.
func StatusColor(s JobStatus) string {
	switch s {
	case JobStatusPending:
		return "#9ca3af"
	case JobStatusProcessing:
		return "#3b82f6"
	case JobStatusCompleted:
		return "#10b981"
	case JobStatusPartiallyCompleted:
		return "#f59e0b"
	case JobStatusFailed:
		return "#ef4444"
	default:
		return "#6b7280"
	}
}
