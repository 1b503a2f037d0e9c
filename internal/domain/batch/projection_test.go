package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentComplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		total     int
		completed int
		failed    int
		expected  int
	}{
		{"zero units", 0, 0, 0, 0},
		{"nothing processed", 10, 0, 0, 0},
		{"halfway", 10, 4, 1, 50},
		{"failures count as progress", 10, 0, 10, 100},
		{"complete", 10, 10, 0, 100},
		{"rounds down", 3, 1, 0, 33},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			job := mustJob(t, JobStatusProcessing, tc.total, tc.completed, tc.failed, testUpdatedAt)
			assert.Equal(t, tc.expected, PercentComplete(job))
		})
	}
}

func TestPercentCompleteNilJob(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, PercentComplete(nil))
}

func TestStatusLabel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Pending", StatusLabel(JobStatusPending))
	assert.Equal(t, "Processing", StatusLabel(JobStatusProcessing))
	assert.Equal(t, "Completed", StatusLabel(JobStatusCompleted))
	assert.Equal(t, "Partially completed", StatusLabel(JobStatusPartiallyCompleted))
	assert.Equal(t, "Failed", StatusLabel(JobStatusFailed))
	assert.Equal(t, "Unknown", StatusLabel(JobStatus("bogus")))
}

func TestStatusColor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "#9ca3af", StatusColor(JobStatusPending))
	assert.Equal(t, "#3b82f6", StatusColor(JobStatusProcessing))
	assert.Equal(t, "#10b981", StatusColor(JobStatusCompleted))
	assert.Equal(t, "#f59e0b", StatusColor(JobStatusPartiallyCompleted))
	assert.Equal(t, "#ef4444", StatusColor(JobStatusFailed))
	assert.Equal(t, "#6b7280", StatusColor(JobStatus("bogus")))
}
