package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected JobStatus
	}{
		{"pending", JobStatusPending},
		{"processing", JobStatusProcessing},
		{"completed", JobStatusCompleted},
		{"partially_completed", JobStatusPartiallyCompleted},
		{"failed", JobStatusFailed},
		{"PENDING", ""},
		{"done", ""},
		{"", ""},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.input, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, ParseJobStatus(tc.input))
		})
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusPartiallyCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{"pending to processing", JobStatusPending, JobStatusProcessing, false},
		{"pending straight to completed", JobStatusPending, JobStatusCompleted, false},
		{"pending straight to failed", JobStatusPending, JobStatusFailed, false},
		{"processing to completed", JobStatusProcessing, JobStatusCompleted, false},
		{"processing to partially completed", JobStatusProcessing, JobStatusPartiallyCompleted, false},
		{"processing to failed", JobStatusProcessing, JobStatusFailed, false},
		{"processing back to pending", JobStatusProcessing, JobStatusPending, true},
		{"completed to processing", JobStatusCompleted, JobStatusProcessing, true},
		{"completed to failed", JobStatusCompleted, JobStatusFailed, true},
		{"failed to completed", JobStatusFailed, JobStatusCompleted, true},
		{"partially completed to completed", JobStatusPartiallyCompleted, JobStatusCompleted, true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.from.ValidateTransition(tc.to)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
