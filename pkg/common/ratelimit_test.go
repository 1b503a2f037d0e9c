package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterWait(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(100, 1)
	ctx := context.Background()

	require.NoError(t, rl.Wait(ctx))
	require.NoError(t, rl.Wait(ctx))
}

func TestRateLimiterWaitCanceledContext(t *testing.T) {
	t.Parallel()

	// Burst of 1 with a tiny rate: the second Wait has to block, and the
	// canceled context aborts it.
	rl := NewRateLimiter(0.001, 1)

	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	assert.Error(t, err)
}

func TestRateLimiterUpdateLimits(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 1)
	rl.UpdateLimits(1000, 100)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 20; i++ {
		require.NoError(t, rl.Wait(ctx))
	}
	assert.Less(t, time.Since(start), time.Second, "updated limits should allow a quick burst")
}
