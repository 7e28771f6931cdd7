package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_AdmitsUpToLimit(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lim := newMemoryLimiterWithClock(func() time.Time { return fixed })

	for i := 1; i <= 5; i++ {
		snap, err := lim.ConsumeOrDeny(context.Background(), "test-token", 5, 10)
		require.NoError(t, err)
		assert.Equal(t, 5-i, snap.RemainingMinute)
		assert.Equal(t, 10-i, snap.RemainingDay)
	}

	snap, err := lim.ConsumeOrDeny(context.Background(), "test-token", 5, 10)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, 0, snap.RemainingMinute)
	assert.Greater(t, snap.RetryAfterSeconds, 0)
}

func TestMemoryLimiter_DayLimitBindsAcrossMinuteBoundary(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	lim := newMemoryLimiterWithClock(func() time.Time { return clock })

	for i := 0; i < 2; i++ {
		_, err := lim.ConsumeOrDeny(context.Background(), "tok", 100, 2)
		require.NoError(t, err)
	}

	// Advance past the minute boundary; minute counter resets, but the day
	// counter is already saturated so the request must still be denied.
	clock = base.Add(61 * time.Second)
	_, err := lim.ConsumeOrDeny(context.Background(), "tok", 100, 2)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestMemoryLimiter_SeparateTokensIndependent(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lim := newMemoryLimiterWithClock(func() time.Time { return fixed })

	_, err := lim.ConsumeOrDeny(context.Background(), "a", 1, 10)
	require.NoError(t, err)
	_, err = lim.ConsumeOrDeny(context.Background(), "a", 1, 10)
	assert.ErrorIs(t, err, ErrDenied)

	_, err = lim.ConsumeOrDeny(context.Background(), "b", 1, 10)
	assert.NoError(t, err)
}
