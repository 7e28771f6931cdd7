package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	minuteWindowSeconds = 60
	dayWindowSeconds    = 86400
)

// windowState tracks one token's counters: created lazily on first
// observation of a token, never destroyed during process lifetime.
type windowState struct {
	minuteBucket int64
	minuteCount  int
	dayBucket    int64
	dayCount     int
}

// MemoryLimiter is the in-process implementation of Limiter: a single
// mutex guards a map of per-token window state, giving linearizable
// admission per token.
type MemoryLimiter struct {
	mu    sync.Mutex
	state map[string]*windowState
	now   func() time.Time
}

// NewMemoryLimiter constructs an in-process limiter using wall-clock time.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		state: make(map[string]*windowState),
		now:   time.Now,
	}
}

// newMemoryLimiterWithClock is used by tests to control bucket boundaries
// deterministically instead of sleeping real wall-clock seconds.
func newMemoryLimiterWithClock(now func() time.Time) *MemoryLimiter {
	return &MemoryLimiter{
		state: make(map[string]*windowState),
		now:   now,
	}
}

// ConsumeOrDeny implements Limiter. The critical section spans both the
// minute and day resets and both the limit check and the increment, so no
// increment occurs unless both windows have room.
func (l *MemoryLimiter) ConsumeOrDeny(_ context.Context, token string, rpm, rpd int) (Snapshot, error) {
	t := l.now().Unix()
	minuteBucket := t / minuteWindowSeconds
	dayBucket := t / dayWindowSeconds

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.state[token]
	if !ok {
		st = &windowState{minuteBucket: minuteBucket, dayBucket: dayBucket}
		l.state[token] = st
	}
	if st.minuteBucket != minuteBucket {
		st.minuteBucket = minuteBucket
		st.minuteCount = 0
	}
	if st.dayBucket != dayBucket {
		st.dayBucket = dayBucket
		st.dayCount = 0
	}

	if st.minuteCount >= rpm || st.dayCount >= rpd {
		snap := Snapshot{
			LimitMinute:     rpm,
			RemainingMinute: clamp(rpm - st.minuteCount),
			LimitDay:        rpd,
			RemainingDay:    clamp(rpd - st.dayCount),
		}
		if st.minuteCount >= rpm {
			snap.RetryAfterSeconds = int(minuteWindowSeconds - (t % minuteWindowSeconds))
		} else {
			snap.RetryAfterSeconds = int(dayWindowSeconds - (t % dayWindowSeconds))
		}
		return snap, ErrDenied
	}

	st.minuteCount++
	st.dayCount++

	return Snapshot{
		LimitMinute:     rpm,
		RemainingMinute: clamp(rpm - st.minuteCount),
		LimitDay:        rpd,
		RemainingDay:    clamp(rpd - st.dayCount),
	}, nil
}
