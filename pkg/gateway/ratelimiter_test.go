package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Window(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRateLimiter(3, 10)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, _, ok := r.Begin()
		assert.True(t, ok)
		r.End()
	}
	code, reason, ok := r.Begin()
	assert.False(t, ok)
	assert.Equal(t, RateLimitExceeded, code)
	assert.Equal(t, "rate limit exceeded", reason)

	now = now.Add(61 * time.Second)
	_, _, ok = r.Begin()
	assert.True(t, ok)

	window, inFlight := r.Stats()
	assert.Equal(t, 1, window)
	assert.Equal(t, 1, inFlight)
}

func TestRateLimiter_Concurrency(t *testing.T) {
	r := NewRateLimiter(100, 2)

	_, _, ok := r.Begin()
	assert.True(t, ok)
	_, _, ok = r.Begin()
	assert.True(t, ok)

	code, _, ok := r.Begin()
	assert.False(t, ok)
	assert.Equal(t, TooManyConcurrent, code)

	r.End()
	_, _, ok = r.Begin()
	assert.True(t, ok)

	r.End()
	r.End()
	r.End()
	_, inFlight := r.Stats()
	assert.Zero(t, inFlight)
}

func TestRateLimiter_Defaults(t *testing.T) {
	r := NewRateLimiter(0, -1)
	assert.Equal(t, defaultRequestsPerMinute, r.perMinute)
	assert.Equal(t, defaultMaxConcurrent, r.maxConcurrent)
}
