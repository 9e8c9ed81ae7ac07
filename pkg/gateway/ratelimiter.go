package gateway

import (
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 120
	defaultMaxConcurrent     = 8
)

// RateLimiter bounds one client's requests with a sliding one-minute window
// and a cap on requests in flight.
type RateLimiter struct {
	mu            sync.Mutex
	perMinute     int
	maxConcurrent int
	window        []time.Time
	inFlight      int
	now           func() time.Time
}

// NewRateLimiter creates a limiter; non-positive limits take the defaults.
func NewRateLimiter(perMinute, maxConcurrent int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &RateLimiter{perMinute: perMinute, maxConcurrent: maxConcurrent, now: time.Now}
}

// Begin admits a request and counts it, or returns the RPC error code and
// reason for rejecting it. Every admitted request must call End.
func (r *RateLimiter) Begin() (code int, reason string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return TooManyConcurrent, "too many concurrent requests", false
	}
	now := r.now()
	r.prune(now)
	if len(r.window) >= r.perMinute {
		return RateLimitExceeded, "rate limit exceeded", false
	}
	r.window = append(r.window, now)
	r.inFlight++
	return 0, "", true
}

func (r *RateLimiter) End() {
	r.mu.Lock()
	if r.inFlight > 0 {
		r.inFlight--
	}
	r.mu.Unlock()
}

// Stats returns the requests in the current window and those in flight.
func (r *RateLimiter) Stats() (window, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return len(r.window), r.inFlight
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.window) && !r.window[i].After(cutoff) {
		i++
	}
	r.window = r.window[i:]
}
