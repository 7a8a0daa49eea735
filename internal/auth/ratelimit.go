package auth

import (
	"sync"
	"time"
)

// LoginLimiter is a fixed-window rate limiter keyed by username. Counting by
// username rather than source address stops distributed guessing against one
// account, which is the attack that matters for a password endpoint.
type LoginLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*loginBucket
	now     func() time.Time
}

type loginBucket struct {
	windowStart time.Time
	count       int
}

// NewLoginLimiter allows limit attempts per window per key.
func NewLoginLimiter(limit int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*loginBucket),
		now:     time.Now,
	}
}

// Allow records an attempt and reports whether it is within the limit. The
// window resets fully once it elapses.
func (l *LoginLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[key] = &loginBucket{windowStart: now, count: 1}
		return true
	}

	b.count++
	return b.count <= l.limit
}

// Reset clears the bucket for a key. Called after a successful login so a
// user who finally typed the right password is not locked out.
func (l *LoginLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Sweep drops buckets whose window has long elapsed. Run periodically to keep
// the map from accumulating one entry per username ever attempted.
func (l *LoginLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-2 * l.window)
	for k, b := range l.buckets {
		if b.windowStart.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}
