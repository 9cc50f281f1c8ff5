package middleware

import (
	"sync"
	"time"
)

const (
	authMaxFailures    = 5
	authWindowDuration = time.Minute
	authCleanupPeriod  = 5 * time.Minute
)

type authFailures struct {
	count       int
	windowStart time.Time
}

// failureLimiter locks an address out after repeated bad tokens. bcrypt
// checks are expensive, so locked callers are refused before hashing.
type failureLimiter struct {
	mu          sync.Mutex
	failures    map[string]*authFailures
	lastCleanup time.Time
	now         func() time.Time
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{
		failures:    make(map[string]*authFailures),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func (l *failureLimiter) cleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < authCleanupPeriod {
		return
	}
	l.lastCleanup = now

	for ip, f := range l.failures {
		if now.Sub(f.windowStart) > authWindowDuration {
			delete(l.failures, ip)
		}
	}
}

func (l *failureLimiter) locked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanup(now)

	f, ok := l.failures[ip]
	if !ok {
		return false
	}
	if now.Sub(f.windowStart) > authWindowDuration {
		delete(l.failures, ip)
		return false
	}
	return f.count >= authMaxFailures
}

// fail records a failure and reports whether it triggered the lockout.
func (l *failureLimiter) fail(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	f, ok := l.failures[ip]
	if !ok || now.Sub(f.windowStart) > authWindowDuration {
		f = &authFailures{windowStart: now}
		l.failures[ip] = f
	}
	f.count++
	return f.count == authMaxFailures
}

func (l *failureLimiter) reset(ip string) {
	l.mu.Lock()
	delete(l.failures, ip)
	l.mu.Unlock()
}
