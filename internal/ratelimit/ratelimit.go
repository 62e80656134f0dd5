// Package ratelimit throttles requests per caller with one token bucket
// (golang.org/x/time/rate) per identity. Idle buckets are dropped lazily.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is matched by every error Allow returns.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitedError reports how long the caller should wait.
type LimitedError struct {
	Caller     string
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry in %s", e.Caller, e.RetryAfter.Round(time.Millisecond))
}

func (e *LimitedError) Unwrap() error { return ErrRateLimited }

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int           // 0 = unlimited.
	BurstSize         int           // Default: RequestsPerMinute.
	IdleTTL           time.Duration // Buckets unused this long are dropped. Default: 10m.
}

func (c Config) burst() int {
	switch {
	case c.BurstSize > 0:
		return c.BurstSize
	case c.RequestsPerMinute > 0:
		return c.RequestsPerMinute
	default:
		return 1
	}
}

func (c Config) idleTTL() time.Duration {
	if c.IdleTTL > 0 {
		return c.IdleTTL
	}
	return 10 * time.Minute
}

type callerBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one bucket per caller. Safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	callers   map[string]*callerBucket
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastPrune time.Time
	now       func() time.Time
}

// NewLimiter creates a Limiter. A zero RequestsPerMinute disables limiting.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		callers: make(map[string]*callerBucket),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   cfg.burst(),
		idle:    cfg.idleTTL(),
		now:     time.Now,
	}
}

// Allow consumes one token from the caller's bucket, or returns a
// *LimitedError when the bucket is empty. Rejected calls consume nothing.
func (l *Limiter) Allow(caller string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	b, ok := l.callers[caller]
	if !ok {
		b = &callerBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.callers[caller] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return &LimitedError{Caller: caller, RetryAfter: l.idle}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &LimitedError{Caller: caller, RetryAfter: delay}
	}
	return nil
}

// Callers returns the number of tracked buckets.
func (l *Limiter) Callers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

func (l *Limiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.idle {
		return
	}
	l.lastPrune = now
	for caller, b := range l.callers {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.callers, caller)
		}
	}
}
