package provider

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a minimum interval between remote requests. Every remote
// call (listing, metadata, download) passes through one shared limiter so
// the library API sees at most one request per interval regardless of how
// many download workers are running.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	clk      func() time.Time
}

// NewLimiter creates a limiter with the given minimum inter-request
// interval. A zero or negative interval disables pacing.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{interval: interval, clk: time.Now}
}

// Wait blocks until the interval since the previous request has elapsed or
// ctx is cancelled. The caller's slot is reserved before sleeping, so
// concurrent waiters serialize instead of stampeding.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.interval <= 0 {
		return ctx.Err()
	}

	l.mu.Lock()
	now := l.clk()
	next := l.last.Add(l.interval)
	if next.Before(now) {
		next = now
	}
	l.last = next
	l.mu.Unlock()

	wait := next.Sub(now)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
