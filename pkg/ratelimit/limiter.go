package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	errs "scrapepool/pkg/errors"
)

// Config holds the per-identity pacing settings
type Config struct {
	// MaxPerWindow bounds reservations inside the sliding window
	MaxPerWindow int
	// Window is the sliding accounting interval (default one hour)
	Window time.Duration
	// MinDelay and MaxDelay bound the mandatory randomized gap between
	// consecutive reservations. The gap is redrawn on every call: a fixed
	// inter-request delay is a detectable fingerprint.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultConfig returns pacing settings matching the platform collectors
// this pool was built for
func DefaultConfig() Config {
	return Config{
		MaxPerWindow: 100,
		Window:       time.Hour,
		MinDelay:     5 * time.Second,
		MaxDelay:     10 * time.Second,
	}
}

// IdentityLimiter enforces a sliding request window and a randomized
// inter-request delay for a single identity. Reservations are atomic:
// concurrent callers can never together exceed MaxPerWindow.
type IdentityLimiter struct {
	cfg      Config
	events   []time.Time
	lastUsed time.Time
	mu       sync.Mutex
}

// New creates a limiter for one identity
func New(cfg Config) *IdentityLimiter {
	return &IdentityLimiter{
		cfg:    cfg,
		events: make([]time.Time, 0, cfg.MaxPerWindow),
	}
}

// TryReserve attempts a non-blocking reservation. It returns a
// rate-exceeded error when the window is full, or a too-soon error when
// the randomized inter-request gap has not yet elapsed. Rejected attempts
// are never counted against the window.
func (l *IdentityLimiter) TryReserve() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(now)

	if len(l.events) >= l.cfg.MaxPerWindow {
		return errs.New(errs.ErrorTypeRateExceeded, "request window is full")
	}

	if wait := l.requiredWait(now, l.drawGap()); wait > 0 {
		return errs.New(errs.ErrorTypeRateExceeded, "inter-request delay has not elapsed")
	}

	l.reserve(now)
	return nil
}

// CheckAndReserve blocks through the randomized inter-request delay and
// then reserves a window slot. A full window is reported immediately as a
// rate-exceeded error rather than waited out; the scheduler owns that
// cooldown. The wait honors ctx cancellation.
func (l *IdentityLimiter) CheckAndReserve(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)

		if len(l.events) >= l.cfg.MaxPerWindow {
			l.mu.Unlock()
			return errs.New(errs.ErrorTypeRateExceeded, "request window is full")
		}

		wait := l.requiredWait(now, l.drawGap())
		if wait <= 0 {
			l.reserve(now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			// Re-check under the lock; a concurrent reservation may have
			// moved lastUsed while we slept.
		case <-ctx.Done():
			timer.Stop()
			return errs.Wrap(errs.ErrorTypeCancelled, "rate limit wait cancelled", ctx.Err())
		}
	}
}

// CountInWindow returns the number of reservations inside the current window
func (l *IdentityLimiter) CountInWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return len(l.events)
}

// Remaining returns the unreserved quota in the current window
func (l *IdentityLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return l.cfg.MaxPerWindow - len(l.events)
}

// LastUsed returns the time of the most recent reservation
func (l *IdentityLimiter) LastUsed() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUsed
}

// WindowResetAt returns when the oldest reservation leaves the window,
// which is the earliest moment a full window frees a slot. The second
// return is false when the window holds no reservations.
func (l *IdentityLimiter) WindowResetAt() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	if len(l.events) == 0 {
		return time.Time{}, false
	}
	return l.events[0].Add(l.cfg.Window), true
}

// drawGap draws a fresh random inter-request gap in [MinDelay, MaxDelay]
func (l *IdentityLimiter) drawGap() time.Duration {
	if l.cfg.MaxDelay <= l.cfg.MinDelay {
		return l.cfg.MinDelay
	}
	spread := l.cfg.MaxDelay - l.cfg.MinDelay
	return l.cfg.MinDelay + time.Duration(rand.Float64()*float64(spread))
}

// requiredWait computes how much longer the caller must wait before the
// drawn gap since lastUsed has elapsed
func (l *IdentityLimiter) requiredWait(now time.Time, gap time.Duration) time.Duration {
	if l.lastUsed.IsZero() {
		return 0
	}
	return gap - now.Sub(l.lastUsed)
}

// reserve counts an event. Caller must hold the lock and have verified
// the window has room.
func (l *IdentityLimiter) reserve(now time.Time) {
	l.events = append(l.events, now)
	l.lastUsed = now
}

// prune removes events that have slid out of the window. Caller must
// hold the lock.
func (l *IdentityLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)

	i := 0
	for i < len(l.events) && l.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(l.events, l.events[i:])
		l.events = l.events[:len(l.events)-i]
	}
}
