// Package ratelimit enforces per-class call budgets and per-IP ingress limits.
//
// Class limits are fixed windows shared by every caller and every replica:
// the window containing now is now.Truncate(window), and the first increment
// that lands in a newer window resets the count.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownClass = errors.New("ratelimit: no limit configured for class")

// Decision is the outcome of one CheckAndIncrement.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter int // whole seconds until the window resets, >= 1 when throttled
}

// Store counts calls per class window. Increment must be atomic: it adds one
// to the count for windowStart, resetting it when the stored window is older,
// and returns the new count.
type Store interface {
	Increment(ctx context.Context, class string, windowStart time.Time, window time.Duration) (int64, error)
}

// Limiter applies per-class limits over a shared Store.
type Limiter struct {
	store  Store
	limits map[string]int
	window time.Duration
	now    func() time.Time
}

// NewLimiter creates a limiter. limits maps class to calls per window.
func NewLimiter(store Store, limits map[string]int, window time.Duration) *Limiter {
	cp := make(map[string]int, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	return &Limiter{store: store, limits: cp, window: window, now: time.Now}
}

// CheckAndIncrement counts one call against class and reports whether it is
// within the limit. Throttled calls still count.
func (l *Limiter) CheckAndIncrement(ctx context.Context, class string) (Decision, error) {
	limit, ok := l.limits[class]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}

	now := l.now().UTC()
	start := now.Truncate(l.window)
	count, err := l.store.Increment(ctx, class, start, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: increment %s: %w", class, err)
	}

	d := Decision{Allowed: count <= int64(limit), Count: count, Limit: limit}
	if d.Allowed {
		decisionsTotal.WithLabelValues(class, "allowed").Inc()
		return d, nil
	}
	d.RetryAfter = retryAfter(start.Add(l.window).Sub(now))
	decisionsTotal.WithLabelValues(class, "throttled").Inc()
	return d, nil
}

// Limit returns the configured limit for class.
func (l *Limiter) Limit(class string) (int, bool) {
	v, ok := l.limits[class]
	return v, ok
}

func retryAfter(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
