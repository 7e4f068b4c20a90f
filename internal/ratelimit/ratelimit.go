package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"auxite/internal/config"
	"auxite/internal/metrics"
)

// Category is an action class with its own request window.
type Category string

const (
	Withdraw Category = "withdraw"
	Trade    Category = "trade"
	General  Category = "general"
)

// Limit is the maximum number of requests allowed per window.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultLimits mirrors the backend's published limits.
var DefaultLimits = map[Category]Limit{
	Withdraw: {MaxRequests: 3, Window: 5 * time.Minute},
	Trade:    {MaxRequests: 30, Window: time.Minute},
	General:  {MaxRequests: 60, Window: time.Minute},
}

// LimitsFromConfig converts the configured table, falling back to defaults per category.
func LimitsFromConfig(cfg map[string]config.RateLimitConfig) map[Category]Limit {
	limits := make(map[Category]Limit, len(DefaultLimits))
	for c, l := range DefaultLimits {
		limits[c] = l
	}
	for name, rl := range cfg {
		limits[Category(name)] = Limit{MaxRequests: rl.MaxRequests, Window: rl.Window}
	}
	return limits
}

// Window tracks the request count of one category in its current window.
type Window struct {
	Count       int
	WindowStart time.Time
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RejectedError reports a local rejection. RetryAfter is whole seconds.
type RejectedError struct {
	Category   Category
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Category, e.RetryAfter)
}

// Limiter is a fixed-window request counter per category. It is advisory: the backend
// enforces its own limits.
type Limiter struct {
	mu      sync.Mutex
	limits  map[Category]Limit
	windows map[Category]*Window
	now     func() time.Time
	metrics *metrics.Metrics
}

// New creates a Limiter. Categories without a limit fall back to General.
func New(limits map[Category]Limit, m *metrics.Metrics) *Limiter {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Limiter{
		limits:  limits,
		windows: make(map[Category]*Window),
		now:     time.Now,
		metrics: m,
	}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) limitFor(c Category) Limit {
	if lim, ok := l.limits[c]; ok {
		return lim
	}
	if lim, ok := l.limits[General]; ok {
		return lim
	}
	return DefaultLimits[General]
}

// Check counts one request against the category's window.
func (l *Limiter) Check(c Category) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	lim := l.limitFor(c)

	w, exists := l.windows[c]
	if !exists || now.Sub(w.WindowStart) >= lim.Window {
		l.windows[c] = &Window{Count: 1, WindowStart: now}
		return Decision{Allowed: true}
	}

	if w.Count < lim.MaxRequests {
		w.Count++
		return Decision{Allowed: true}
	}

	l.metrics.RateLimited(string(c))
	return Decision{Allowed: false, RetryAfter: retryAfter(lim.Window - now.Sub(w.WindowStart))}
}

// Allow is Check returning a *RejectedError on rejection.
func (l *Limiter) Allow(c Category) error {
	d := l.Check(c)
	if d.Allowed {
		return nil
	}
	return &RejectedError{Category: c, RetryAfter: d.RetryAfter}
}

// Snapshot returns a copy of the category's current window.
func (l *Limiter) Snapshot(c Category) (Window, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[c]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Reset drops every window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[Category]*Window)
}

// retryAfter rounds the remaining window up to whole seconds.
func retryAfter(remaining time.Duration) time.Duration {
	secs := (remaining + time.Second - 1) / time.Second
	return secs * time.Second
}
