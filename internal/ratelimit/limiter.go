// ABOUTME: Process-wide multi-window token bucket limiter keyed by caller
// ABOUTME: A request takes one token from every window or from none of them

package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Window is one refill period with a cap. A Limit of zero or less means uncapped.
type Window struct {
	Name   string
	Limit  int
	Period time.Duration
}

// Hourly returns a window refilling limit tokens per hour.
func Hourly(limit int) Window {
	return Window{Name: "hour", Limit: limit, Period: time.Hour}
}

// Daily returns a window refilling limit tokens per day.
func Daily(limit int) Window {
	return Window{Name: "day", Limit: limit, Period: 24 * time.Hour}
}

// Unlimited is reported as the remaining count for uncapped windows.
const Unlimited = -1

// Result is the outcome of one Allow call.
type Result struct {
	Allowed bool
	// Remaining maps window name to whole tokens left after the call.
	Remaining map[string]int
}

// RemainingFor returns the remaining count for a window, or Unlimited.
func (r Result) RemainingFor(name string) int {
	if v, ok := r.Remaining[name]; ok {
		return v
	}
	return Unlimited
}

// Limiter holds one token bucket per (key, window).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow takes one token from each capped window for key. If any window
// has less than one token, nothing is consumed and Allowed is false.
func (l *Limiter) Allow(key string, windows ...Window) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	res := Result{Allowed: true, Remaining: make(map[string]int, len(windows))}

	var taken []*rate.Reservation
	for _, w := range windows {
		if w.Limit <= 0 {
			continue
		}
		r := l.bucket(key, w).ReserveN(now, 1)
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			res.Allowed = false
			break
		}
		taken = append(taken, r)
	}

	if !res.Allowed {
		for _, r := range taken {
			r.CancelAt(now)
		}
	}

	l.fillRemaining(key, windows, now, res.Remaining)
	return res
}

// Remaining reports tokens left in each capped window without consuming.
func (l *Limiter) Remaining(key string, windows ...Window) map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int, len(windows))
	l.fillRemaining(key, windows, l.now(), out)
	return out
}

// Prune drops buckets that have refilled completely, since a fresh bucket
// is equivalent. Returns how many were removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, b := range l.buckets {
		if b.TokensAt(now) >= float64(b.Burst()) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) fillRemaining(key string, windows []Window, now time.Time, out map[string]int) {
	for _, w := range windows {
		if w.Limit <= 0 {
			continue
		}
		tokens := l.bucket(key, w).TokensAt(now)
		if tokens < 0 {
			tokens = 0
		}
		out[w.Name] = int(math.Floor(tokens))
	}
}

// bucket returns the limiter for (key, window), creating a full one on first use.
// The cap is part of the bucket key so a changed cap starts a fresh bucket.
func (l *Limiter) bucket(key string, w Window) *rate.Limiter {
	id := fmt.Sprintf("%s|%s|%d|%d", key, w.Name, w.Limit, w.Period)
	b, ok := l.buckets[id]
	if !ok {
		perSecond := float64(w.Limit) / w.Period.Seconds()
		b = rate.NewLimiter(rate.Limit(perSecond), w.Limit)
		l.buckets[id] = b
	}
	return b
}
