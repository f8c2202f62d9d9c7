package introspect

import (
	"fmt"
	"sync"
	"time"

	"aegis/cmd/identity"

	"golang.org/x/time/rate"
)

// RateLimitError is returned when a requester exceeds its allowance.
type RateLimitError struct {
	Requester  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("introspect: %v: requester %q, retry after %s", identity.ErrRateLimited, e.Requester, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return identity.ErrRateLimited }

// window is a sliding-window counter for one requester.
type window struct {
	events []time.Time
	limit  int
	span   time.Duration
}

// allow reports whether an event at now fits, and when the oldest event
// leaves the window otherwise.
func (w *window) allow(now time.Time) (bool, time.Duration) {
	cut := now.Add(-w.span)
	dst := w.events[:0]
	for _, t := range w.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	w.events = dst

	if len(w.events) >= w.limit {
		return false, w.events[0].Sub(cut)
	}
	w.events = append(w.events, now)
	return true, 0
}

type requesterLimit struct {
	mu       sync.Mutex
	win      window
	bucket   *rate.Limiter
	lastSeen time.Time
}

// limiter combines a sliding window with a token bucket per requester.
type limiter struct {
	cfg Config
	now func() time.Time

	mu  sync.Mutex
	per map[string]*requesterLimit
}

func newLimiter(cfg Config, now func() time.Time) *limiter {
	return &limiter{cfg: cfg, now: now, per: make(map[string]*requesterLimit)}
}

func (l *limiter) get(requester string) *requesterLimit {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.per[requester]
	if !ok {
		r = &requesterLimit{
			win:    window{events: make([]time.Time, 0, l.cfg.WindowLimit+8), limit: l.cfg.WindowLimit, span: l.cfg.Window},
			bucket: rate.NewLimiter(rate.Limit(l.cfg.BurstRate), l.cfg.Burst),
		}
		l.per[requester] = r
	}
	return r
}

// allow consumes one call for requester or returns a *RateLimitError.
func (l *limiter) allow(requester string) error {
	r := l.get(requester)
	now := l.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen = now

	if !r.bucket.AllowN(now, 1) {
		retry := time.Duration(float64(time.Second) / l.cfg.BurstRate)
		return &RateLimitError{Requester: requester, RetryAfter: retry}
	}
	if ok, retry := r.win.allow(now); !ok {
		return &RateLimitError{Requester: requester, RetryAfter: retry}
	}
	return nil
}

// prune forgets requesters idle for longer than the window.
func (l *limiter) prune() int {
	cut := l.now().Add(-l.cfg.Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, r := range l.per {
		r.mu.Lock()
		idle := r.lastSeen.Before(cut)
		r.mu.Unlock()
		if idle {
			delete(l.per, id)
			n++
		}
	}
	return n
}
