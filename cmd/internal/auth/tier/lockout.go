package tier

import (
	"sync"
	"time"
)

type lockEntry struct {
	mu          sync.Mutex
	failures    int
	inFlight    int
	lastFailure time.Time
	lockedUntil time.Time
}

// lockout tracks consecutive password failures per principal. Each principal
// has its own entry lock; the map itself is a sync.Map. An attempt reserves a
// slot before verification and the slot counts as a failure until it is
// returned, so concurrent guesses never overshoot a threshold.
type lockout struct {
	cfg     Config
	now     func() time.Time
	entries sync.Map // principal -> *lockEntry
}

func newLockout(cfg Config, now func() time.Time) *lockout {
	return &lockout{cfg: cfg, now: now}
}

func (l *lockout) entry(principal string) *lockEntry {
	if e, ok := l.entries.Load(principal); ok {
		return e.(*lockEntry)
	}
	e, _ := l.entries.LoadOrStore(principal, &lockEntry{})
	return e.(*lockEntry)
}

// lockedLocked returns the remaining lock time and clears a quiet streak.
// le.mu must be held.
func (l *lockout) lockedLocked(le *lockEntry, now time.Time) time.Duration {
	if now.Before(le.lockedUntil) {
		return le.lockedUntil.Sub(now)
	}
	if le.failures > 0 && now.Sub(le.lastFailure) >= l.cfg.LockoutWindow {
		le.failures = 0
	}
	return 0
}

// locked returns the remaining lock time, or 0.
func (l *lockout) locked(principal string) time.Duration {
	e, ok := l.entries.Load(principal)
	if !ok {
		return 0
	}
	le := e.(*lockEntry)
	le.mu.Lock()
	defer le.mu.Unlock()
	return l.lockedLocked(le, l.now())
}

// acquire reserves a verification slot. It reports false with the remaining
// lock when one is in force, and false with 0 when the attempts already in
// flight would trigger a lock if they all failed.
func (l *lockout) acquire(principal string) (time.Duration, bool) {
	le := l.entry(principal)
	le.mu.Lock()
	defer le.mu.Unlock()

	if d := l.lockedLocked(le, l.now()); d > 0 {
		return d, false
	}
	if le.inFlight > 0 && l.durationFor(le.failures+le.inFlight) > 0 {
		return 0, false
	}
	le.inFlight++
	return 0, true
}

// release returns a slot without a verdict.
func (l *lockout) release(principal string) {
	le := l.entry(principal)
	le.mu.Lock()
	if le.inFlight > 0 {
		le.inFlight--
	}
	le.mu.Unlock()
}

// succeed returns a slot and clears the streak.
func (l *lockout) succeed(principal string) {
	le := l.entry(principal)
	le.mu.Lock()
	if le.inFlight > 0 {
		le.inFlight--
	}
	le.failures = 0
	le.lockedUntil = time.Time{}
	le.mu.Unlock()
}

// fail returns a slot, records a failure and returns the lock it triggered,
// or 0.
func (l *lockout) fail(principal string) time.Duration {
	le := l.entry(principal)
	now := l.now()

	le.mu.Lock()
	defer le.mu.Unlock()
	if le.inFlight > 0 {
		le.inFlight--
	}
	if le.failures > 0 && now.Sub(le.lastFailure) >= l.cfg.LockoutWindow && !now.Before(le.lockedUntil) {
		le.failures = 0
	}
	le.failures++
	le.lastFailure = now

	d := l.durationFor(le.failures)
	if d > 0 {
		le.lockedUntil = now.Add(d)
	}
	return d
}

// durationFor applies the progressive thresholds: once a streak reaches a
// threshold every further failure re-locks for that threshold's duration.
func (l *lockout) durationFor(failures int) time.Duration {
	c := l.cfg
	switch {
	case c.LockoutSevereThreshold > 0 && failures >= c.LockoutSevereThreshold:
		return c.LockoutSevereDuration
	case c.LockoutLongThreshold > 0 && failures >= c.LockoutLongThreshold:
		return c.LockoutLongDuration
	case failures >= c.LockoutShortThreshold:
		return c.LockoutShortDuration
	default:
		return 0
	}
}

// prune forgets principals with no lock in force and a stale streak.
func (l *lockout) prune() int {
	now := l.now()
	n := 0
	l.entries.Range(func(k, v any) bool {
		le := v.(*lockEntry)
		le.mu.Lock()
		stale := le.inFlight == 0 && !now.Before(le.lockedUntil) && now.Sub(le.lastFailure) >= l.cfg.LockoutWindow
		le.mu.Unlock()
		if stale {
			l.entries.Delete(k)
			n++
		}
		return true
	})
	return n
}
