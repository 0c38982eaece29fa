// Package ratelimit enforces the per-user usage policy: a fixed daily
// quota of accepted turns plus a minimum spacing (cooldown) between two
// consecutive accepted turns.
//
// Evaluation order is fixed: cooldown before quota. A user inside the
// cooldown window is told to wait even when also out of quota.
package ratelimit

import (
	"sync"
	"time"
)

type Config struct {
	// Quota is the maximum number of accepted turns per window.
	Quota int

	// Window is the fixed quota window. Reset is lazy: it is observed
	// at the next check, not on a timer.
	Window time.Duration

	// Cooldown is the minimum spacing between two accepted turns.
	Cooldown time.Duration

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

const (
	DefaultQuota    = 15
	DefaultWindow   = 24 * time.Hour
	DefaultCooldown = 45 * time.Second
)

// Reason says which policy denied a check.
type Reason string

const (
	ReasonCooldown Reason = "cooldown"
	ReasonQuota    Reason = "quota"
)

// Decision is the outcome of one check. RetryAfter is how long the
// user must wait before a turn can be accepted.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

type userState struct {
	windowStart time.Time
	count       int
	lastTurnAt  time.Time
	lastSeen    time.Time
}

// Limiter tracks per-user turn accounting. All state is in memory;
// a process restart drops counters by design.
type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*userState
}

func New(cfg Config) *Limiter {
	if cfg.Quota <= 0 {
		cfg.Quota = DefaultQuota
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = cfg.Window + cfg.Cooldown
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*userState),
	}
}

// Check evaluates cooldown then quota for one user. It never counts a
// turn; the only state it mutates is the lazy window reset.
func (l *Limiter) Check(user string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.getOrCreateLocked(user, now)
	st.lastSeen = now
	l.resetWindowLocked(st, now)

	// Cooldown is evaluated first: a user inside the spacing window is
	// told to wait, not told they are out of quota.
	if l.cfg.Cooldown > 0 && !st.lastTurnAt.IsZero() {
		elapsed := now.Sub(st.lastTurnAt)
		if elapsed < l.cfg.Cooldown {
			return Decision{
				Allowed:    false,
				Reason:     ReasonCooldown,
				RetryAfter: l.cfg.Cooldown - elapsed,
			}
		}
	}

	if st.count >= l.cfg.Quota {
		return Decision{
			Allowed:    false,
			Reason:     ReasonQuota,
			RetryAfter: st.windowStart.Add(l.cfg.Window).Sub(now),
		}
	}

	return Decision{Allowed: true}
}

// Consume records one accepted turn. Callers invoke it only after
// committing to process the turn.
func (l *Limiter) Consume(user string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.getOrCreateLocked(user, now)
	st.lastSeen = now
	l.resetWindowLocked(st, now)

	if st.count == 0 {
		st.windowStart = now
	}
	st.count++
	st.lastTurnAt = now
}

// Reset clears the user's counters, as a fresh conversation start does.
func (l *Limiter) Reset(user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, user)
}

func (l *Limiter) resetWindowLocked(st *userState, now time.Time) {
	if st.windowStart.IsZero() {
		return
	}
	if now.Sub(st.windowStart) >= l.cfg.Window {
		st.windowStart = now
		st.count = 0
	}
}

func (l *Limiter) getOrCreateLocked(user string, now time.Time) *userState {
	if user == "" {
		user = "anonymous"
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory
		// over perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	if st, ok := l.m[user]; ok {
		return st
	}
	st := &userState{lastSeen: now}
	l.m[user] = st
	return st
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, st := range l.m {
		if now.Sub(st.lastSeen) > l.cfg.EntryTTL {
			delete(l.m, k)
		}
	}
}
