package ratelimit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultWindow is the fixed accounting window for client requests.
	DefaultWindow = time.Minute

	defaultTTL = 10 * time.Minute
	defaultCap = 16384
)

// Limiter bounds requests per client across fixed windows while preventing
// unbounded memory growth. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]rateWindow

	limit  int
	window time.Duration
	ttl    time.Duration
	cap    int
	nowFn  func() time.Time
}

type rateWindow struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// Option configures a Limiter instance.
type Option func(*Limiter)

// WithWindow overrides the fixed accounting window.
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.nowFn = clock
		}
	}
}

// WithIdleTTL bounds how long an idle client window stays resident.
func WithIdleTTL(ttl time.Duration) Option {
	return func(l *Limiter) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithCapacity bounds the number of tracked clients.
func WithCapacity(capacity int) Option {
	return func(l *Limiter) {
		if capacity > 0 {
			l.cap = capacity
		}
	}
}

// NewLimiter constructs a fixed-window limiter allowing maxPerWindow requests
// per client per window.
func NewLimiter(maxPerWindow int, opts ...Option) (*Limiter, error) {
	if maxPerWindow <= 0 {
		return nil, fmt.Errorf("ratelimit: max requests per window must be positive")
	}
	l := &Limiter{
		windows: make(map[string]rateWindow),
		limit:   maxPerWindow,
		window:  DefaultWindow,
		ttl:     defaultTTL,
		cap:     defaultCap,
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow reports whether the client may proceed. The first request of a window
// seeds the counter at one; once the counter reaches the limit further
// requests are denied without consuming capacity. A window resets only when
// strictly more than the window duration has elapsed since it started.
func (l *Limiter) Allow(clientID string) bool {
	id := strings.TrimSpace(clientID)
	if id == "" {
		return false
	}
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	state := l.windows[id]
	if state.windowStart.IsZero() {
		state.windowStart = now
	}
	if now.Sub(state.windowStart) > l.window {
		state.windowStart = now
		state.count = 0
	}
	// Denials leave the stored window untouched: no counter, window, or
	// lastSeen update. A throttled client cannot keep itself resident.
	if state.count >= l.limit {
		return false
	}
	state.count++
	state.lastSeen = now
	l.windows[id] = state

	if l.cap > 0 && len(l.windows) > l.cap {
		l.enforceCapLocked()
	}

	return true
}

// ResetAt returns the earliest instant at which the client's current window
// can roll over. Callers use it to populate retry hints.
func (l *Limiter) ResetAt(clientID string) time.Time {
	id := strings.TrimSpace(clientID)
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.windows[id]
	if !ok || state.windowStart.IsZero() {
		return now
	}
	return state.windowStart.Add(l.window)
}

// Len returns the number of tracked clients. Primarily for testing.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) pruneLocked(now time.Time) {
	if l.ttl > 0 {
		for id, state := range l.windows {
			if now.Sub(state.lastSeen) > l.ttl {
				delete(l.windows, id)
			}
		}
	}
	if l.cap > 0 && len(l.windows) > l.cap {
		l.enforceCapLocked()
	}
}

func (l *Limiter) enforceCapLocked() {
	if l.cap <= 0 || len(l.windows) <= l.cap {
		return
	}
	type entry struct {
		id       string
		lastSeen time.Time
	}
	entries := make([]entry, 0, len(l.windows))
	for id, state := range l.windows {
		entries = append(entries, entry{id: id, lastSeen: state.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastSeen.Before(entries[j].lastSeen)
	})
	excess := len(l.windows) - l.cap
	for i := 0; i < excess && i < len(entries); i++ {
		delete(l.windows, entries[i].id)
	}
}
