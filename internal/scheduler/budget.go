package scheduler

import (
	"sync"
	"time"
)

// GlobalBudget is the process-wide retry budget: a sliding-window counter
// independent of per-mutation budgets. When the window's allowance is
// spent, new retries are deferred until the window resets, regardless of
// individual mutation eligibility.
//
// Auth-expiry replays bypass the budget entirely; auth expiry is not a
// connectivity failure.
//
// Thread-safety: all methods are safe for concurrent use.
type GlobalBudget struct {
	mu sync.Mutex

	limit  int
	window time.Duration
	clock  func() time.Time

	windowStart time.Time
	spent       int
}

// NewGlobalBudget creates a budget of limit retries per window.
// A limit <= 0 disables the budget (Spend always succeeds).
func NewGlobalBudget(limit int, window time.Duration) *GlobalBudget {
	if window <= 0 {
		window = time.Minute
	}
	return &GlobalBudget{
		limit:  limit,
		window: window,
		clock:  time.Now,
	}
}

// WithClock overrides the time source (for testing). Returns the budget
// for chaining.
func (g *GlobalBudget) WithClock(clock func() time.Time) *GlobalBudget {
	g.clock = clock
	return g
}

// Spend consumes one retry from the budget. Returns true if the retry may
// proceed now, or false with the time the current window resets.
func (g *GlobalBudget) Spend() (ok bool, resetAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.limit <= 0 {
		return true, time.Time{}
	}

	now := g.clock()
	g.rollLocked(now)

	if g.spent >= g.limit {
		return false, g.windowStart.Add(g.window)
	}
	g.spent++
	return true, time.Time{}
}

// Remaining returns the retries left in the current window.
func (g *GlobalBudget) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.limit <= 0 {
		return int(^uint(0) >> 1) // effectively unlimited
	}
	g.rollLocked(g.clock())
	return g.limit - g.spent
}

func (g *GlobalBudget) rollLocked(now time.Time) {
	if g.windowStart.IsZero() || now.Sub(g.windowStart) >= g.window {
		g.windowStart = now
		g.spent = 0
	}
}
