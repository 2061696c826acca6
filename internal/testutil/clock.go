// Package testutil provides deterministic substitutes for the engine's
// nondeterministic collaborators: the wall clock, the idempotency key
// generator, and the sync backend.
package testutil

import (
	"sync"
	"time"
)

// Clock is a thread-safe manually advanced wall clock for tests.
//
// Unlike time.Now, the reading never moves on its own; tests advance it
// explicitly so backoff deadlines and TTL expiry are exact.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock pinned to the given instant.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the current reading. Pass c.Now as the clock function.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set pins the clock to a specific instant.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
