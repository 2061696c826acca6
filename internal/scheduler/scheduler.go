// Package scheduler decides when a failed mutation becomes eligible again.
//
// It owns the backoff formula, per-operation retry budgets, and the global
// per-process retry budget that stops many small mutations from
// collectively producing a retry storm. It performs no I/O and holds no
// timers itself; the engine loop reads eligibility times from it and
// sleeps accordingly.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
)

// Backoff computes retry eligibility times:
//
//	next_eligible_at = now + min(cap, base * 2^attempt) + jitter
//
// with jitter drawn uniformly from [0, base). A server-specified
// Retry-After overrides the exponential term but still gets jitter, so a
// fleet of clients does not reconverge on the same instant.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	// rand guards the jitter source; math/rand is not goroutine-safe.
	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a backoff calculator. Zero values fall back to
// 1s base / 5m cap.
func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	return &Backoff{
		Base: base,
		Cap:  cap,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed replaces the jitter source (for deterministic tests).
func (b *Backoff) Seed(seed int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rng = rand.New(rand.NewSource(seed))
}

// Delay returns the backoff delay for the given attempt count (the number
// of attempts already made). retryAfter, when positive, replaces the
// exponential term.
func (b *Backoff) Delay(attempt int, retryAfter time.Duration) time.Duration {
	d := retryAfter
	if d <= 0 {
		d = b.Base
		// Shift with overflow guard; attempts beyond the cap's reach all
		// land on the cap anyway.
		for i := 0; i < attempt && d < b.Cap; i++ {
			d *= 2
		}
		if d > b.Cap {
			d = b.Cap
		}
	}
	return d + b.jitter()
}

// NextEligible returns now + Delay.
func (b *Backoff) NextEligible(now time.Time, attempt int, retryAfter time.Duration) time.Time {
	return now.Add(b.Delay(attempt, retryAfter))
}

func (b *Backoff) jitter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.rng.Int63n(int64(b.Base)))
}

// Budgets holds per-operation retry budgets. A mutation whose attempt
// count exceeds its kind's budget transitions to failed_terminal rather
// than retrying forever.
type Budgets struct {
	// PerKind maps operation kind to maximum attempts.
	PerKind map[intent.OperationKind]int

	// Default applies to kinds absent from PerKind.
	Default int
}

// DefaultBudgets returns the stock retry budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		PerKind: map[intent.OperationKind]int{
			intent.KindCreate: 8,
			intent.KindUpdate: 8,
			intent.KindDelete: 5,
		},
		Default: 6,
	}
}

// MaxAttempts returns the budget for a kind.
func (b Budgets) MaxAttempts(kind intent.OperationKind) int {
	if n, ok := b.PerKind[kind]; ok {
		return n
	}
	return b.Default
}

// Exhausted reports whether attemptCount has spent the kind's budget.
func (b Budgets) Exhausted(kind intent.OperationKind, attemptCount int) bool {
	return attemptCount >= b.MaxAttempts(kind)
}
