package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
)

func TestBackoff_ExponentialWithJitterBounds(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Minute)
	b.Seed(1)

	tests := []struct {
		attempt int
		expBase time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},  // hits the cap
		{20, 5 * time.Minute}, // stays on the cap
	}
	for _, tt := range tests {
		d := b.Delay(tt.attempt, 0)
		assert.GreaterOrEqual(t, d, tt.expBase, "attempt %d", tt.attempt)
		assert.Less(t, d, tt.expBase+time.Second, "attempt %d: jitter is bounded by base", tt.attempt)
	}
}

func TestBackoff_RetryAfterOverridesExponential(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Minute)
	b.Seed(1)

	// Even at a high attempt count, Retry-After wins.
	d := b.Delay(10, 7*time.Second)
	assert.GreaterOrEqual(t, d, 7*time.Second)
	assert.Less(t, d, 8*time.Second, "server hint still gets jitter")
}

func TestBackoff_DeterministicWithSeed(t *testing.T) {
	a := NewBackoff(time.Second, time.Minute)
	a.Seed(42)
	b := NewBackoff(time.Second, time.Minute)
	b.Seed(42)

	for attempt := 0; attempt < 6; attempt++ {
		assert.Equal(t, a.Delay(attempt, 0), b.Delay(attempt, 0))
	}
}

func TestBackoff_HugeAttemptDoesNotOverflow(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Minute)
	b.Seed(1)

	d := b.Delay(400, 0)
	assert.GreaterOrEqual(t, d, 5*time.Minute)
	assert.Less(t, d, 5*time.Minute+time.Second)
}

func TestBudgets_PerKind(t *testing.T) {
	b := DefaultBudgets()

	assert.Equal(t, 8, b.MaxAttempts(intent.KindCreate))
	assert.Equal(t, 5, b.MaxAttempts(intent.KindDelete))
	assert.Equal(t, 6, b.MaxAttempts(intent.OperationKind("unknown")))

	assert.False(t, b.Exhausted(intent.KindDelete, 4))
	assert.True(t, b.Exhausted(intent.KindDelete, 5))
}
