package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/testutil"
)

func TestGlobalBudget_SpendsAndResets(t *testing.T) {
	clock := testutil.NewClock(time.Now())
	g := NewGlobalBudget(3, time.Minute).WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		ok, _ := g.Spend()
		require.True(t, ok, "spend %d", i)
	}

	ok, resetAt := g.Spend()
	assert.False(t, ok)
	assert.Equal(t, clock.Now().Add(time.Minute), resetAt)
	assert.Zero(t, g.Remaining())

	// The window rolls over and the allowance returns.
	clock.Advance(61 * time.Second)
	ok, _ = g.Spend()
	assert.True(t, ok)
	assert.Equal(t, 2, g.Remaining())
}

func TestGlobalBudget_ZeroLimitDisables(t *testing.T) {
	g := NewGlobalBudget(0, time.Minute)

	for i := 0; i < 100; i++ {
		ok, _ := g.Spend()
		require.True(t, ok)
	}
}
