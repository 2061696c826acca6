package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_NeverMovesOnItsOwn(t *testing.T) {
	start := time.Date(2026, 2, 11, 8, 0, 0, 0, time.UTC)
	clock := NewClock(start)

	assert.Equal(t, start, clock.Now())
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, start, clock.Now())
}

func TestClock_AdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 2, 11, 8, 0, 0, 0, time.UTC)
	clock := NewClock(start)

	got := clock.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), got)
	assert.Equal(t, got, clock.Now())

	pinned := start.Add(time.Hour)
	clock.Set(pinned)
	assert.Equal(t, pinned, clock.Now())
}

func TestClock_PinsUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	clock := NewClock(time.Date(2026, 2, 11, 3, 0, 0, 0, loc))
	assert.Equal(t, time.UTC, clock.Now().Location())
}

func TestFixedKeys_Sequential(t *testing.T) {
	keys := NewFixedKeys("k")
	assert.Equal(t, "k-0001", keys.Generate())
	assert.Equal(t, "k-0002", keys.Generate())
	assert.Equal(t, "k-0003", keys.Generate())
}

func TestFixedKeys_DefaultPrefix(t *testing.T) {
	keys := NewFixedKeys("")
	assert.Equal(t, "test-key-0001", keys.Generate())
}

func TestFixedKeys_ThreadSafe(t *testing.T) {
	keys := NewFixedKeys("k")
	const goroutines = 50
	const perGoroutine = 20

	var wg sync.WaitGroup
	wg.Add(goroutines)
	results := make([][]string, goroutines)
	for i := 0; i < goroutines; i++ {
		results[i] = make([]string, perGoroutine)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				results[idx][j] = keys.Generate()
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := range results {
		for _, k := range results[i] {
			require.False(t, seen[k], "duplicate key %s", k)
			seen[k] = true
		}
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestTokens_RefreshSequence(t *testing.T) {
	ctx := context.Background()
	tokens := NewTokens("stale", "fresh")

	tok, err := tokens.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stale", tok)

	require.NoError(t, tokens.Refresh(ctx))
	tok, _ = tokens.Token(ctx)
	assert.Equal(t, "fresh", tok)

	// Exhausted sequences stick on the last credential.
	require.NoError(t, tokens.Refresh(ctx))
	tok, _ = tokens.Token(ctx)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, 2, tokens.Refreshes())
}

func TestTokens_Default(t *testing.T) {
	tokens := NewTokens()
	tok, err := tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-token", tok)
}
