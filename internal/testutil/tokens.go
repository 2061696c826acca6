package testutil

import (
	"context"
	"sync"
)

// Tokens is a TokenSource fake. Refresh swaps to the next token in the
// provided sequence and stays on the last one when exhausted.
type Tokens struct {
	mu        sync.Mutex
	sequence  []string
	idx       int
	refreshes int
}

// NewTokens creates a source that starts on sequence[0].
func NewTokens(sequence ...string) *Tokens {
	if len(sequence) == 0 {
		sequence = []string{"test-token"}
	}
	return &Tokens{sequence: sequence}
}

// Token returns the current credential.
func (t *Tokens) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sequence[t.idx], nil
}

// Refresh advances to the next credential.
func (t *Tokens) Refresh(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshes++
	if t.idx < len(t.sequence)-1 {
		t.idx++
	}
	return nil
}

// Refreshes reports how many times Refresh was called.
func (t *Tokens) Refreshes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshes
}
