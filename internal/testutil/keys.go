package testutil

import (
	"fmt"
	"sync"
)

// FixedKeys mints predictable sequential idempotency keys.
//
// The same scenario run twice produces byte-identical keys, which makes
// golden comparisons and dedupe assertions exact.
//
// Implements idempotency.KeyGenerator. Thread-safe.
type FixedKeys struct {
	mu     sync.Mutex
	prefix string
	seq    int
}

// NewFixedKeys creates a generator producing "<prefix>-0001", "<prefix>-0002", ...
// An empty prefix defaults to "test-key".
func NewFixedKeys(prefix string) *FixedKeys {
	if prefix == "" {
		prefix = "test-key"
	}
	return &FixedKeys{prefix: prefix}
}

// Generate returns the next sequential key.
func (g *FixedKeys) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s-%04d", g.prefix, g.seq)
}
