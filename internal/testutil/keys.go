package testutil

import (
	"fmt"
	"sync"
)

// SequentialKeyGenerator generates "<prefix>-0001", "<prefix>-0002", ...
//
// It stands in for engine.UUIDv7Generator where a scenario needs
// byte-identical results across runs.
//
// Thread-safety: safe for concurrent use.
type SequentialKeyGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialKeyGenerator creates a generator. An empty prefix
// defaults to "test-key".
func NewSequentialKeyGenerator(prefix string) *SequentialKeyGenerator {
	if prefix == "" {
		prefix = "test-key"
	}
	return &SequentialKeyGenerator{prefix: prefix}
}

// Generate returns the next key.
//
// Implements engine.KeyGenerator interface.
func (g *SequentialKeyGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
