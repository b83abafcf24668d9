package testutil

import (
	"fmt"
	"sync"
)

// TokenSequence hands out lease tokens "<prefix>-0001", "<prefix>-0002", ...
//
// The queue mints ULID lease tokens by default; a sequence makes leases
// predictable so tests can assert on them and golden files stay stable.
//
// Thread-safety: TokenSequence is safe for concurrent use.
type TokenSequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewTokenSequence creates a sequence. An empty prefix means "lease".
func NewTokenSequence(prefix string) *TokenSequence {
	if prefix == "" {
		prefix = "lease"
	}
	return &TokenSequence{prefix: prefix}
}

// Next returns the next token. It matches queue.WithTokenSource.
func (s *TokenSequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%04d", s.prefix, s.n)
}

// Reset restarts the sequence at 1.
func (s *TokenSequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
}
