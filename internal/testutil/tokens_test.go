package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSequence_Increments(t *testing.T) {
	seq := NewTokenSequence("tok")

	assert.Equal(t, "tok-0001", seq.Next())
	assert.Equal(t, "tok-0002", seq.Next())

	seq.Reset()
	assert.Equal(t, "tok-0001", seq.Next())
}

func TestTokenSequence_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "lease-0001", NewTokenSequence("").Next())
}

func TestTokenSequence_UniqueUnderConcurrency(t *testing.T) {
	seq := NewTokenSequence("")
	const goroutines = 20
	const perGoroutine = 50

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				tok := seq.Next()
				mu.Lock()
				seen[tok] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, goroutines*perGoroutine)
}
