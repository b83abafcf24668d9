package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_StartsAtEpoch(t *testing.T) {
	clock := NewFakeClock()
	assert.Equal(t, Epoch, clock.Now())
}

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	clock := NewFakeClock()

	clock.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), clock.Now())

	// Now does not move on its own
	assert.Equal(t, clock.Now(), clock.Now())

	clock.Set(Epoch)
	assert.Equal(t, Epoch, clock.Now())
}

func TestFakeClock_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	clock := NewFakeClockAt(time.Date(2026, 3, 1, 11, 0, 0, 0, loc))
	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, time.UTC, clock.Now().Location())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	clock := NewFakeClock()
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(goroutines*time.Second), clock.Now())
}
