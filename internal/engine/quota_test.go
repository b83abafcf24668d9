package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaEnforcer_WithinLimit(t *testing.T) {
	q := NewQuotaEnforcer(10)

	for i := 0; i < 10; i++ {
		assert.NoError(t, q.Check("run-1"), "step %d should be allowed", i+1)
	}

	assert.Equal(t, int64(10), q.Current())
	assert.Equal(t, int64(10), q.MaxSteps())
}

func TestQuotaEnforcer_ExceedsLimit(t *testing.T) {
	q := NewQuotaEnforcer(5)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Check("run-1"))
	}

	err := q.Check("run-1")
	require.Error(t, err)
	assert.True(t, IsQuotaError(err))
	assert.Contains(t, err.Error(), "run-1")
}

func TestQuotaEnforcer_ResumesAtCurrent(t *testing.T) {
	q := NewQuotaEnforcerAt(5, 5)

	assert.True(t, IsQuotaError(q.Check("run-1")))
}

func TestQuotaEnforcer_ZeroDisables(t *testing.T) {
	q := NewQuotaEnforcer(0)

	for i := 0; i < 100; i++ {
		require.NoError(t, q.Check("run-1"))
	}
}
