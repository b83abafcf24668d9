package trust

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession_Accept(t *testing.T) {
	tests := []struct {
		name     string
		local    DeterminismLevel
		required DeterminismLevel
		ok       bool
	}{
		{"none accepts none", LevelNone, LevelNone, true},
		{"none refuses seeded", LevelNone, LevelSeeded, false},
		{"seeded accepts seeded", LevelSeeded, LevelSeeded, true},
		{"seeded refuses isolated", LevelSeeded, LevelIsolated, false},
		{"isolated accepts everything", LevelIsolated, LevelIsolated, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Session{Local: Advertisement{DeterminismLevel: tt.local}}
			err := s.Accept(tt.required)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrLevelTooHigh), "got %v", err)
			}
		})
	}
}

func TestSession_CanDelegate(t *testing.T) {
	s := Session{
		Local: Advertisement{DeterminismLevel: LevelIsolated},
		Peer:  Advertisement{DeterminismLevel: LevelSeeded},
	}
	assert.True(t, s.CanDelegate(LevelSeeded))
	assert.False(t, s.CanDelegate(LevelIsolated))
	assert.Equal(t, LevelSeeded, s.Level())
}

func TestDeterminismLevel_String(t *testing.T) {
	assert.Equal(t, "none", LevelNone.String())
	assert.Equal(t, "isolated", LevelIsolated.String())
	assert.Equal(t, "level(7)", DeterminismLevel(7).String())
	assert.False(t, DeterminismLevel(-1).Valid())
}

func TestAdvertise_CopiesLists(t *testing.T) {
	p := registryPack()
	adv := Advertise("n", "t", p, LevelSeeded)
	p.Tools[0] = "mutated"
	assert.Equal(t, "fetch", adv.Tools[0])
	assert.Equal(t, []string{}, adv.OptimizationModes)
}
