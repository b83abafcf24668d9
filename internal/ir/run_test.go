package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		ok       bool
	}{
		{RunPending, RunRunning, true},
		{RunRunning, RunWaitingApproval, true},
		{RunWaitingApproval, RunRunning, true},
		{RunRunning, RunCompleted, true},
		{RunWaitingApproval, RunCancelled, true},
		{RunPending, RunCompleted, false},
		{RunWaitingApproval, RunCompleted, false},
		{RunCompleted, RunRunning, false},
		{RunFailed, RunFailed, false},
		{RunCancelled, RunRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestScopes(t *testing.T) {
	assert.Equal(t, "a", NodeKey("", "a"))
	assert.Equal(t, "par#001/a", NodeKey(ChildScope("", "par", 1), "a"))
	assert.Equal(t, "outer/sub", ChildScope("outer", "sub", -1))
	assert.Equal(t, "p#012", ChildScope("", "p", 12))

	assert.True(t, InScope("p#000/sub", "p#000"))
	assert.True(t, InScope("p#000", "p"))
	assert.False(t, InScope("px#000", "p"))
}

func TestSortPointers(t *testing.T) {
	ps := []Pointer{{Scope: "p#001", Node: "b"}, {Node: "a"}, {Scope: "p#000", Node: "b"}}
	SortPointers(ps)
	assert.Equal(t, "a", ps[0].Key())
	assert.Equal(t, "p#000/b", ps[1].Key())
	assert.Equal(t, "p#001/b", ps[2].Key())
}

func TestRunCloneIsDeep(t *testing.T) {
	r := Run{
		Context:  Obj(O("nodes", Object{})),
		Pointers: []Pointer{{Node: "a"}},
		Joins:    map[string]Join{"p": {Failed: []int{1}}},
	}
	c := r.Clone()
	c.Context["nodes"].(Object)["x"] = Int(1)
	c.Pointers[0].Node = "b"
	j := c.Joins["p"]
	j.Failed[0] = 9

	assert.Empty(t, r.Context["nodes"].(Object))
	assert.Equal(t, "a", r.Pointers[0].Node)
	assert.Equal(t, 1, r.Joins["p"].Failed[0])
}
