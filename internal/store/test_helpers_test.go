package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/reach/internal/ir"
)

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(func() time.Time { return testEpoch }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun creates a pending run with minimal required fields.
func createTestRun(id string) ir.Run {
	return ir.Run{
		ID:          id,
		PackHash:    "pack-hash",
		PackName:    "demo",
		PackVersion: "1.0.0",
		Tools:       []string{"echo"},
		Status:      ir.RunRunning,
		Context:     ir.Obj(ir.O("input", ir.Object{})),
		CreatedAt:   testEpoch,
		UpdatedAt:   testEpoch,
	}
}

// createTestEvent creates an event with minimal required fields.
func createTestEvent(seq int64, typ ir.EventType, node string) ir.Event {
	return ir.Event{
		Seq:       seq,
		Type:      typ,
		NodeID:    node,
		Payload:   ir.Object{},
		Timestamp: testEpoch.Add(time.Duration(seq) * time.Millisecond),
	}
}

// createTestJob creates a queued job with minimal required fields.
func createTestJob(id, runID string, priority int) ir.Job {
	return ir.Job{
		ID:          id,
		RunID:       runID,
		NodeID:      "A",
		Tool:        "echo",
		Args:        ir.Obj(ir.O("msg", ir.String("hi"))),
		Status:      ir.JobQueued,
		MaxAttempts: 3,
		Priority:    priority,
		CreatedAt:   testEpoch,
		NextRunAt:   testEpoch,
	}
}

func seqTokens() func() string {
	n := 0
	return func() string {
		n++
		return "tok-" + string(rune('a'+n-1))
	}
}
