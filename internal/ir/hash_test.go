package ir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobIDDeterministic(t *testing.T) {
	a := JobID("run-1", "fetch", 1)
	b := JobID("run-1", "fetch", 1)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, JobID("run-1", "fetch", 2), "epoch must change the ID")
	assert.NotEqual(t, a, JobID("run-2", "fetch", 1), "run must change the ID")
	assert.NotEqual(t, a, JobID("run-1", "par#000/fetch", 1), "scope must change the ID")
}

func TestHashWithDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, hashWithDomain(DomainPack, data), hashWithDomain(DomainJob, data))
}

func TestRegistryHashOrderInsensitive(t *testing.T) {
	a := RegistryHash([]string{"fetch", "summarize"}, []string{"net:*"}, "v1")
	b := RegistryHash([]string{"summarize", "fetch"}, []string{"net:*"}, "v1")
	assert.Equal(t, a, b)

	c := RegistryHash([]string{"fetch", "summarize"}, []string{"net:*"}, "v2")
	assert.NotEqual(t, a, c, "policy version is part of the snapshot")
}

func TestPackHashStable(t *testing.T) {
	pack := Pack{
		Name:    "demo",
		Version: "1.0.0",
		Tools:   []string{"fetch"},
		Graph: Graph{
			Start: "a",
			Nodes: []Node{{ID: "a", Kind: NodeAction, Tool: "fetch", Args: Obj(O("url", String("x")))}},
		},
	}
	h1, err := PackHash(pack)
	require.NoError(t, err)
	h2, err := PackHash(pack)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	pack.Version = "1.0.1"
	h3, err := PackHash(pack)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func sampleRun() Run {
	return Run{
		ID:             "run-1",
		PackHash:       "abc",
		PackName:       "demo",
		PackVersion:    "1.0.0",
		RegistryHash:   "reg",
		FederationPath: []string{},
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func sampleEvents(ts time.Time) []Event {
	return []Event{
		{Seq: 1, Type: EventRunStarted, Payload: Object{}, Timestamp: ts},
		{Seq: 2, Type: EventNodeStarted, NodeID: "a", Payload: Obj(O("kind", String("action"))), Timestamp: ts},
		{Seq: 3, Type: EventRunCompleted, Payload: Object{}, Timestamp: ts},
	}
}

func TestFingerprintIgnoresTimestampsAndCreatedAt(t *testing.T) {
	run := sampleRun()
	m1, err := NewManifest(run, sampleEvents(time.Unix(100, 0).UTC()))
	require.NoError(t, err)

	run.CreatedAt = run.CreatedAt.Add(time.Hour)
	m2, err := NewManifest(run, sampleEvents(time.Unix(999, 0).UTC()))
	require.NoError(t, err)

	assert.Equal(t, m1.RunFingerprint, m2.RunFingerprint)
	assert.NotEqual(t, m1.AuditRoot, m2.AuditRoot, "audit root covers timestamps")
}

func TestFingerprintCoversPayload(t *testing.T) {
	run := sampleRun()
	events := sampleEvents(time.Unix(100, 0).UTC())
	m1, err := NewManifest(run, events)
	require.NoError(t, err)

	events[1].Payload = Obj(O("kind", String("condition")))
	m2, err := NewManifest(run, events)
	require.NoError(t, err)
	assert.NotEqual(t, m1.RunFingerprint, m2.RunFingerprint)
}

func TestAuditRootOddLeaves(t *testing.T) {
	events := sampleEvents(time.Unix(1, 0).UTC())
	r3, err := AuditRoot(events)
	require.NoError(t, err)
	r2, err := AuditRoot(events[:2])
	require.NoError(t, err)
	r1, err := AuditRoot(events[:1])
	require.NoError(t, err)

	assert.Len(t, r3, 64)
	assert.NotEqual(t, r3, r2)
	assert.NotEqual(t, r2, r1)
}

func TestPolicyFromEvents(t *testing.T) {
	assert.Equal(t, PolicyOutcome{Decision: PolicyAllow}, PolicyFromEvents(nil))

	events := []Event{
		{Seq: 1, Type: EventRunStarted},
		{Seq: 2, Type: EventPolicyDenied, Payload: Obj(O("reason", String("tool not allowed: rm")))},
	}
	assert.Equal(t, PolicyOutcome{Decision: PolicyDeny, Reason: "tool not allowed: rm"}, PolicyFromEvents(events))
}
