package capsule

import (
	"context"
	"fmt"

	"github.com/roach88/reach/internal/compiler"
	"github.com/roach88/reach/internal/engine"
	"github.com/roach88/reach/internal/ir"
)

// RunSource is the read side of the run store.
type RunSource interface {
	GetRun(ctx context.Context, id string) (ir.Run, error)
	Events(ctx context.Context, runID string) ([]ir.Event, error)
}

// Export assembles the capsule of a run. The run must have a non-empty,
// contiguous log. The fingerprint is recomputed from the log; when the
// store already holds one for a finished run the two must agree.
func Export(ctx context.Context, src RunSource, runID string) (ir.Capsule, error) {
	run, err := src.GetRun(ctx, runID)
	if err != nil {
		return ir.Capsule{}, err
	}
	events, err := src.Events(ctx, runID)
	if err != nil {
		return ir.Capsule{}, err
	}
	if err := checkSequence(events); err != nil {
		return ir.Capsule{}, err
	}
	m, err := ir.NewManifest(run, events)
	if err != nil {
		return ir.Capsule{}, err
	}
	if run.Fingerprint != "" && run.Fingerprint != m.RunFingerprint {
		return ir.Capsule{}, ir.NewIntegrityError("run %s: stored fingerprint %s does not match log fingerprint %s",
			runID, short(run.Fingerprint), short(m.RunFingerprint))
	}
	return ir.Capsule{Manifest: m, EventLog: events}, nil
}

// Verify recomputes everything the manifest claims about the log.
func Verify(c ir.Capsule) error {
	m := c.Manifest
	if m.RunID == "" {
		return ir.NewIntegrityError("capsule has no run id")
	}
	if err := checkSequence(c.EventLog); err != nil {
		return err
	}

	first := c.EventLog[0]
	if first.Type != ir.EventRunStarted {
		return ir.NewIntegrityError("event 1 is %s, want %s", first.Type, ir.EventRunStarted)
	}
	if pack, _ := first.Payload["pack"].(ir.Object); pack == nil || !ir.Equal(pack["hash"], ir.String(m.Pack.Hash)) {
		return ir.NewIntegrityError("run.started names a different pack than the manifest")
	}
	if !ir.Equal(first.Payload["registry_hash"], ir.String(m.RegistrySnapshotHash)) {
		return ir.NewIntegrityError("run.started names a different registry snapshot than the manifest")
	}

	root, err := ir.AuditRoot(c.EventLog)
	if err != nil {
		return err
	}
	if root != m.AuditRoot {
		return ir.NewIntegrityError("audit root mismatch: manifest %s, log %s", short(m.AuditRoot), short(root))
	}
	if policy := ir.PolicyFromEvents(c.EventLog); policy != m.Policy {
		return ir.NewIntegrityError("policy outcome mismatch: manifest %s, log %s", m.Policy.Decision, policy.Decision)
	}
	fp, err := ir.Fingerprint(m, c.EventLog)
	if err != nil {
		return err
	}
	if fp != m.RunFingerprint {
		return ir.NewIntegrityError("fingerprint mismatch: manifest %s, recomputed %s", short(m.RunFingerprint), short(fp))
	}
	return nil
}

// Replay re-drives the run recorded in c through cg, which must be the
// pack the run executed, and returns the fingerprint of the replayed log.
// It fails with REPLAY_MISMATCH unless that fingerprint is identical to
// the manifest's.
func Replay(c ir.Capsule, cg *compiler.CompiledGraph) (string, error) {
	m := c.Manifest
	if cg.PackHash != m.Pack.Hash {
		return "", ir.NewIntegrityError("capsule was recorded with pack %s, replaying %s", short(m.Pack.Hash), short(cg.PackHash))
	}
	if cg.RegistryHash != m.RegistrySnapshotHash {
		return "", ir.NewIntegrityError("capsule registry snapshot %s differs from pack registry %s",
			short(m.RegistrySnapshotHash), short(cg.RegistryHash))
	}
	if len(c.EventLog) == 0 {
		return "", ir.NewIntegrityError("capsule has an empty event log")
	}

	base := engine.NewRun(cg, m.RunID)
	base.FederationPath = append([]string{}, m.FederationPath...)
	replayed, final, err := engine.Replay(cg, base, c.EventLog)
	if err != nil {
		return "", err
	}
	got, err := ir.NewManifest(final, replayed)
	if err != nil {
		return "", err
	}
	if got.RunFingerprint != m.RunFingerprint {
		return got.RunFingerprint, &ir.Error{
			Code: ir.ErrCodeReplayMismatch,
			Message: fmt.Sprintf("replayed fingerprint %s, manifest %s",
				short(got.RunFingerprint), short(m.RunFingerprint)),
			RunID: m.RunID,
		}
	}
	return got.RunFingerprint, nil
}

// checkSequence requires a non-empty log numbered 1..n.
func checkSequence(events []ir.Event) error {
	if len(events) == 0 {
		return ir.NewIntegrityError("event log is empty")
	}
	for i, e := range events {
		if want := int64(i + 1); e.Seq != want {
			return ir.NewIntegrityError("event %d has sequence %d, want %d", i+1, e.Seq, want)
		}
	}
	return nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
