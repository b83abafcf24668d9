package ir

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Policy decisions recorded in a manifest.
const (
	PolicyAllow = "allow"
	PolicyDeny  = "deny"
)

// PackRef identifies the pack a run executed.
type PackRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// PolicyOutcome summarizes the gate decisions made during a run.
type PolicyOutcome struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// Manifest describes a finished run inside a capsule.
type Manifest struct {
	SpecVersion          string        `json:"spec_version"`
	RunID                string        `json:"run_id"`
	RunFingerprint       string        `json:"run_fingerprint"`
	RegistrySnapshotHash string        `json:"registry_snapshot_hash"`
	Pack                 PackRef       `json:"pack"`
	Policy               PolicyOutcome `json:"policy"`
	FederationPath       []string      `json:"federation_path"`
	AuditRoot            string        `json:"audit_root"`
	CreatedAt            string        `json:"created_at"`
}

// Capsule is a self-contained, verifiable record of a finished run.
type Capsule struct {
	Manifest Manifest `json:"manifest"`
	EventLog []Event  `json:"event_log"`
}

// hashInput is the manifest as it enters the fingerprint. The fingerprint
// itself, created_at and the audit root (which covers timestamps) are left
// out.
func (m Manifest) hashInput() Object {
	path := make(Array, len(m.FederationPath))
	for i, p := range m.FederationPath {
		path[i] = String(p)
	}
	return Obj(
		O("spec_version", String(m.SpecVersion)),
		O("run_id", String(m.RunID)),
		O("registry_snapshot_hash", String(m.RegistrySnapshotHash)),
		O("pack", Obj(
			O("name", String(m.Pack.Name)),
			O("version", String(m.Pack.Version)),
			O("hash", String(m.Pack.Hash)),
		)),
		O("policy", Obj(
			O("decision", String(m.Policy.Decision)),
			O("reason", String(m.Policy.Reason)),
		)),
		O("federation_path", path),
	)
}

// Fingerprint computes the run fingerprint: SHA-256 over the canonical
// manifest followed by the canonical event log, both without timestamps.
func Fingerprint(m Manifest, events []Event) (string, error) {
	head, err := MarshalCanonical(m.hashInput())
	if err != nil {
		return "", fmt.Errorf("fingerprint manifest: %w", err)
	}
	log := make(Array, len(events))
	for i, e := range events {
		log[i] = e.HashObject()
	}
	body, err := MarshalCanonical(log)
	if err != nil {
		return "", fmt.Errorf("fingerprint event log: %w", err)
	}
	return hashWithDomain(DomainFingerprint, append(head, body...)), nil
}

// AuditRoot is the BLAKE3 Merkle root over the full canonical events,
// timestamps included. An odd node at any level is paired with itself.
func AuditRoot(events []Event) (string, error) {
	if len(events) == 0 {
		sum := blake3.Sum256(nil)
		return hex.EncodeToString(sum[:]), nil
	}
	level := make([][32]byte, len(events))
	for i, e := range events {
		data, err := MarshalCanonical(e)
		if err != nil {
			return "", fmt.Errorf("audit leaf %d: %w", e.Seq, err)
		}
		level[i] = blake3.Sum256(append([]byte{0x00}, data...))
	}
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			pair := make([]byte, 0, 65)
			pair = append(pair, 0x01)
			pair = append(pair, level[i][:]...)
			pair = append(pair, right[:]...)
			next = append(next, blake3.Sum256(pair))
		}
		level = next
	}
	return hex.EncodeToString(level[0][:]), nil
}

// PolicyFromEvents derives the manifest policy outcome: the first
// policy.denied event decides it.
func PolicyFromEvents(events []Event) PolicyOutcome {
	for _, e := range events {
		if e.Type != EventPolicyDenied {
			continue
		}
		reason := ""
		if r, ok := e.Payload["reason"].(String); ok {
			reason = string(r)
		}
		return PolicyOutcome{Decision: PolicyDeny, Reason: reason}
	}
	return PolicyOutcome{Decision: PolicyAllow, Reason: ""}
}

// NewManifest builds the manifest of run over its event log and computes
// the audit root and fingerprint.
func NewManifest(run Run, events []Event) (Manifest, error) {
	path := append([]string{}, run.FederationPath...)
	m := Manifest{
		SpecVersion:          SpecVersion,
		RunID:                run.ID,
		RegistrySnapshotHash: run.RegistryHash,
		Pack:                 PackRef{Name: run.PackName, Version: run.PackVersion, Hash: run.PackHash},
		Policy:               PolicyFromEvents(events),
		FederationPath:       path,
		CreatedAt:            run.CreatedAt.UTC().Format(time.RFC3339),
	}
	root, err := AuditRoot(events)
	if err != nil {
		return Manifest{}, err
	}
	m.AuditRoot = root
	fp, err := Fingerprint(m, events)
	if err != nil {
		return Manifest{}, err
	}
	m.RunFingerprint = fp
	return m, nil
}
