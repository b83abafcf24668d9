package trust

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/roach88/reach/internal/ir"
)

// DeterminismLevel is how strictly a node can isolate execution.
type DeterminismLevel int

const (
	// LevelNone gives no determinism guarantee.
	LevelNone DeterminismLevel = 0
	// LevelSeeded runs with seeded randomness and mocked time.
	LevelSeeded DeterminismLevel = 1
	// LevelIsolated runs fully isolated and cycle-accurate.
	LevelIsolated DeterminismLevel = 2
)

// Valid reports whether l is one of the defined levels.
func (l DeterminismLevel) Valid() bool {
	return l >= LevelNone && l <= LevelIsolated
}

func (l DeterminismLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelSeeded:
		return "seeded"
	case LevelIsolated:
		return "isolated"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Advertisement is what a node tells a peer about its capabilities.
type Advertisement struct {
	NodeID            string           `json:"node_id"`
	TenantID          string           `json:"tenant_id"`
	RegistryHash      string           `json:"registry_snapshot_hash"`
	PolicyVersion     string           `json:"policy_version"`
	DeterminismLevel  DeterminismLevel `json:"determinism_level"`
	OptimizationModes []string         `json:"optimization_modes"`

	// Tools and Permissions are the registry snapshot RegistryHash is
	// computed over.
	Tools       []string `json:"tools"`
	Permissions []string `json:"permissions"`
}

// Advertise builds the advertisement of a node serving pack.
func Advertise(nodeID, tenantID string, pack ir.Pack, level DeterminismLevel, modes ...string) Advertisement {
	return Advertisement{
		NodeID:            nodeID,
		TenantID:          tenantID,
		RegistryHash:      ir.RegistryHash(pack.Tools, pack.Permissions, pack.PolicyVersion),
		PolicyVersion:     pack.PolicyVersion,
		DeterminismLevel:  level,
		OptimizationModes: append([]string{}, modes...),
		Tools:             append([]string{}, pack.Tools...),
		Permissions:       append([]string{}, pack.Permissions...),
	}
}

func (a Advertisement) object() ir.Object {
	modes := make(ir.Array, len(a.OptimizationModes))
	for i, m := range a.OptimizationModes {
		modes[i] = ir.String(m)
	}
	return ir.Obj(
		ir.O("node_id", ir.String(a.NodeID)),
		ir.O("tenant_id", ir.String(a.TenantID)),
		ir.O("registry_snapshot_hash", ir.String(a.RegistryHash)),
		ir.O("policy_version", ir.String(a.PolicyVersion)),
		ir.O("determinism_level", ir.Int(a.DeterminismLevel)),
		ir.O("optimization_modes", modes),
		ir.O("snapshot", ir.RegistrySnapshot(a.Tools, a.Permissions, a.PolicyVersion)),
	)
}

// Identity is what the verifier already knows about a peer.
type Identity struct {
	NodeID    string
	TenantID  string
	PublicKey ed25519.PublicKey
}

// Challenge is a single-use nonce bound to the verifier's registry and
// policy.
type Challenge struct {
	Nonce         string    `json:"nonce"`
	RegistryHash  string    `json:"registry_snapshot_hash"`
	PolicyVersion string    `json:"policy_version"`
	IssuedAt      time.Time `json:"issued_at"`
}

func (c Challenge) object() ir.Object {
	return ir.Obj(
		ir.O("nonce", ir.String(c.Nonce)),
		ir.O("registry_snapshot_hash", ir.String(c.RegistryHash)),
		ir.O("policy_version", ir.String(c.PolicyVersion)),
		ir.O("issued_at", ir.String(c.IssuedAt.UTC().Format(time.RFC3339Nano))),
	)
}

// Response is a peer's answer to a challenge.
type Response struct {
	Challenge     Challenge     `json:"challenge"`
	Advertisement Advertisement `json:"advertisement"`

	// Signature is the base64 ed25519 signature over the canonical
	// challenge and advertisement. Optional within one tenant.
	Signature string `json:"signature,omitempty"`
}

// Session is an accepted peer.
type Session struct {
	Token     string
	Local     Advertisement
	Peer      Advertisement
	ExpiresAt time.Time
}

// Level is the determinism level both sides support.
func (s Session) Level() DeterminismLevel {
	return min(s.Local.DeterminismLevel, s.Peer.DeterminismLevel)
}

// Accept reports whether the local node may take delegated work that
// needs level required.
func (s Session) Accept(required DeterminismLevel) error {
	if required > s.Local.DeterminismLevel {
		return refuse(ErrLevelTooHigh, "work needs determinism level %s, node supports %s",
			required, s.Local.DeterminismLevel)
	}
	return nil
}

// CanDelegate reports whether work needing level required may be sent to
// the peer.
func (s Session) CanDelegate(required DeterminismLevel) bool {
	return required <= s.Peer.DeterminismLevel
}
