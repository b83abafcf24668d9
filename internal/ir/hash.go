package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for an algorithm migration.
const (
	DomainPack        = "reach/pack/v1"
	DomainJob         = "reach/job/v1"
	DomainRegistry    = "reach/registry/v1"
	DomainFingerprint = "reach/fingerprint/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data), hex encoded.
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashCanonical hashes the canonical encoding of v under domain.
func HashCanonical(domain string, v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, data), nil
}

// JobID derives the job identity for one attempt epoch of a node.
// The same (run, node, epoch) always yields the same ID, so a crashed
// driver that re-issues an enqueue cannot create a second logical job.
func JobID(runID, nodeKey string, epoch int) string {
	id, _ := HashCanonical(DomainJob, Obj(
		O("run_id", String(runID)),
		O("node", String(nodeKey)),
		O("epoch", Int(epoch)),
	))
	return id
}

// RegistryHash fingerprints a capability registry snapshot: the tool and
// permission allowlists plus the policy version. Order of the input lists
// does not matter.
func RegistryHash(tools, permissions []string, policyVersion string) string {
	id, _ := HashCanonical(DomainRegistry, RegistrySnapshot(tools, permissions, policyVersion))
	return id
}

// RegistrySnapshot is the canonical payload RegistryHash and trust
// signatures are computed over.
func RegistrySnapshot(tools, permissions []string, policyVersion string) Object {
	return Obj(
		O("tools", sortedStrings(tools)),
		O("permissions", sortedStrings(permissions)),
		O("policy_version", String(policyVersion)),
	)
}

func sortedStrings(in []string) Array {
	cp := append([]string(nil), in...)
	sort.Strings(cp)
	out := make(Array, len(cp))
	for i, s := range cp {
		out[i] = String(s)
	}
	return out
}

// PackHash is the content address of a pack.
func PackHash(p Pack) (string, error) {
	return HashCanonical(DomainPack, p)
}
