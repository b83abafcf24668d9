package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/reach/internal/ir"
)

const signingDomain = "reach/handshake/v1"

// DefaultTTL bounds how long a challenge and the session it yields live.
const DefaultTTL = 5 * time.Minute

// AuditEvent is one handshake outcome.
type AuditEvent struct {
	Kind     string // handshake.started, handshake.completed, handshake.refused
	PeerID   string
	TenantID string
	Nonce    string
	Err      error
	At       time.Time
}

// Handshaker issues challenges and verifies the responses.
//
// Thread-safety: all methods are safe for concurrent use.
type Handshaker struct {
	local Advertisement
	ttl   time.Duration
	now   func() time.Time
	audit func(AuditEvent)

	mu      sync.Mutex
	pending map[string]Challenge
	seen    map[string]time.Time
}

// Option configures a Handshaker.
type Option func(*Handshaker)

// WithTTL sets challenge and session lifetime. Default: DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(h *Handshaker) {
		if d > 0 {
			h.ttl = d
		}
	}
}

// WithClock sets the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(h *Handshaker) { h.now = now }
}

// WithAudit installs a hook that sees every handshake outcome.
func WithAudit(fn func(AuditEvent)) Option {
	return func(h *Handshaker) { h.audit = fn }
}

// NewHandshaker creates a verifier for a node advertising local.
func NewHandshaker(local Advertisement, opts ...Option) *Handshaker {
	h := &Handshaker{
		local:   local,
		ttl:     DefaultTTL,
		now:     time.Now,
		pending: map[string]Challenge{},
		seen:    map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Challenge issues a fresh single-use challenge.
func (h *Handshaker) Challenge() (Challenge, error) {
	nonce, err := randomString(32)
	if err != nil {
		return Challenge{}, fmt.Errorf("challenge nonce: %w", err)
	}
	c := Challenge{
		Nonce:         nonce,
		RegistryHash:  h.local.RegistryHash,
		PolicyVersion: h.local.PolicyVersion,
		IssuedAt:      h.now().UTC(),
	}
	h.mu.Lock()
	h.pending[nonce] = c
	h.mu.Unlock()
	return c, nil
}

// Negotiate checks that two advertisements are compatible: equal registry
// hashes and equal policy versions, with snapshots that hash to what they
// claim.
func Negotiate(local, remote Advertisement) error {
	if err := checkSnapshot(remote); err != nil {
		return err
	}
	if local.RegistryHash != remote.RegistryHash {
		return refuse(ErrRegistryMismatch, "peer %s registry %s, local %s",
			remote.NodeID, short(remote.RegistryHash), short(local.RegistryHash))
	}
	if local.PolicyVersion != remote.PolicyVersion {
		return refuse(ErrPolicyMismatch, "peer %s policy %q, local %q",
			remote.NodeID, remote.PolicyVersion, local.PolicyVersion)
	}
	if !remote.DeterminismLevel.Valid() {
		return refuse(ErrLevelTooHigh, "peer %s advertises unknown determinism level %d",
			remote.NodeID, int(remote.DeterminismLevel))
	}
	return nil
}

func checkSnapshot(a Advertisement) error {
	if got := ir.RegistryHash(a.Tools, a.Permissions, a.PolicyVersion); got != a.RegistryHash {
		return refuse(ErrSnapshotTampered, "peer %s snapshot hashes to %s, advertised %s",
			a.NodeID, short(got), short(a.RegistryHash))
	}
	return nil
}

// Verify runs the handshake checks on a response from peer and opens a
// session.
func (h *Handshaker) Verify(peer Identity, resp Response) (Session, error) {
	h.emit("handshake.started", peer, resp, nil)
	s, err := h.verify(peer, resp)
	if err != nil {
		h.emit("handshake.refused", peer, resp, err)
		return Session{}, err
	}
	h.emit("handshake.completed", peer, resp, nil)
	return s, nil
}

func (h *Handshaker) verify(peer Identity, resp Response) (Session, error) {
	adv := resp.Advertisement
	if adv.NodeID != peer.NodeID || adv.TenantID != peer.TenantID {
		return Session{}, refuse(ErrIdentity, "response from %s/%s, expected %s/%s",
			adv.TenantID, adv.NodeID, peer.TenantID, peer.NodeID)
	}

	now := h.now().UTC()
	if resp.Signature != "" && h.replayed(resp.Signature, now) {
		return Session{}, refuse(ErrReplay, "signature already used")
	}

	h.mu.Lock()
	issued, ok := h.pending[resp.Challenge.Nonce]
	delete(h.pending, resp.Challenge.Nonce)
	h.mu.Unlock()
	if !ok || !issued.IssuedAt.Equal(resp.Challenge.IssuedAt) {
		return Session{}, refuse(ErrUnknownChallenge, "nonce was not issued by this node")
	}
	if now.Sub(issued.IssuedAt) > h.ttl {
		return Session{}, refuse(ErrExpired, "challenge issued %s ago, ttl %s", now.Sub(issued.IssuedAt), h.ttl)
	}

	if err := Negotiate(h.local, adv); err != nil {
		return Session{}, err
	}

	crossTenant := peer.TenantID != h.local.TenantID
	if crossTenant && resp.Signature == "" {
		return Session{}, refuse(ErrSignature, "cross-tenant handshake from %s is unsigned", peer.NodeID)
	}
	if resp.Signature != "" {
		if err := verifySignature(peer.PublicKey, issued, adv, resp.Signature); err != nil {
			return Session{}, err
		}
		h.remember(resp.Signature, now)
	}

	token, err := randomString(24)
	if err != nil {
		return Session{}, fmt.Errorf("session token: %w", err)
	}
	return Session{
		Token:     token,
		Local:     h.local,
		Peer:      adv,
		ExpiresAt: now.Add(h.ttl),
	}, nil
}

// replayed reports whether sig was accepted before. Entries older than
// two TTLs are dropped; their challenges have expired anyway.
func (h *Handshaker) replayed(sig string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s, at := range h.seen {
		if now.Sub(at) > 2*h.ttl {
			delete(h.seen, s)
		}
	}
	_, ok := h.seen[sig]
	return ok
}

func (h *Handshaker) remember(sig string, now time.Time) {
	h.mu.Lock()
	h.seen[sig] = now
	h.mu.Unlock()
}

func (h *Handshaker) emit(kind string, peer Identity, resp Response, err error) {
	ev := AuditEvent{
		Kind:     kind,
		PeerID:   peer.NodeID,
		TenantID: peer.TenantID,
		Nonce:    resp.Challenge.Nonce,
		Err:      err,
		At:       h.now().UTC(),
	}
	if err != nil {
		slog.Warn("handshake refused", "peer", peer.NodeID, "tenant", peer.TenantID, "error", err)
	} else {
		slog.Debug(kind, "peer", peer.NodeID, "tenant", peer.TenantID)
	}
	if h.audit != nil {
		h.audit(ev)
	}
}

// signingPayload is the byte string a response signature covers.
func signingPayload(c Challenge, adv Advertisement) ([]byte, error) {
	body, err := ir.MarshalCanonical(ir.Obj(
		ir.O("challenge", c.object()),
		ir.O("advertisement", adv.object()),
	))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(signingDomain)+1+len(body))
	out = append(out, signingDomain...)
	out = append(out, 0x00)
	return append(out, body...), nil
}

// Sign produces the signature a peer attaches to its response.
func Sign(key ed25519.PrivateKey, c Challenge, adv Advertisement) (string, error) {
	payload, err := signingPayload(c, adv)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, payload)), nil
}

// Respond answers a challenge with adv, signed by key when key is set.
func Respond(key ed25519.PrivateKey, c Challenge, adv Advertisement) (Response, error) {
	resp := Response{Challenge: c, Advertisement: adv}
	if key == nil {
		return resp, nil
	}
	sig, err := Sign(key, c, adv)
	if err != nil {
		return Response{}, err
	}
	resp.Signature = sig
	return resp, nil
}

func verifySignature(pub ed25519.PublicKey, c Challenge, adv Advertisement, sig string) error {
	if len(pub) != ed25519.PublicKeySize {
		return refuse(ErrSignature, "no public key on record for %s", adv.NodeID)
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return refuse(ErrSignature, "signature is not base64: %v", err)
	}
	payload, err := signingPayload(c, adv)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, raw) {
		return refuse(ErrSignature, "signature from %s does not verify", adv.NodeID)
	}
	return nil
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
