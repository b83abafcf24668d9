package cli

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/store"
	"github.com/roach88/reach/internal/trust"
)

// NewTrustCommand creates the trust command group.
func NewTrustCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Node keys, capability advertisements and handshakes",
	}
	cmd.AddCommand(newTrustKeygenCommand(rootOpts))
	cmd.AddCommand(newTrustAdvertiseCommand(rootOpts))
	cmd.AddCommand(newTrustHandshakeCommand(rootOpts))
	return cmd
}

func newTrustKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 node key pair",
		Long: `Write a base64 ed25519 private key to --out (mode 0600) and the public
key to <out>.pub.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return formatter.Fail(ExitCommandError, "generating key", err)
			}
			if err := os.WriteFile(out, []byte(base64.StdEncoding.EncodeToString(priv)+"\n"), 0o600); err != nil {
				return formatter.Fail(ExitCommandError, "writing private key", err)
			}
			pubText := base64.StdEncoding.EncodeToString(pub)
			if err := os.WriteFile(out+".pub", []byte(pubText+"\n"), 0o644); err != nil {
				return formatter.Fail(ExitCommandError, "writing public key", err)
			}
			data := map[string]string{"private_key_file": out, "public_key_file": out + ".pub", "public_key": pubText}
			return formatter.Success(data, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Wrote %s and %s.pub\n  public key: %s\n", out, out, pubText)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "node.key", "private key file")
	return cmd
}

// nodeFlags describe one side of a handshake.
type nodeFlags struct {
	Pack   string
	NodeID string
	Tenant string
	Level  int
}

func (n *nodeFlags) register(cmd *cobra.Command, prefix, who string) {
	cmd.Flags().StringVar(&n.Pack, prefix+"pack", "", who+" pack (required)")
	_ = cmd.MarkFlagRequired(prefix + "pack")
	cmd.Flags().StringVar(&n.NodeID, prefix+"node-id", strings.TrimSuffix(prefix, "-")+"-node", who+" node ID")
	cmd.Flags().StringVar(&n.Tenant, prefix+"tenant", "", who+" tenant ID")
	cmd.Flags().IntVar(&n.Level, prefix+"level", int(trust.LevelNone), who+" determinism level")
}

func (n nodeFlags) advertisement() (trust.Advertisement, error) {
	return advertisementFor(n.Pack, n.NodeID, n.Tenant, n.Level)
}

func newTrustAdvertiseCommand(rootOpts *RootOptions) *cobra.Command {
	var node nodeFlags
	cmd := &cobra.Command{
		Use:   "advertise <pack>",
		Short: "Print the capability advertisement for a pack",
		Args:  cobra.ExactArgs(1),
		Example: `  reach trust advertise ./packs/ingest.yaml --node-id eu-1 --tenant acme --level 1
  reach trust advertise ./packs/ingest.yaml --node-id eu-1 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			node.Pack = args[0]
			adv, err := node.advertisement()
			if err != nil {
				return formatter.Fail(ExitCommandError, "invalid advertisement", err)
			}
			return formatter.Success(adv, func(w io.Writer) {
				fmt.Fprintf(w, "node:        %s\n", adv.NodeID)
				if adv.TenantID != "" {
					fmt.Fprintf(w, "tenant:      %s\n", adv.TenantID)
				}
				fmt.Fprintf(w, "registry:    %s\n", adv.RegistryHash)
				fmt.Fprintf(w, "policy:      %s\n", adv.PolicyVersion)
				fmt.Fprintf(w, "determinism: %s\n", adv.DeterminismLevel)
				fmt.Fprintf(w, "tools:       %s\n", strings.Join(adv.Tools, ", "))
				fmt.Fprintf(w, "permissions: %s\n", strings.Join(adv.Permissions, ", "))
			})
		},
	}
	cmd.Flags().StringVar(&node.NodeID, "node-id", "", "node ID (required)")
	_ = cmd.MarkFlagRequired("node-id")
	cmd.Flags().StringVar(&node.Tenant, "tenant", "", "tenant ID")
	cmd.Flags().IntVar(&node.Level, "level", int(trust.LevelNone), "determinism level (0 none, 1 seeded, 2 isolated)")
	return cmd
}

// HandshakeReport is the outcome of a handshake between two local nodes.
type HandshakeReport struct {
	Accepted  bool      `json:"accepted"`
	Local     string    `json:"local"`
	Peer      string    `json:"peer"`
	Level     string    `json:"level,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Reason    string    `json:"reason,omitempty"`
}

func newTrustHandshakeCommand(rootOpts *RootOptions) *cobra.Command {
	var local, peer nodeFlags
	var keyFile, database string

	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Check whether two packs' nodes would accept each other",
		Long: `Run a full challenge/response handshake between a local node and a peer.

The peer signs its response with --key when given; peers in different
tenants must sign. With --db, refused handshakes are written to the
audit log.

Exit codes:
  0 - Handshake accepted
  1 - Handshake refused
  2 - Command error`,
		Example: `  reach trust handshake --local-pack a.yaml --peer-pack b.yaml
  reach trust handshake --local-pack a.yaml --local-tenant acme \
      --peer-pack b.yaml --peer-tenant globex --key peer.key`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			localAdv, err := local.advertisement()
			if err != nil {
				return formatter.Fail(ExitCommandError, "invalid local advertisement", err)
			}
			peerAdv, err := peer.advertisement()
			if err != nil {
				return formatter.Fail(ExitCommandError, "invalid peer advertisement", err)
			}
			var key ed25519.PrivateKey
			if keyFile != "" {
				if key, err = readPrivateKey(keyFile); err != nil {
					return formatter.Fail(ExitCommandError, "reading key", err)
				}
			}

			var opts []trust.Option
			if database != "" {
				st, err := openStore(database, true)
				if err != nil {
					return formatter.Fail(ExitCommandError, "failed to open database", err)
				}
				defer st.Close()
				opts = append(opts, trust.WithAudit(auditTo(commandContext(cmd), st)))
			}

			report, err := handshake(localAdv, peerAdv, key, opts...)
			if err != nil {
				return formatter.Fail(ExitCommandError, "handshake", err)
			}
			if err := formatter.Success(report, func(w io.Writer) { printHandshake(w, report) }); err != nil {
				return err
			}
			if !report.Accepted {
				return NewExitError(ExitFailure, "handshake refused: "+report.Reason)
			}
			return nil
		},
	}
	local.register(cmd, "local-", "local")
	peer.register(cmd, "peer-", "peer")
	cmd.Flags().StringVar(&keyFile, "key", "", "peer private key file (from trust keygen)")
	cmd.Flags().StringVar(&database, "db", "", "record refusals in this database's audit log")
	return cmd
}

// handshake runs challenge, response and verification in process. A
// refusal is reported in the result, not as an error.
func handshake(local, peer trust.Advertisement, key ed25519.PrivateKey, opts ...trust.Option) (HandshakeReport, error) {
	report := HandshakeReport{Local: local.NodeID, Peer: peer.NodeID}
	h := trust.NewHandshaker(local, opts...)
	c, err := h.Challenge()
	if err != nil {
		return report, err
	}
	resp, err := trust.Respond(key, c, peer)
	if err != nil {
		return report, err
	}
	identity := trust.Identity{NodeID: peer.NodeID, TenantID: peer.TenantID}
	if key != nil {
		identity.PublicKey = key.Public().(ed25519.PublicKey)
	}
	session, err := h.Verify(identity, resp)
	if err != nil {
		if ir.HasCode(err, ir.ErrCodeSecurityViolation) {
			report.Reason = err.Error()
			return report, nil
		}
		return report, err
	}
	report.Accepted = true
	report.Level = session.Level().String()
	report.ExpiresAt = session.ExpiresAt
	return report, nil
}

func printHandshake(w io.Writer, r HandshakeReport) {
	if !r.Accepted {
		fmt.Fprintf(w, "✗ %s refused %s\n  %s\n", r.Local, r.Peer, r.Reason)
		return
	}
	fmt.Fprintf(w, "✓ %s accepted %s\n", r.Local, r.Peer)
	fmt.Fprintf(w, "  determinism: %s\n", r.Level)
	fmt.Fprintf(w, "  expires:     %s\n", r.ExpiresAt.Format(time.RFC3339))
}

// auditTo records refused handshakes in the store's audit log.
func auditTo(ctx context.Context, st *store.Store) func(trust.AuditEvent) {
	return func(ev trust.AuditEvent) {
		if ev.Err == nil {
			return
		}
		_ = st.RecordAudit(ctx, ir.AuditRecord{
			Kind:   ev.Kind,
			Reason: fmt.Sprintf("peer %s (tenant %q): %v", ev.PeerID, ev.TenantID, ev.Err),
		})
	}
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%s: want %d key bytes, got %d", path, ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
