package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeStopsWhenContextEnds(t *testing.T) {
	db := filepath.Join(t.TempDir(), "reach.db")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cmd := NewServeCommand(&RootOptions{Format: "text"})
	cmd.SetContext(ctx)
	out, err := execute(t, cmd,
		"--db", db, "--addr", "127.0.0.1:0", "--workers", "1",
		"--advertise", packFile("ingest"), "--node-id", "eu-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Serving on 127.0.0.1:0")
}

func TestServeRejectsBadAdvertisement(t *testing.T) {
	out, err := execute(t, NewServeCommand(&RootOptions{Format: "text"}),
		"--db", filepath.Join(t.TempDir(), "reach.db"), "--advertise", packFile("ingest"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "--node-id is required")
}

func TestAdvertisementFor(t *testing.T) {
	adv, err := advertisementFor(packFile("gated"), "ci-1", "acme", 2)
	require.NoError(t, err)
	assert.Equal(t, "ci-1", adv.NodeID)
	assert.Equal(t, "acme", adv.TenantID)

	_, err = advertisementFor(packFile("gated"), "ci-1", "", 3)
	assert.ErrorContains(t, err, "unknown determinism level 3")

	_, err = advertisementFor(packFile("broken"), "ci-1", "", 0)
	assert.Error(t, err)
}
