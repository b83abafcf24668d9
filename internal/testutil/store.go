package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/reach/internal/store"
)

// OpenStore opens a fresh SQLite store in t's temp directory, using
// clock for every timestamp it writes. The store is closed on cleanup.
func OpenStore(t testing.TB, clock *FakeClock) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reach.db")
	s, err := store.Open(path, store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
