package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// copyFixture copies a scenario and the pack it uses into a temp tree so
// golden files can be written next to it.
func copyFixture(t *testing.T, scenario, pack string) string {
	t.Helper()
	root := t.TempDir()
	for src, dst := range map[string]string{
		filepath.Join("testdata", "scenarios", scenario+".yaml"): filepath.Join(root, "scenarios", scenario+".yaml"),
		filepath.Join("testdata", "packs", pack+".yaml"):         filepath.Join(root, "packs", pack+".yaml"),
	} {
		data, err := os.ReadFile(src)
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
		require.NoError(t, os.WriteFile(dst, data, 0o644))
	}
	return filepath.Join(root, "scenarios")
}

func TestRunSuite_GoldenLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := copyFixture(t, "hard-error", "retry")
	files, err := FindScenarios(dir, "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	h := New()

	res := h.RunSuite(ctx, files, false)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, "missing", res.Scenarios[0].Golden)

	res = h.RunSuite(ctx, files, true)
	require.Equal(t, 1, res.Passed, "errors: %v", res.Scenarios[0].Errors)
	assert.Equal(t, "updated", res.Scenarios[0].Golden)
	golden, err := os.ReadFile(GoldenPath(files[0]))
	require.NoError(t, err)
	assert.Contains(t, string(golden), "failure_code: SECURITY_VIOLATION\n")

	res = h.RunSuite(ctx, files, false)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, "matched", res.Scenarios[0].Golden)

	require.NoError(t, os.WriteFile(GoldenPath(files[0]), append(golden, "7 run.completed\n"...), 0o644))
	res = h.RunSuite(ctx, files, false)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "mismatched", res.Scenarios[0].Golden)
}

func TestRunSuite_GoldenDirIsNotScanned(t *testing.T) {
	dir := copyFixture(t, "hard-error", "retry")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "stray.yaml"), []byte("x: 1\n"), 0o644))

	files, err := FindScenarios(dir, "")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRunSuite_LoadErrorsFailTheScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: broken\n"), 0o644))

	res := New().RunSuite(context.Background(), []string{path}, false)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "broken.yaml", res.Scenarios[0].Name)
	assert.Contains(t, res.Scenarios[0].Errors[0], "failed to load scenario")
}

func TestGoldenPath(t *testing.T) {
	assert.Equal(t, filepath.Join("a", "b", "golden", "retry.golden"), GoldenPath(filepath.Join("a", "b", "retry.yaml")))
}
