package capsule

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reach/internal/ir"
)

func TestEncode_IsCanonicalAndStable(t *testing.T) {
	c, _ := exported(t)

	a, err := Encode(c)
	require.NoError(t, err)
	b, err := Encode(c)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, bytes.HasPrefix(a, []byte(`{"event_log":[{`)), "keys are sorted")
	assert.Equal(t, byte('\n'), a[len(a)-1])

	decoded, err := Decode(a)
	require.NoError(t, err)
	again, err := Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, a, again)
}

func TestDecode_RejectsNonCanonicalInput(t *testing.T) {
	c, _ := exported(t)
	data, err := Encode(c)
	require.NoError(t, err)

	spaced := bytes.Replace(data, []byte(`"event_log":[`), []byte(`"event_log": [`), 1)
	_, err = Decode(spaced)
	assert.True(t, ir.IsIntegrity(err), "got %v", err)

	_, err = Decode([]byte(`{"manifest":{"run_id":""},"event_log":[]}`))
	assert.True(t, ir.IsIntegrity(err), "got %v", err)

	_, err = Decode([]byte(`{"manifest":`))
	assert.True(t, ir.IsIntegrity(err), "got %v", err)
}

// Changing any single byte of the encoded event log is caught by Decode
// or by Verify.
func TestOneByteMutationIsAlwaysDetected(t *testing.T) {
	c, _ := exported(t)
	data, err := Encode(c)
	require.NoError(t, err)
	start := bytes.Index(data, []byte(`"event_log":[`)) + len(`"event_log":[`)
	end := bytes.Index(data, []byte(`],"manifest":`))
	require.Greater(t, end, start)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("mutated capsule never verifies", prop.ForAll(
		func(offset int, delta uint8) bool {
			mutated := append([]byte(nil), data...)
			mutated[start+offset] ^= delta
			decoded, err := Decode(mutated)
			if err != nil {
				return true
			}
			return ir.IsIntegrity(Verify(decoded))
		},
		gen.IntRange(0, end-start-1),
		gen.UInt8Range(1, 255),
	))

	properties.TestingRun(t)
}

func TestReadFile_EnforcesSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.capsule.json")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(MaxFileBytes+1))
	require.NoError(t, f.Close())

	_, err = ReadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestWriteFile_CreatesParentDirs(t *testing.T) {
	c, _ := exported(t)
	path := filepath.Join(t.TempDir(), "capsules", "nested", c.Manifest.RunID+".capsule.json")

	require.NoError(t, WriteFile(path, c))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	want, err := Encode(c)
	require.NoError(t, err)
	assert.Equal(t, want, data)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}
