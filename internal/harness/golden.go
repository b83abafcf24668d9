package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenDir is where RunWithGolden keeps golden traces, relative to the
// test's package directory.
const GoldenDir = "testdata/golden"

// RenderTrace renders the parts of a result that golden files pin: the
// terminal status and one line per event. Payloads are left out so that
// golden files survive changes to what events carry.
func RenderTrace(name string, r *Result) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", name)
	fmt.Fprintf(&buf, "status: %s\n", r.Status)
	if r.FailureCode != "" {
		fmt.Fprintf(&buf, "failure_code: %s\n", r.FailureCode)
	}
	for _, ev := range r.Trace {
		fmt.Fprintf(&buf, "%d %s\n", ev.Seq, ev.Ref())
	}
	return buf.Bytes()
}

// RunWithGolden executes a scenario, fails t if its checks fail, and
// compares the rendered trace against testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) *Result {
	t.Helper()
	result, err := Run(s)
	if err != nil {
		t.Fatalf("scenario %s: %v", s.Name, err)
	}
	if !result.Pass {
		t.Errorf("scenario %s failed:\n%s", s.Name, strings.Join(result.Errors, "\n"))
	}
	AssertGolden(t, s.Name, result)
	return result
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, r *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, RenderTrace(name, r))
}

// GoldenPath is where the golden file of a scenario file lives: a
// golden/ directory next to it.
func GoldenPath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

// UpdateGolden writes the rendered trace of r as the golden file for
// scenarioFile.
func UpdateGolden(scenarioFile string, s *Scenario, r *Result) error {
	path := GoldenPath(scenarioFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, RenderTrace(s.Name, r), 0o644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

// MatchGolden reports whether r matches the golden file of scenarioFile.
// ok is false with a nil error when no golden file exists.
func MatchGolden(scenarioFile string, s *Scenario, r *Result) (match, ok bool, err error) {
	data, err := os.ReadFile(GoldenPath(scenarioFile))
	if os.IsNotExist(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read golden file: %w", err)
	}
	return bytes.Equal(data, RenderTrace(s.Name, r)), true, nil
}
