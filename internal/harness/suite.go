package harness

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// FindScenarios lists the YAML scenario files under dir, sorted. filter
// is an optional glob matched against the file name without extension.
// Files in golden/ directories are skipped.
func FindScenarios(dir, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
	}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(d.Name(), ext)
			if ok, _ := filepath.Match(filter, name); !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files, err
}

// ScenarioOutcome is the result of one scenario file in a suite.
type ScenarioOutcome struct {
	File   string   `json:"file"`
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // matched, mismatched, updated or missing
	Errors []string `json:"errors,omitempty"`
}

// SuiteResult summarizes a suite run.
type SuiteResult struct {
	Scenarios []ScenarioOutcome `json:"scenarios"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
	Total     int               `json:"total"`
}

// RunSuite executes scenario files in order. With update set, golden
// files are rewritten instead of compared.
func (h *Harness) RunSuite(ctx context.Context, files []string, update bool) SuiteResult {
	res := SuiteResult{Scenarios: make([]ScenarioOutcome, 0, len(files)), Total: len(files)}
	for _, file := range files {
		out := h.runFile(ctx, file, update)
		if out.Pass {
			res.Passed++
		} else {
			res.Failed++
		}
		res.Scenarios = append(res.Scenarios, out)
	}
	return res
}

func (h *Harness) runFile(ctx context.Context, file string, update bool) ScenarioOutcome {
	out := ScenarioOutcome{File: file, Name: filepath.Base(file)}
	s, err := LoadScenario(file)
	if err != nil {
		out.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return out
	}
	out.Name = s.Name

	r, err := h.Run(ctx, s)
	if err != nil {
		out.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return out
	}
	out.Errors = r.Errors
	out.Pass = r.Pass

	if update {
		if err := UpdateGolden(file, s, r); err != nil {
			out.Pass = false
			out.Errors = append(out.Errors, err.Error())
			return out
		}
		out.Golden = "updated"
		return out
	}
	match, ok, err := MatchGolden(file, s, r)
	switch {
	case err != nil:
		out.Pass = false
		out.Errors = append(out.Errors, err.Error())
	case !ok:
		out.Golden = "missing"
	case match:
		out.Golden = "matched"
	default:
		out.Golden = "mismatched"
		out.Pass = false
		out.Errors = append(out.Errors, "trace does not match golden file (run with --update to regenerate)")
	}
	return out
}
