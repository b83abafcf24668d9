package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/reach/internal/ir"
)

// DefaultRunID is the run id used when a scenario does not set one.
const DefaultRunID = "scenario-run"

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden
	// file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Pack is the path of the pack file to run, relative to the scenario
	// file.
	Pack string `yaml:"pack"`

	// RunID fixes the run id. Default: DefaultRunID.
	RunID string `yaml:"run_id,omitempty"`

	Inputs   map[string]any `yaml:"inputs,omitempty"`
	TenantID string         `yaml:"tenant_id,omitempty"`

	// Script holds tool responses keyed by scoped node key or tool name.
	Script map[string][]ScriptStep `yaml:"script,omitempty"`

	// Approvals answer approval requests in order.
	Approvals []Approval `yaml:"approvals,omitempty"`

	// Cancel, when set, cancels the run with this reason once it waits
	// for an approval no entry answers.
	Cancel string `yaml:"cancel,omitempty"`

	Expect Expect `yaml:"expect"`

	Assertions []Assertion `yaml:"assertions,omitempty"`

	// dir is the directory relative paths resolve against.
	dir string
}

// ScriptStep is one scripted tool response.
type ScriptStep struct {
	Result map[string]any `yaml:"result,omitempty"`
	Error  string         `yaml:"error,omitempty"`

	// Code marks the error with an error code. PROTOCOL_VIOLATION and
	// SECURITY_VIOLATION are hard errors that skip retries.
	Code string `yaml:"code,omitempty"`
}

// Approval answers one approval request.
type Approval struct {
	Scope    string `yaml:"scope,omitempty"`
	Node     string `yaml:"node"`
	Approved bool   `yaml:"approved"`
	Reason   string `yaml:"reason,omitempty"`
}

// Expect is the terminal state the run must reach.
type Expect struct {
	Status      string `yaml:"status"`
	FailureCode string `yaml:"failure_code,omitempty"`
}

// Assertion validates the trace or final run context.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count or
	// final_state.
	Type string `yaml:"type"`

	// Event and Node select events (trace_contains, trace_count). An
	// empty Node matches any node.
	Event string `yaml:"event,omitempty"`
	Node  string `yaml:"node,omitempty"`

	// Payload fields the event must carry (trace_contains).
	// Subset match: only the listed fields are checked.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Events is the expected order (trace_order).
	Events []string `yaml:"events,omitempty"`

	Count int `yaml:"count,omitempty"`

	// Path and Value check the final run context (final_state).
	Path  string `yaml:"path,omitempty"`
	Value any    `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// PackPath resolves the scenario's pack path.
func (s *Scenario) PackPath() string {
	if filepath.IsAbs(s.Pack) || s.dir == "" {
		return s.Pack
	}
	return filepath.Join(s.dir, s.Pack)
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.dir = filepath.Dir(path)
	if _, err := os.Stat(s.PackPath()); err != nil {
		return nil, fmt.Errorf("%s: pack file not found: %s", path, s.PackPath())
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario document. Relative pack
// paths resolve against the working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if s.RunID == "" {
		s.RunID = DefaultRunID
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Pack == "" {
		return fmt.Errorf("pack is required")
	}
	if !validStatus(s.Expect.Status) {
		return fmt.Errorf("expect.status %q is not a run status", s.Expect.Status)
	}

	for key, steps := range s.Script {
		for i, step := range steps {
			if step.Error == "" && step.Code != "" {
				return fmt.Errorf("script.%s[%d]: code needs an error message", key, i)
			}
			if step.Error != "" && step.Result != nil {
				return fmt.Errorf("script.%s[%d]: result and error are exclusive", key, i)
			}
		}
	}
	for i, a := range s.Approvals {
		if a.Node == "" {
			return fmt.Errorf("approvals[%d]: node is required", i)
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validStatus(status string) bool {
	switch ir.RunStatus(status) {
	case ir.RunCompleted, ir.RunFailed, ir.RunCancelled, ir.RunWaitingApproval:
		return true
	}
	return false
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
		for _, ref := range a.Events {
			if strings.TrimSpace(ref) == "" {
				return fmt.Errorf("assertions[%d]: empty event reference", index)
			}
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
