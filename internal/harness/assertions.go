package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/reach/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string       // assertion type
	Expected string       // human-readable expected outcome
	Actual   string       // human-readable actual outcome
	Trace    []TraceEvent // full trace for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Seq, ev.Ref())
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion against result and returns the
// failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertFinalState:
		return assertFinalState(result.Context, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func selects(ev TraceEvent, a Assertion) bool {
	return ev.Type == a.Event && (a.Node == "" || ev.Node == a.Node)
}

func describe(a Assertion) string {
	if a.Node == "" {
		return a.Event
	}
	return a.Event + " " + a.Node
}

// assertTraceContains checks for an event whose payload contains the
// expected fields.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	want, err := ir.ObjectFrom(a.Payload)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	for _, ev := range trace {
		if selects(ev, a) && subset(ev.Payload, want) {
			return nil
		}
	}
	expected := describe(a)
	if len(want) > 0 {
		expected += fmt.Sprintf(" with payload %s", canonical(want))
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the referenced events appear in order.
// Intervening events are allowed. Each reference matches the first event
// after the previous match.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for _, ref := range a.Events {
		ref = strings.Join(strings.Fields(ref), " ")
		found := false
		for pos < len(trace) {
			ev := trace[pos]
			pos++
			if ev.Ref() == ref || (!strings.Contains(ref, " ") && ev.Type == ref) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual:   fmt.Sprintf("%q not found after the preceding events", ref),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the selected events appear exactly Count
// times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if selects(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks the value at a dotted path of the run context.
// Objects are compared as subsets; everything else must be equal.
func assertFinalState(ctx ir.Object, a Assertion) error {
	want, err := ir.FromAny(a.Value)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}
	got, ok := ctx.Lookup(a.Path)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s = %s", a.Path, canonical(want)),
			Actual:   "path not found",
		}
	}
	if wantObj, isObj := want.(ir.Object); isObj {
		if gotObj, ok := got.(ir.Object); ok && subset(gotObj, wantObj) {
			return nil
		}
	} else if ir.Equal(got, want) {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: fmt.Sprintf("%s = %s", a.Path, canonical(want)),
		Actual:   canonical(got),
	}
}

// subset reports whether every field of want is present in got with an
// equal value. Nested objects are compared as subsets too.
func subset(got, want ir.Object) bool {
	for k, w := range want {
		g, ok := got[k]
		if !ok {
			return false
		}
		wo, wantObj := w.(ir.Object)
		gotSub, gotObj := g.(ir.Object)
		if wantObj && gotObj {
			if !subset(gotSub, wo) {
				return false
			}
			continue
		}
		if !ir.Equal(g, w) {
			return false
		}
	}
	return true
}

func canonical(v ir.Value) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
