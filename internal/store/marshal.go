package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/reach/internal/ir"
)

// toNanos stores a time as unix nanoseconds; the zero time is 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// fromNanos is the inverse of toNanos. Times always come back in UTC.
func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// marshalObject converts an Object to canonical JSON TEXT for storage.
func marshalObject(o ir.Object) (string, error) {
	if o == nil {
		o = ir.Object{}
	}
	data, err := ir.MarshalCanonical(o)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

// unmarshalObject parses canonical JSON TEXT. Large integers survive
// because ir.Object decodes through json.Number.
func unmarshalObject(data string) (ir.Object, error) {
	if data == "" {
		return nil, nil
	}
	var o ir.Object
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return o, nil
}

func marshalStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(data), &ss); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	if len(ss) == 0 {
		return nil, nil
	}
	return ss, nil
}

// marshalRun encodes the run document. Version and LastSeq are also kept
// in their own columns, which win on read.
func marshalRun(run ir.Run) (string, error) {
	data, err := ir.MarshalCanonical(run)
	if err != nil {
		return "", fmt.Errorf("marshal run %s: %w", run.ID, err)
	}
	return string(data), nil
}

func unmarshalRun(data string) (ir.Run, error) {
	var run ir.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return ir.Run{}, fmt.Errorf("unmarshal run: %w", err)
	}
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
