package engine

import (
	"github.com/roach88/reach/internal/ir"
)

// DefaultMaxSteps bounds the number of events a single run may append.
// Packs are acyclic, so only very wide graphs or very long retry chains
// get near it.
const DefaultMaxSteps = 10000

// QuotaEnforcer tracks how many events a run has appended and enforces a
// maximum. A run that exceeds it fails with QUOTA_EXCEEDED.
type QuotaEnforcer struct {
	maxSteps int64
	current  int64
}

// NewQuotaEnforcer creates an enforcer for a fresh run.
func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return NewQuotaEnforcerAt(maxSteps, 0)
}

// NewQuotaEnforcerAt creates an enforcer for a run that has already
// appended current events. maxSteps <= 0 disables the limit.
func NewQuotaEnforcerAt(maxSteps int, current int64) *QuotaEnforcer {
	return &QuotaEnforcer{maxSteps: int64(maxSteps), current: current}
}

// Check counts one more event and reports QUOTA_EXCEEDED once the limit
// is passed.
func (q *QuotaEnforcer) Check(runID string) error {
	q.current++
	if q.maxSteps > 0 && q.current > q.maxSteps {
		return &ir.Error{
			Code:    ir.ErrCodeQuotaExceeded,
			Message: "run exceeded max steps quota",
			RunID:   runID,
		}
	}
	return nil
}

// Current returns the event count.
func (q *QuotaEnforcer) Current() int64 {
	return q.current
}

// MaxSteps returns the limit.
func (q *QuotaEnforcer) MaxSteps() int64 {
	return q.maxSteps
}

// IsQuotaError reports whether err is a QUOTA_EXCEEDED error.
func IsQuotaError(err error) bool {
	return ir.HasCode(err, ir.ErrCodeQuotaExceeded)
}
