package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strconv"
	"time"
)

// Backoff configures retry delays for failed jobs. The delay before
// attempt n+1 is Initial * Factor^(n-1), capped at Max, then scaled by a
// jitter factor in [1-Jitter, 1+Jitter] and capped again. The jitter is
// derived from the job ID and attempt, so the same job always waits the
// same time.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
	Jitter  float64
}

// DefaultBackoff is 200ms doubling to a 60s cap with ±50% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 200 * time.Millisecond,
		Factor:  2.0,
		Max:     60 * time.Second,
		Jitter:  0.5,
	}
}

// Delay returns how long a job waits after its attempt-th failure.
// attempt is 1-indexed.
func (b Backoff) Delay(jobID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Initial <= 0 {
		return 0
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 1.0
	}

	d := float64(b.Initial) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 {
		d = math.Min(d, float64(b.Max))
	}
	if b.Jitter > 0 {
		d *= 1 - b.Jitter + 2*b.Jitter*jitterUnit(jobID+":"+strconv.Itoa(attempt))
	}
	if b.Max > 0 {
		d = math.Min(d, float64(b.Max))
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// jitterUnit maps a seed to [0,1].
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
