package worker

import (
	"math"
	"time"
)

// RetryPolicy computes exponential backoff for failed jobs.
type RetryPolicy struct {
	Base       time.Duration
	Multiplier float64
	// Max caps a single delay. Zero leaves only the time.Duration range.
	Max time.Duration
}

// DefaultRetryPolicy waits 30s, 2m, 8m, ... between attempts.
var DefaultRetryPolicy = RetryPolicy{Base: 30 * time.Second, Multiplier: 4}

// Backoff returns the delay before attempt n+1 after the n-th failure,
// never more than Max.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base, mult := p.Base, p.Multiplier
	if base <= 0 {
		base = DefaultRetryPolicy.Base
	}
	if mult < 1 {
		mult = DefaultRetryPolicy.Multiplier
	}
	limit := time.Duration(math.MaxInt64)
	if p.Max > 0 {
		limit = p.Max
	}
	d := float64(base) * math.Pow(mult, float64(n-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// Exhausted reports whether a job that has now failed retryCount times
// must stop retrying.
func (p RetryPolicy) Exhausted(retryCount, maxRetries int) bool {
	return retryCount >= maxRetries
}
