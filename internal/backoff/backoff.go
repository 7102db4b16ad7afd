package backoff

import (
	"math/rand"
	"time"
)

// Policy computes the delay before an item's next upload attempt.
//
// Delay schedule is exponential with multiplicative jitter:
//
//	attempt 0 → ~30 s
//	attempt 1 → ~1 m
//	attempt 2 → ~2 m
//	attempt N → base * 2^N, clamped to Max
//
// Jitter spreads retries in [0.75, 1.25] of the nominal delay so a fleet of
// devices coming back online together does not hammer the backend in lockstep.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	jitter func() float64 // returns a value in [0, 1)
}

const (
	DefaultBase = 30 * time.Second
	DefaultMax  = 10 * time.Minute

	jitterMin  = 0.75
	jitterSpan = 0.5
)

// New returns a Policy with the given base and cap. Non-positive values fall
// back to the defaults.
func New(base, max time.Duration) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Policy{Base: base, Max: max, jitter: rand.Float64}
}

// NewWithJitter is like New but takes an explicit jitter source.
// Tests inject a fixed source to pin the exact delay.
func NewWithJitter(base, max time.Duration, jitter func() float64) *Policy {
	p := New(base, max)
	p.jitter = jitter
	return p
}

// Delay returns the backoff for the given retry count. The result always falls
// within [0.75 * base * 2^n, min(Max, 1.25 * base * 2^n)].
func (p *Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	nominal := p.Base
	for i := 0; i < retryCount; i++ {
		nominal *= 2
		if nominal >= p.Max {
			nominal = p.Max
			break
		}
	}

	factor := jitterMin + jitterSpan*p.jitter()
	d := time.Duration(float64(nominal) * factor)
	if d > p.Max {
		d = p.Max
	}
	return d
}
