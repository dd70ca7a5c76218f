// Package backoff provides jittered exponential backoff and retry helpers
// shared by the LLM client and the MCP transports.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the delay.
	Jitter float64
}

// Delay calculates the backoff duration for a given attempt number.
// The formula is base = initial * factor^(attempt-1), plus base*jitter*rand,
// clamped to Max. Attempt numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}

// DefaultPolicy returns the policy used for LLM decide retries.
// Initial: 100ms, Max: 8s, Factor: 2, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     8 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// ConnectPolicy returns the policy used for transport connection attempts.
// The first four delays land near the 200ms/500ms/1s/2s schedule the SSE
// servers expect.
func ConnectPolicy() Policy {
	return Policy{
		Initial: 200 * time.Millisecond,
		Max:     2 * time.Second,
		Factor:  2.5,
		Jitter:  0,
	}
}
