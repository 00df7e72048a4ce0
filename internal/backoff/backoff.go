// Package backoff provides the reconnect delay policy for the chat client.
// A single policy replaces the ambiguous two-tier scheme (application timer
// layered over transport retries): the dialer makes exactly one attempt per
// scheduled delay, with no attempt cap.
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes the delay before a reconnection attempt.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Cap bounds the exponential growth. Zero means no growth: every
	// attempt waits Base.
	Cap time.Duration
	// Jitter in [0,1] adds a uniform random fraction of the computed
	// delay. Zero disables jitter.
	Jitter float64
}

// Default matches the storefront widget behavior: a fixed 3 s delay
// between attempts, capped growth disabled, no jitter.
func Default() Policy {
	return Policy{Base: 3 * time.Second}
}

// Delay returns the wait before the given attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	if d <= 0 {
		d = 3 * time.Second
	}
	if p.Cap > d {
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= p.Cap {
				d = p.Cap
				break
			}
		}
	}
	if p.Jitter > 0 {
		d += time.Duration(p.Jitter * rand.Float64() * float64(d))
	}
	return d
}
