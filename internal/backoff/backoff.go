// Package backoff computes exponential retry delays.
package backoff

import "time"

// Policy doubles the delay on every attempt starting at Base and never
// exceeds Cap.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns min(Base*2^attempt, Cap) for a 0-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
		// Overflow guard for very large attempt counts.
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}
