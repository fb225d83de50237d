package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultBase   = 100 * time.Millisecond
	DefaultFactor = 2.0
)

// Policy computes jittered exponential delays:
//
//	delay = min(Base*Factor^attempt + U[0, Base), Max)
type Policy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// DelayFor returns the wait before retry number attempt (0-based).
func (p Policy) DelayFor(attempt int) time.Duration {
	base, factor := p.Base, p.Factor
	if base <= 0 {
		base = DefaultBase
	}
	if factor <= 0 {
		factor = DefaultFactor
	}
	if attempt < 0 {
		attempt = 0
	}

	d := float64(base)*math.Pow(factor, float64(attempt)) + rand.Float64()*float64(base)
	if p.Max > 0 && (d >= float64(p.Max) || math.IsInf(d, 0) || math.IsNaN(d)) {
		return p.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ExponentialJitter doubles base per attempt (1-based) and caps at max.
func ExponentialJitter(base, max time.Duration, attempt int) time.Duration {
	return Policy{Base: base, Factor: DefaultFactor, Max: max}.DelayFor(attempt - 1)
}
