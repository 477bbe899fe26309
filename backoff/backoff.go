// Package backoff computes reconnection and retry delays for the
// circuit breaker and the market-data client. Each
// consumer owns its own Policy instance; Policy is not safe for concurrent
// use by multiple goroutines without external synchronisation, matching the
// teacher's single-goroutine-owned discovery.Backoff.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes delay(attempt) = min(base * multiplier^(attempt-1), max),
// optionally jittered by up to ±25%.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool

	// Adaptive, when true, inflates Multiplier (capped at ×1.5 of its
	// original value) after rapid consecutive failures within Window, and
	// moderates it (×0.75, floored at the original value) after an
	// intermittent success.
	Adaptive bool
	Window   time.Duration

	baseMultiplier float64
	curMultiplier  float64
	lastFailure    time.Time
}

// New constructs a Policy with sane defaults for any zero-valued field.
func New(base, max time.Duration, multiplier float64, jitter bool) *Policy {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 || max < base {
		max = 30 * time.Second
	}
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	return &Policy{
		Base:           base,
		Max:            max,
		Multiplier:     multiplier,
		Jitter:         jitter,
		baseMultiplier: multiplier,
		curMultiplier:  multiplier,
	}
}

// Delay returns the backoff duration for the given attempt number (1-based).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if p.Adaptive {
		mult = p.curMultiplier
	}
	raw := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	d := time.Duration(raw)
	if d > p.Max || d < 0 {
		d = p.Max
	}
	if p.Jitter {
		d = jitter(d)
	}
	return d
}

// jitter returns d scaled by a uniformly random factor in [0.75, 1.25].
func jitter(d time.Duration) time.Duration {
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

// RecordFailure notifies the adaptive policy of a failure at instant now.
// Two failures within Window inflate the effective multiplier by ×1.5,
// capped at 1.5× the configured base multiplier.
func (p *Policy) RecordFailure(now time.Time) {
	if !p.Adaptive {
		return
	}
	if !p.lastFailure.IsZero() && p.Window > 0 && now.Sub(p.lastFailure) <= p.Window {
		cap := p.baseMultiplier * 1.5
		p.curMultiplier = math.Min(p.curMultiplier*1.5, cap)
	}
	p.lastFailure = now
}

// RecordSuccess notifies the adaptive policy of an intermittent success,
// moderating the effective multiplier back towards the configured base
// (never below it).
func (p *Policy) RecordSuccess() {
	if !p.Adaptive {
		return
	}
	p.curMultiplier = math.Max(p.curMultiplier*0.75, p.baseMultiplier)
}

// Reset restores the policy to its freshly-constructed state, including
// the adaptive multiplier.
func (p *Policy) Reset() {
	p.curMultiplier = p.baseMultiplier
	p.lastFailure = time.Time{}
}
