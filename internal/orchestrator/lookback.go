package orchestrator

import (
	"fmt"
	"time"

	"crash-sentry/internal/detector"
)

const priorVerdictStep = 20 * time.Second

// LookbackPolicy sizes the context window from the device's alert interval:
// lookback = min(Base + (interval-10s)*Scale, Cap).
type LookbackPolicy struct {
	Base  time.Duration
	Scale float64
	Cap   time.Duration
}

// DefaultLookbackPolicy returns base 30s, scale 3, cap 180s.
func DefaultLookbackPolicy() LookbackPolicy {
	return LookbackPolicy{Base: 30 * time.Second, Scale: 3, Cap: 180 * time.Second}
}

// Validate rejects non-positive parameters.
func (p LookbackPolicy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("lookback base must be positive, got %s", p.Base)
	}
	if !(p.Scale >= 0) {
		return fmt.Errorf("lookback scale must not be negative, got %v", p.Scale)
	}
	if p.Cap < p.Base {
		return fmt.Errorf("lookback cap %s must not be below base %s", p.Cap, p.Base)
	}
	return nil
}

// Lookback returns the context window length for an alert interval.
func (p LookbackPolicy) Lookback(interval time.Duration) time.Duration {
	extra := interval - detector.MinAlertIntervalLowerBound
	if extra < 0 {
		extra = 0
	}
	d := p.Base + time.Duration(float64(extra)*p.Scale)
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// PriorCount is how many earlier verdicts accompany a request: one per 20s of
// alert interval, at least one.
func PriorCount(interval time.Duration) int {
	n := int(interval / priorVerdictStep)
	if n < 1 {
		return 1
	}
	return n
}

// windowSince keeps the samples not older than cutoff, preserving order.
func windowSince(samples []detector.SensorSample, cutoff time.Time) []detector.SensorSample {
	out := make([]detector.SensorSample, 0, len(samples))
	for _, s := range samples {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, s)
	}
	return out
}
