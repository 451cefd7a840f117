package session

import (
	"time"

	"crash-sentry/internal/calc"
	"crash-sentry/internal/detector"
)

const (
	defaultGPSRetention = 60 * time.Second
	// MaxSpeedLookback is the span scanned for the peak speed before a crash.
	MaxSpeedLookback = 30 * time.Second
)

// GPSTracker keeps the device's recent fixes, fills in speed and speed change
// when the receiver does not report them, and pairs fixes with sensor samples.
type GPSTracker struct {
	maxSkew   time.Duration
	retention time.Duration
	fixes     []detector.GPSSample
}

// NewGPSTracker creates a tracker pairing fixes within maxSkew of a sample.
func NewGPSTracker(maxSkew time.Duration) *GPSTracker {
	retention := defaultGPSRetention
	if maxSkew > retention {
		retention = maxSkew
	}
	return &GPSTracker{maxSkew: maxSkew, retention: retention}
}

// Update records a fix and returns it with derived fields filled in.
// Out-of-order fixes are dropped and reported with ok=false.
func (t *GPSTracker) Update(g detector.GPSSample) (detector.GPSSample, bool) {
	if n := len(t.fixes); n > 0 {
		prev := t.fixes[n-1]
		dt := g.Timestamp.Sub(prev.Timestamp)
		if dt <= 0 {
			return g, false
		}
		if g.Speed == nil {
			pf := prev.Fix()
			if v, ok := calc.Speed(g.Fix(), &pf, dt); ok {
				g.Speed = &v
			}
		}
		if g.SpeedChange == nil && g.Speed != nil && prev.Speed != nil {
			if v, ok := calc.SpeedChange(*g.Speed, *prev.Speed, dt); ok {
				g.SpeedChange = &v
			}
		}
	}

	t.fixes = append(t.fixes, g)
	cutoff := g.Timestamp.Add(-t.retention)
	i := 0
	for i < len(t.fixes) && t.fixes[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.fixes = append(t.fixes[:0], t.fixes[i:]...)
	}
	return g, true
}

// Nearest returns the fix closest to ts, or nil when none is within maxSkew.
func (t *GPSTracker) Nearest(ts time.Time) *detector.GPSSample {
	var best *detector.GPSSample
	bestGap := t.maxSkew + 1
	for i := range t.fixes {
		gap := t.fixes[i].Timestamp.Sub(ts)
		if gap < 0 {
			gap = -gap
		}
		if gap <= t.maxSkew && gap < bestGap {
			bestGap = gap
			best = &t.fixes[i]
		}
	}
	if best == nil {
		return nil
	}
	fix := *best
	return &fix
}

// MaxSpeed returns the highest reported speed in [ts-span, ts].
func (t *GPSTracker) MaxSpeed(ts time.Time, span time.Duration) *float64 {
	from := ts.Add(-span)
	var peak *float64
	for _, f := range t.fixes {
		if f.Speed == nil || f.Timestamp.Before(from) || f.Timestamp.After(ts) {
			continue
		}
		if peak == nil || *f.Speed > *peak {
			v := *f.Speed
			peak = &v
		}
	}
	return peak
}

// Len returns the number of retained fixes.
func (t *GPSTracker) Len() int { return len(t.fixes) }
