// Package detector implements the per-device threshold state machine that
// turns a stream of helmet readings into confirmed crash triggers.
package detector

import (
	"fmt"
	"math"
	"sync"

	"crash-sentry/internal/calc"
)

const (
	highSeverityGForce   = 15.0
	mediumSeverityGForce = 12.0
)

// Detector evaluates one sample at a time against ThresholdConfig and keeps
// the consecutive-trigger history. One instance per device.
type Detector struct {
	cfg ThresholdConfig

	mu      sync.Mutex
	history *TriggerHistory
}

// New validates cfg and constructs a Detector.
func New(cfg ThresholdConfig) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid threshold config: %w", err)
	}
	return &Detector{cfg: cfg, history: NewTriggerHistory(cfg.ConsecutiveTriggers)}, nil
}

// Config returns the detector's thresholds.
func (d *Detector) Config() ThresholdConfig {
	return d.cfg
}

// Evaluate classifies one sample. gps may be nil. A malformed sample returns
// ErrMalformedSample and leaves the history untouched.
func (d *Detector) Evaluate(sample SensorSample, gps *GPSSample) (Result, error) {
	if err := d.check(sample); err != nil {
		return Result{}, err
	}

	gForce := calc.GForce(sample.AX, sample.AY, sample.AZ)
	roll, pitch := calc.Tilt(sample.AX, sample.AY, sample.AZ)

	gExceeded := gForce >= d.cfg.GForceThreshold
	tiltExceeded := math.Abs(roll) >= d.cfg.TiltThreshold || math.Abs(pitch) >= d.cfg.TiltThreshold

	var speedChange *float64
	decelExceeded := false
	if gps != nil && gps.SpeedChange != nil && calc.Finite(*gps.SpeedChange) {
		v := *gps.SpeedChange
		speedChange = &v
		decelExceeded = d.cfg.SpeedChangeEnabled && v <= d.cfg.SpeedChangeThreshold
	}

	raw := gExceeded || tiltExceeded || decelExceeded

	d.mu.Lock()
	d.history.Push(raw)
	confirmed := d.history.AllTrue()
	d.mu.Unlock()

	return Result{
		Triggered:   confirmed,
		TriggerType: classifyTrigger(gExceeded, tiltExceeded, decelExceeded),
		Severity:    classifySeverity(gForce, gExceeded, tiltExceeded, decelExceeded),
		GForce:      gForce,
		Tilt:        Tilt{Roll: roll, Pitch: pitch},
		SpeedChange: speedChange,
		Timestamp:   sample.Timestamp,
	}, nil
}

// Reset clears the trigger history. Called after every escalation decision.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.history.Reset()
	d.mu.Unlock()
}

// History returns a snapshot of the trigger history, oldest first.
func (d *Detector) History() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.Slice()
}

func (d *Detector) check(sample SensorSample) error {
	if !calc.Finite(sample.AX, sample.AY, sample.AZ) {
		return fmt.Errorf("%w: non-finite acceleration (%v, %v, %v)", ErrMalformedSample, sample.AX, sample.AY, sample.AZ)
	}
	limit := d.cfg.MaxAbsAccel
	if math.Abs(sample.AX) > limit || math.Abs(sample.AY) > limit || math.Abs(sample.AZ) > limit {
		return fmt.Errorf("%w: acceleration outside ±%.2f m/s² (%v, %v, %v)", ErrMalformedSample, limit, sample.AX, sample.AY, sample.AZ)
	}
	if sample.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedSample)
	}
	return nil
}

func classifyTrigger(g, tilt, decel bool) TriggerType {
	switch {
	case g && tilt:
		return TriggerBoth
	case g:
		return TriggerGForce
	case tilt:
		return TriggerTilt
	case decel:
		return TriggerSpeedChange
	default:
		return TriggerNone
	}
}

func classifySeverity(gForce float64, g, tilt, decel bool) Severity {
	switch {
	case gForce >= highSeverityGForce || (g && tilt):
		return SeverityHigh
	case gForce >= mediumSeverityGForce || g || tilt || decel:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
