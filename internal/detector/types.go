package detector

import (
	"errors"
	"fmt"
	"time"

	"crash-sentry/internal/calc"
)

// ErrMalformedSample is returned for readings that must not enter the trigger history.
var ErrMalformedSample = errors.New("detector: malformed sample")

// SensorSample is one fused reading from the helmet node. Acceleration is m/s².
type SensorSample struct {
	DeviceID     string    `json:"device_id"`
	AX           float64   `json:"ax"`
	AY           float64   `json:"ay"`
	AZ           float64   `json:"az"`
	Roll         float64   `json:"roll"`
	Pitch        float64   `json:"pitch"`
	TiltDetected bool      `json:"tilt_detected"`
	Timestamp    time.Time `json:"timestamp"`
}

// GPSSample is an optional position fix paired with a sensor sample.
type GPSSample struct {
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Altitude    *float64  `json:"altitude,omitempty"`
	Accuracy    *float64  `json:"accuracy,omitempty"`
	Speed       *float64  `json:"speed,omitempty"`
	SpeedChange *float64  `json:"speed_change,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Fix projects the sample onto the calculator's position type.
func (g GPSSample) Fix() calc.Fix {
	return calc.Fix{Latitude: g.Latitude, Longitude: g.Longitude, Timestamp: g.Timestamp}
}

// TriggerType classifies which condition fired on a sample.
type TriggerType string

const (
	TriggerNone        TriggerType = "none"
	TriggerGForce      TriggerType = "g_force"
	TriggerTilt        TriggerType = "tilt"
	TriggerBoth        TriggerType = "both"
	TriggerSpeedChange TriggerType = "speed_change"
)

// Severity is derived from per-sample magnitudes.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity accepts the lowercase wire representation.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Tilt holds orientation angles in degrees.
type Tilt struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
}

// Result is the detector output for one evaluated sample. Severity is computed
// from the raw sample regardless of Triggered; act on it only when Triggered.
type Result struct {
	Triggered   bool        `json:"is_triggered"`
	TriggerType TriggerType `json:"trigger_type"`
	Severity    Severity    `json:"severity"`
	GForce      float64     `json:"g_force"`
	Tilt        Tilt        `json:"tilt"`
	SpeedChange *float64    `json:"speed_change,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

const (
	DefaultGForceThreshold      = 8.0
	DefaultTiltThreshold        = 90.0
	DefaultConsecutiveTriggers  = 2
	DefaultSpeedChangeThreshold = -10.0
	DefaultMinAlertInterval     = 15 * time.Second
	// DefaultMaxAbsAccel is the MPU6050 ±16 g full-scale range in m/s².
	DefaultMaxAbsAccel = 16 * calc.StandardGravity

	MinAlertIntervalLowerBound = 10 * time.Second
	MinAlertIntervalUpperBound = 60 * time.Second
)

// ThresholdConfig tunes the detector and the escalation gate.
type ThresholdConfig struct {
	// GForceThreshold in g; default 8.0.
	GForceThreshold float64
	// TiltThreshold in degrees applied to |roll| and |pitch|; default 90.
	TiltThreshold float64
	// ConsecutiveTriggers is the hysteresis window N; default 2.
	ConsecutiveTriggers int
	// SpeedChangeThreshold in m/s², negative; default -10.
	SpeedChangeThreshold float64
	// SpeedChangeEnabled turns on the GPS deceleration trigger.
	SpeedChangeEnabled bool
	// MaxAbsAccel bounds each axis in m/s²; larger readings are malformed.
	MaxAbsAccel float64
	// MinAlertInterval is the gate's re-alert interval, within [10s, 60s]; default 15s.
	MinAlertInterval time.Duration
}

// DefaultThresholdConfig returns the documented defaults.
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		GForceThreshold:      DefaultGForceThreshold,
		TiltThreshold:        DefaultTiltThreshold,
		ConsecutiveTriggers:  DefaultConsecutiveTriggers,
		SpeedChangeThreshold: DefaultSpeedChangeThreshold,
		MaxAbsAccel:          DefaultMaxAbsAccel,
		MinAlertInterval:     DefaultMinAlertInterval,
	}
}

// Validate rejects out-of-range values instead of clamping them.
func (c ThresholdConfig) Validate() error {
	if !(c.GForceThreshold > 0) {
		return fmt.Errorf("g-force threshold must be greater than zero, got %v", c.GForceThreshold)
	}
	if !(c.TiltThreshold > 0) {
		return fmt.Errorf("tilt threshold must be greater than zero, got %v", c.TiltThreshold)
	}
	if c.ConsecutiveTriggers < 1 {
		return fmt.Errorf("consecutive triggers must be at least 1, got %d", c.ConsecutiveTriggers)
	}
	if c.SpeedChangeEnabled && !(c.SpeedChangeThreshold < 0) {
		return fmt.Errorf("speed change threshold must be negative, got %v", c.SpeedChangeThreshold)
	}
	if !(c.MaxAbsAccel > 0) {
		return fmt.Errorf("max abs acceleration must be greater than zero, got %v", c.MaxAbsAccel)
	}
	if c.MinAlertInterval < MinAlertIntervalLowerBound || c.MinAlertInterval > MinAlertIntervalUpperBound {
		return fmt.Errorf("min alert interval must be within [%s, %s], got %s",
			MinAlertIntervalLowerBound, MinAlertIntervalUpperBound, c.MinAlertInterval)
	}
	return nil
}
