package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"crash-sentry/internal/calc"
	"crash-sentry/internal/orchestrator"
)

// coordinateExponent keeps seven decimal places, about 1 cm.
const coordinateExponent = -7

// Coordinate converts a float degree value to the NUMERIC column form.
func Coordinate(v float64) *decimal.Decimal {
	d := decimal.NewFromFloatWithExponent(v, coordinateExponent)
	return &d
}

// EventFromOutcome maps a confirmed or failed escalation to a crash event.
// Rejected outcomes have no event.
func EventFromOutcome(out orchestrator.Outcome) (CrashEvent, bool) {
	esc := out.Escalation
	ev := CrashEvent{
		AttemptID:          out.ID,
		DeviceID:           esc.DeviceID,
		CrashTimestamp:     esc.Sample.Timestamp,
		TriggerType:        string(esc.Result.TriggerType),
		MaxGForce:          maxGForce(out),
		ImpactAcceleration: math.Sqrt(esc.Sample.AX*esc.Sample.AX + esc.Sample.AY*esc.Sample.AY + esc.Sample.AZ*esc.Sample.AZ),
		FinalTilt:          math.Max(math.Abs(esc.Result.Tilt.Roll), math.Abs(esc.Result.Tilt.Pitch)),
		MaxSpeedBefore:     esc.MaxSpeedBefore,
		ContextSeconds:     out.ContextSeconds,
	}

	switch out.State {
	case orchestrator.Confirmed:
		if out.Verdict == nil {
			return CrashEvent{}, false
		}
		v := out.Verdict
		ev.State = EventConfirmed
		ev.IsConfirmedCrash = true
		ev.ConfidenceScore = &v.Confidence
		ev.Severity = string(v.Severity)
		ev.CrashType = v.CrashType
		ev.AIReasoning = v.Reasoning
		ev.KeyIndicators = v.KeyIndicators
		ev.FalsePositiveRisk = &v.FalsePositiveRisk
	case orchestrator.Failed:
		ev.State = EventFailed
		ev.Severity = string(esc.Result.Severity)
		ev.CrashType = "inconclusive"
		ev.KeyIndicators = []string{}
		if out.Err != nil {
			msg := out.Err.Error()
			ev.Error = &msg
		}
	default:
		return CrashEvent{}, false
	}

	if g := esc.GPS; g != nil {
		ev.Latitude = Coordinate(g.Latitude)
		ev.Longitude = Coordinate(g.Longitude)
		ev.Altitude = g.Altitude
		ev.GPSAccuracy = g.Accuracy
		ev.Speed = g.Speed
		ev.SpeedChange = g.SpeedChange
	}
	return ev, true
}

func maxGForce(out orchestrator.Outcome) float64 {
	esc := out.Escalation
	peak := esc.Result.GForce
	cutoff := esc.Sample.Timestamp.Add(-time.Duration(out.ContextSeconds) * time.Second)
	for _, s := range esc.Context {
		if s.Timestamp.Before(cutoff) || s.Timestamp.After(esc.Sample.Timestamp) {
			continue
		}
		if g := calc.GForce(s.AX, s.AY, s.AZ); g > peak {
			peak = g
		}
	}
	return peak
}

// RecordOutcome persists a confirmed or failed outcome; rejected outcomes
// and duplicate attempts are ignored.
func (s *Store) RecordOutcome(ctx context.Context, out orchestrator.Outcome) error {
	ev, ok := EventFromOutcome(out)
	if !ok {
		return nil
	}
	if _, err := s.InsertCrashEvent(ctx, ev); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("record outcome %s: %w", out.ID, err)
	}
	return nil
}

var (
	_ orchestrator.Recorder    = (*Store)(nil)
	_ orchestrator.AlertMarker = (*Store)(nil)
)
