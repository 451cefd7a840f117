package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"crash-sentry/internal/detector"
	"crash-sentry/internal/oracle"
	"crash-sentry/internal/orchestrator"
)

func testOutcome(state orchestrator.State) orchestrator.Outcome {
	ts := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	speed, accuracy := 14.2, 4.5
	out := orchestrator.Outcome{
		ID:    "attempt-1",
		State: state,
		Escalation: orchestrator.Escalation{
			DeviceID: "helmet-1",
			Sample:   detector.SensorSample{DeviceID: "helmet-1", AX: 30, AY: 40, AZ: 0, Timestamp: ts},
			Result: detector.Result{
				Triggered:   true,
				TriggerType: detector.TriggerBoth,
				Severity:    detector.SeverityHigh,
				GForce:      50 / 9.81,
				Tilt:        detector.Tilt{Roll: 90, Pitch: -36.87},
			},
			GPS: &detector.GPSSample{Latitude: 41.0082376, Longitude: 28.97835849, Speed: &speed, Accuracy: &accuracy, Timestamp: ts},
			Context: []detector.SensorSample{
				{AZ: 9.81, Timestamp: ts.Add(-90 * time.Second)},
				{AX: 60, AY: 60, AZ: 60, Timestamp: ts.Add(-100 * time.Second)},
				{AX: 40, AY: 40, AZ: 40, Timestamp: ts.Add(-10 * time.Second)},
			},
		},
		ContextSeconds: 45,
	}
	if state == orchestrator.Confirmed || state == orchestrator.Rejected {
		out.Verdict = &oracle.Verdict{IsCrash: state == orchestrator.Confirmed, Confidence: 0.93, Severity: detector.SeverityHigh, CrashType: "side_impact", Reasoning: "spike", KeyIndicators: []string{"g"}, FalsePositiveRisk: 0.05}
	}
	return out
}

func TestEventFromConfirmedOutcome(t *testing.T) {
	ev, ok := EventFromOutcome(testOutcome(orchestrator.Confirmed))
	if !ok {
		t.Fatal("confirmed outcome should map to an event")
	}
	if ev.State != EventConfirmed || !ev.IsConfirmedCrash {
		t.Fatalf("unexpected state %s", ev.State)
	}
	if ev.ConfidenceScore == nil || *ev.ConfidenceScore != 0.93 {
		t.Fatal("confidence not carried over")
	}
	if ev.ImpactAcceleration != 50 {
		t.Fatalf("impact acceleration = %v, want 50", ev.ImpactAcceleration)
	}
	if ev.FinalTilt != 90 {
		t.Fatalf("final tilt = %v, want 90", ev.FinalTilt)
	}
	// 只统计 45 秒窗口内的读数：-10s 的 69.28/9.81 ≈ 7.06g
	if ev.MaxGForce < 7.0 || ev.MaxGForce > 7.1 {
		t.Fatalf("max g-force = %v, want ~7.06", ev.MaxGForce)
	}
	if ev.Latitude == nil || ev.Latitude.String() != "41.0082376" {
		t.Fatalf("latitude = %v", ev.Latitude)
	}
	if ev.Speed == nil || *ev.Speed != 14.2 {
		t.Fatal("speed not carried over")
	}
}

func TestEventFromFailedOutcome(t *testing.T) {
	out := testOutcome(orchestrator.Failed)
	out.Err = errors.New("oracle timed out")
	ev, ok := EventFromOutcome(out)
	if !ok {
		t.Fatal("failed outcome should map to an event")
	}
	if ev.State != EventFailed || ev.IsConfirmedCrash {
		t.Fatal("failed outcome must not look like a confirmed crash")
	}
	if ev.ConfidenceScore != nil {
		t.Fatal("failed outcome has no confidence")
	}
	if ev.Severity != string(detector.SeverityHigh) || ev.CrashType != "inconclusive" {
		t.Fatalf("unexpected severity/type %s/%s", ev.Severity, ev.CrashType)
	}
	if ev.Error == nil || *ev.Error != "oracle timed out" {
		t.Fatal("error text not recorded")
	}
}

func TestEventFromRejectedOutcome(t *testing.T) {
	if _, ok := EventFromOutcome(testOutcome(orchestrator.Rejected)); ok {
		t.Fatal("rejected outcome should not be persisted")
	}
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	ctx := context.Background()
	if err := s.RecordOutcome(ctx, testOutcome(orchestrator.Confirmed)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := s.RecordOutcome(ctx, testOutcome(orchestrator.Rejected)); err != nil {
		t.Fatalf("rejected outcome should be skipped before touching the pool: %v", err)
	}
	if _, err := s.ListCrashEvents(ctx, EventFilter{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := s.SubmitFeedback(ctx, 1, Feedback{Verdict: "maybe"}); !errors.Is(err, ErrInvalidFeedback) {
		t.Fatalf("expected ErrInvalidFeedback, got %v", err)
	}
}
