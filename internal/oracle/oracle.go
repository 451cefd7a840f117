// Package oracle defines the contract with the remote crash-confirmation
// service and ships two clients for it.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crash-sentry/internal/detector"
)

var (
	// ErrMalformedVerdict marks a response that does not satisfy the verdict contract.
	ErrMalformedVerdict = errors.New("oracle: malformed verdict")
	// ErrUnavailable marks a transport or upstream failure.
	ErrUnavailable = errors.New("oracle: unavailable")
)

// Oracle confirms or rejects a locally detected crash candidate.
type Oracle interface {
	Confirm(ctx context.Context, req Request) (Verdict, error)
}

// Request is the escalation payload.
type Request struct {
	DeviceID        string                  `json:"device_id"`
	CurrentSample   detector.SensorSample   `json:"current_sample"`
	ThresholdResult detector.Result         `json:"threshold_result"`
	GPSSample       *detector.GPSSample     `json:"gps_sample"`
	ContextWindow   []detector.SensorSample `json:"context_window"`
	PriorVerdicts   []PriorVerdict          `json:"prior_verdicts"`
	ContextSeconds  int                     `json:"context_seconds"`
}

// PriorVerdict summarises an earlier confirmation for the same device.
type PriorVerdict struct {
	IsCrash    bool              `json:"is_confirmed_crash"`
	Confidence float64           `json:"confidence_score"`
	Severity   detector.Severity `json:"severity"`
	CrashType  string            `json:"crash_type"`
	MaxGForce  float64           `json:"max_g_force"`
	Timestamp  time.Time         `json:"crash_timestamp"`
}

// Verdict is the oracle's answer.
type Verdict struct {
	IsCrash           bool              `json:"is_crash"`
	Confidence        float64           `json:"confidence"`
	Severity          detector.Severity `json:"severity"`
	CrashType         string            `json:"crash_type"`
	Reasoning         string            `json:"reasoning"`
	KeyIndicators     []string          `json:"key_indicators"`
	FalsePositiveRisk float64           `json:"false_positive_risk"`
}

type rawVerdict struct {
	IsCrash           *bool    `json:"is_crash"`
	Confidence        *float64 `json:"confidence"`
	Severity          string   `json:"severity"`
	CrashType         string   `json:"crash_type"`
	Reasoning         string   `json:"reasoning"`
	KeyIndicators     []string `json:"key_indicators"`
	FalsePositiveRisk *float64 `json:"false_positive_risk"`
}

// DecodeVerdict parses and validates a verdict document.
func DecodeVerdict(payload []byte) (Verdict, error) {
	var raw rawVerdict
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	if raw.IsCrash == nil {
		return Verdict{}, fmt.Errorf("%w: is_crash missing", ErrMalformedVerdict)
	}
	if raw.Confidence == nil || *raw.Confidence < 0 || *raw.Confidence > 1 {
		return Verdict{}, fmt.Errorf("%w: confidence must be within [0,1]", ErrMalformedVerdict)
	}

	risk := 0.5
	if raw.FalsePositiveRisk != nil {
		risk = *raw.FalsePositiveRisk
	}
	if risk < 0 || risk > 1 {
		return Verdict{}, fmt.Errorf("%w: false_positive_risk must be within [0,1]", ErrMalformedVerdict)
	}

	severity, err := detector.ParseSeverity(strings.ToLower(strings.TrimSpace(raw.Severity)))
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}

	crashType := raw.CrashType
	if crashType == "" {
		crashType = "unknown"
	}
	indicators := raw.KeyIndicators
	if indicators == nil {
		indicators = []string{}
	}

	return Verdict{
		IsCrash:           *raw.IsCrash,
		Confidence:        *raw.Confidence,
		Severity:          severity,
		CrashType:         crashType,
		Reasoning:         raw.Reasoning,
		KeyIndicators:     indicators,
		FalsePositiveRisk: risk,
	}, nil
}

// stripCodeFence removes a surrounding ```json ... ``` block if present.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```json"); idx >= 0 {
		text = text[idx+len("```json"):]
	} else if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
	} else {
		return text
	}
	if end := strings.Index(text, "```"); end >= 0 {
		text = text[:end]
	}
	return strings.TrimSpace(text)
}
