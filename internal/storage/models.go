package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reading is one accepted sensor sample with the GPS fix paired to it.
type Reading struct {
	ID           int64
	DeviceID     string
	Timestamp    time.Time
	AX           float64
	AY           float64
	AZ           float64
	Roll         float64
	Pitch        float64
	TiltDetected bool
	GForce       float64
	Triggered    bool
	Latitude     *decimal.Decimal
	Longitude    *decimal.Decimal
	Altitude     *float64
	Accuracy     *float64
	Speed        *float64
	SpeedChange  *float64
	CreatedAt    time.Time
}

// Feedback values accepted from riders.
const (
	FeedbackTruePositive  = "true_positive"
	FeedbackFalsePositive = "false_positive"
)

// Event states mirror the escalation outcome that produced the row.
const (
	EventConfirmed = "confirmed"
	EventFailed    = "failed"
)

// CrashEvent is a persisted escalation outcome: a confirmed crash or an
// inconclusive (failed) confirmation.
type CrashEvent struct {
	ID                 int64
	AttemptID          string
	DeviceID           string
	CrashTimestamp     time.Time
	State              string
	IsConfirmedCrash   bool
	ConfidenceScore    *float64
	Severity           string
	CrashType          string
	TriggerType        string
	AIReasoning        string
	KeyIndicators      []string
	FalsePositiveRisk  *float64
	MaxGForce          float64
	ImpactAcceleration float64
	FinalTilt          float64
	Latitude           *decimal.Decimal
	Longitude          *decimal.Decimal
	Altitude           *float64
	GPSAccuracy        *float64
	Speed              *float64
	SpeedChange        *float64
	MaxSpeedBefore     *float64
	ContextSeconds     int
	Error              *string
	AlertSent          bool
	UserFeedback       *string
	UserComments       *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EventFilter narrows ListCrashEvents.
type EventFilter struct {
	DeviceID string
	Limit    int
	Offset   int
}

// Feedback is a rider's assessment of a crash event.
type Feedback struct {
	Verdict  string
	Comments string
}

// Valid reports whether the verdict is one of the accepted values.
func (f Feedback) Valid() bool {
	return f.Verdict == FeedbackTruePositive || f.Verdict == FeedbackFalsePositive
}
