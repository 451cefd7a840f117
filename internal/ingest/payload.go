// Package ingest turns wire payloads from helmet nodes into core samples.
// Every source normalises acceleration to m/s² before submitting.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crash-sentry/internal/calc"
	"crash-sentry/internal/detector"
)

// ErrBadPayload marks a message that cannot be decoded into a sample.
var ErrBadPayload = errors.New("ingest: bad payload")

// Sink receives normalised samples in arrival order per device.
type Sink interface {
	SubmitSample(ctx context.Context, s detector.SensorSample) error
	SubmitGPS(ctx context.Context, deviceID string, g detector.GPSSample) error
}

// AccelUnit is the acceleration unit a source reports in.
type AccelUnit string

const (
	UnitMetersPerSecond2 AccelUnit = "mps2"
	UnitG                AccelUnit = "g"
)

// ParseAccelUnit validates a configured unit.
func ParseAccelUnit(s string) (AccelUnit, error) {
	switch AccelUnit(strings.ToLower(strings.TrimSpace(s))) {
	case UnitMetersPerSecond2, "":
		return UnitMetersPerSecond2, nil
	case UnitG:
		return UnitG, nil
	default:
		return "", fmt.Errorf("unknown acceleration unit %q (want mps2 or g)", s)
	}
}

func (u AccelUnit) normalize(v float64) float64 {
	if u == UnitG {
		return calc.ToMetersPerSecond2(v)
	}
	return v
}

// Timestamp accepts an ISO-8601 string or epoch milliseconds.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", data, err)
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// ParseTimestamp parses RFC 3339 (with or without zone) or epoch milliseconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

type sensorPayload struct {
	DeviceID     string    `json:"device_id"`
	AX           *float64  `json:"ax"`
	AY           *float64  `json:"ay"`
	AZ           *float64  `json:"az"`
	Roll         float64   `json:"roll"`
	Pitch        float64   `json:"pitch"`
	TiltDetected bool      `json:"tilt_detected"`
	Timestamp    Timestamp `json:"timestamp"`
}

type gpsPayload struct {
	DeviceID    string    `json:"device_id"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
	Altitude    *float64  `json:"altitude"`
	Accuracy    *float64  `json:"accuracy"`
	Speed       *float64  `json:"speed"`
	SpeedChange *float64  `json:"speed_change"`
	Timestamp   Timestamp `json:"timestamp"`
}

// DecodeSensor parses a sensor JSON message. deviceID, when non-empty,
// overrides the payload's device_id. now stamps messages that carry none.
func DecodeSensor(data []byte, deviceID string, unit AccelUnit, now time.Time) (detector.SensorSample, error) {
	var p sensorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return detector.SensorSample{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.AX == nil || p.AY == nil || p.AZ == nil {
		return detector.SensorSample{}, fmt.Errorf("%w: ax, ay and az are required", ErrBadPayload)
	}
	if deviceID == "" {
		deviceID = p.DeviceID
	}
	if deviceID == "" {
		return detector.SensorSample{}, fmt.Errorf("%w: device id missing", ErrBadPayload)
	}
	ts := p.Timestamp.Time
	if ts.IsZero() {
		ts = now.UTC()
	}
	return detector.SensorSample{
		DeviceID:     deviceID,
		AX:           unit.normalize(*p.AX),
		AY:           unit.normalize(*p.AY),
		AZ:           unit.normalize(*p.AZ),
		Roll:         p.Roll,
		Pitch:        p.Pitch,
		TiltDetected: p.TiltDetected,
		Timestamp:    ts,
	}, nil
}

// DecodeGPS parses a GPS JSON message.
func DecodeGPS(data []byte, deviceID string, now time.Time) (string, detector.GPSSample, error) {
	var p gpsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", detector.GPSSample{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.Latitude == nil || p.Longitude == nil {
		return "", detector.GPSSample{}, fmt.Errorf("%w: latitude and longitude are required", ErrBadPayload)
	}
	if *p.Latitude < -90 || *p.Latitude > 90 || *p.Longitude < -180 || *p.Longitude > 180 {
		return "", detector.GPSSample{}, fmt.Errorf("%w: coordinates out of range", ErrBadPayload)
	}
	if deviceID == "" {
		deviceID = p.DeviceID
	}
	if deviceID == "" {
		return "", detector.GPSSample{}, fmt.Errorf("%w: device id missing", ErrBadPayload)
	}
	ts := p.Timestamp.Time
	if ts.IsZero() {
		ts = now.UTC()
	}
	return deviceID, detector.GPSSample{
		Latitude:    *p.Latitude,
		Longitude:   *p.Longitude,
		Altitude:    p.Altitude,
		Accuracy:    p.Accuracy,
		Speed:       p.Speed,
		SpeedChange: p.SpeedChange,
		Timestamp:   ts,
	}, nil
}
