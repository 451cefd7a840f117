package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crash-sentry/internal/detector"
)

// ReplayColumns is the CSV header written by export and read by replay.
var ReplayColumns = []string{
	"device_id", "timestamp", "ax", "ay", "az", "roll", "pitch", "tilt_detected",
	"lat", "lon", "alt", "accuracy", "speed", "speed_change",
}

// ReplayStats summarises a replay run.
type ReplayStats struct {
	Rows     int
	Samples  int
	GPSFixes int
	Skipped  int
}

// ReplaySource feeds a recorded CSV session into a Sink. Rows carrying lat
// and lon submit a GPS fix before the sensor sample.
type ReplaySource struct {
	r      io.Reader
	sink   Sink
	unit   AccelUnit
	speed  float64
	logger zerolog.Logger
}

// NewReplaySource constructs a replay. speed > 0 paces rows by their
// timestamps divided by speed; zero replays as fast as the sink accepts.
func NewReplaySource(r io.Reader, sink Sink, unit AccelUnit, speed float64, logger zerolog.Logger) *ReplaySource {
	if unit == "" {
		unit = UnitMetersPerSecond2
	}
	return &ReplaySource{r: r, sink: sink, unit: unit, speed: speed, logger: logger.With().Str("component", "replay_source").Logger()}
}

// Run reads every row. Malformed rows are skipped and counted.
func (s *ReplaySource) Run(ctx context.Context) (ReplayStats, error) {
	var stats ReplayStats
	reader := csv.NewReader(s.r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return stats, fmt.Errorf("read csv header: %w", err)
	}
	idx, err := indexColumns(header)
	if err != nil {
		return stats, err
	}

	var prev time.Time
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read csv row %d: %w", stats.Rows+2, err)
		}
		stats.Rows++

		row, err := parseRow(record, idx, s.unit)
		if err != nil {
			stats.Skipped++
			s.logger.Warn().Err(err).Int("row", stats.Rows+1).Msg("skip replay row")
			continue
		}

		if s.speed > 0 && !prev.IsZero() {
			if gap := row.sample.Timestamp.Sub(prev); gap > 0 {
				timer := time.NewTimer(time.Duration(float64(gap) / s.speed))
				select {
				case <-ctx.Done():
					timer.Stop()
					return stats, ctx.Err()
				case <-timer.C:
				}
			}
		}
		prev = row.sample.Timestamp

		if row.gps != nil {
			if err := s.sink.SubmitGPS(ctx, row.sample.DeviceID, *row.gps); err != nil {
				return stats, fmt.Errorf("submit gps: %w", err)
			}
			stats.GPSFixes++
		}
		if err := s.sink.SubmitSample(ctx, row.sample); err != nil {
			return stats, fmt.Errorf("submit sample: %w", err)
		}
		stats.Samples++
	}
	return stats, nil
}

type replayRow struct {
	sample detector.SensorSample
	gps    *detector.GPSSample
}

func indexColumns(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"device_id", "timestamp", "ax", "ay", "az"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("csv header missing column %q", required)
		}
	}
	return idx, nil
}

func parseRow(record []string, idx map[string]int, unit AccelUnit) (replayRow, error) {
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	number := func(name string) (*float64, error) {
		raw := field(name)
		if raw == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		return &v, nil
	}

	deviceID := field("device_id")
	if deviceID == "" {
		return replayRow{}, errors.New("device_id is empty")
	}
	ts, err := ParseTimestamp(field("timestamp"))
	if err != nil {
		return replayRow{}, err
	}

	var accel [3]float64
	for i, name := range []string{"ax", "ay", "az"} {
		v, err := number(name)
		if err != nil {
			return replayRow{}, err
		}
		if v == nil {
			return replayRow{}, fmt.Errorf("column %s is empty", name)
		}
		accel[i] = unit.normalize(*v)
	}
	roll, err := number("roll")
	if err != nil {
		return replayRow{}, err
	}
	pitch, err := number("pitch")
	if err != nil {
		return replayRow{}, err
	}
	tilt := false
	if raw := field("tilt_detected"); raw != "" {
		if tilt, err = strconv.ParseBool(raw); err != nil {
			return replayRow{}, fmt.Errorf("column tilt_detected: %w", err)
		}
	}

	row := replayRow{sample: detector.SensorSample{
		DeviceID:     deviceID,
		AX:           accel[0],
		AY:           accel[1],
		AZ:           accel[2],
		TiltDetected: tilt,
		Timestamp:    ts,
	}}
	if roll != nil {
		row.sample.Roll = *roll
	}
	if pitch != nil {
		row.sample.Pitch = *pitch
	}

	lat, err := number("lat")
	if err != nil {
		return replayRow{}, err
	}
	lon, err := number("lon")
	if err != nil {
		return replayRow{}, err
	}
	if lat != nil && lon != nil {
		g := detector.GPSSample{Latitude: *lat, Longitude: *lon, Timestamp: ts}
		for name, dst := range map[string]**float64{"alt": &g.Altitude, "accuracy": &g.Accuracy, "speed": &g.Speed, "speed_change": &g.SpeedChange} {
			v, err := number(name)
			if err != nil {
				return replayRow{}, err
			}
			*dst = v
		}
		row.gps = &g
	}
	return row, nil
}
