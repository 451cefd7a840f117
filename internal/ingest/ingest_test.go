package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crash-sentry/internal/detector"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []string
	samples []detector.SensorSample
	fixes   []detector.GPSSample
}

func (r *recordingSink) SubmitSample(_ context.Context, s detector.SensorSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "sample:"+s.DeviceID)
	r.samples = append(r.samples, s)
	return nil
}

func (r *recordingSink) SubmitGPS(_ context.Context, deviceID string, g detector.GPSSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "gps:"+deviceID)
	r.fixes = append(r.fixes, g)
	return nil
}

var fallback = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDecodeSensorTimestamps(t *testing.T) {
	iso, err := DecodeSensor([]byte(`{"ax":0,"ay":0,"az":9.81,"timestamp":"2025-03-01T08:00:00.250Z"}`), "helmet-1", UnitMetersPerSecond2, fallback)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 250_000_000, time.UTC), iso.Timestamp)

	epoch, err := DecodeSensor([]byte(`{"ax":0,"ay":0,"az":9.81,"timestamp":1740816000250}`), "helmet-1", UnitMetersPerSecond2, fallback)
	require.NoError(t, err)
	assert.True(t, epoch.Timestamp.Equal(iso.Timestamp))

	missing, err := DecodeSensor([]byte(`{"ax":0,"ay":0,"az":9.81}`), "helmet-1", UnitMetersPerSecond2, fallback)
	require.NoError(t, err)
	assert.Equal(t, fallback, missing.Timestamp)
}

func TestDecodeSensorConvertsGUnits(t *testing.T) {
	s, err := DecodeSensor([]byte(`{"device_id":"payload-id","ax":-1.5,"ay":0.25,"az":1,"tilt_detected":true}`), "", UnitG, fallback)
	require.NoError(t, err)
	assert.Equal(t, "payload-id", s.DeviceID)
	assert.InDelta(t, -14.715, s.AX, 1e-9)
	assert.InDelta(t, 2.4525, s.AY, 1e-9)
	assert.InDelta(t, 9.81, s.AZ, 1e-9)
	assert.True(t, s.TiltDetected)
}

func TestDecodeSensorRejects(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"ax":1,"ay":2}`,
		`{"ax":1,"ay":2,"az":3,"timestamp":"yesterday"}`,
		`{"ax":1,"ay":2,"az":3}`,
	} {
		_, err := DecodeSensor([]byte(payload), "", UnitG, fallback)
		assert.Error(t, err, payload)
	}
}

func TestDecodeGPS(t *testing.T) {
	id, g, err := DecodeGPS([]byte(`{"latitude":41.01,"longitude":28.97,"speed":12.5,"timestamp":1740816000000}`), "helmet-1", fallback)
	require.NoError(t, err)
	assert.Equal(t, "helmet-1", id)
	require.NotNil(t, g.Speed)
	assert.Equal(t, 12.5, *g.Speed)
	assert.Nil(t, g.SpeedChange)

	_, _, err = DecodeGPS([]byte(`{"latitude":141,"longitude":28.97}`), "helmet-1", fallback)
	assert.True(t, errors.Is(err, ErrBadPayload))
}

func TestParseAccelUnit(t *testing.T) {
	u, err := ParseAccelUnit("G")
	require.NoError(t, err)
	assert.Equal(t, UnitG, u)
	u, err = ParseAccelUnit("")
	require.NoError(t, err)
	assert.Equal(t, UnitMetersPerSecond2, u)
	_, err = ParseAccelUnit("ft/s2")
	assert.Error(t, err)
}

func TestMQTTHandleMessageRoutesByTopic(t *testing.T) {
	sink := &recordingSink{}
	src, err := NewMQTTSource(MQTTOptions{BrokerURL: "tcp://localhost:1883", TopicPrefix: "/helmets/", AccelUnit: UnitG}, sink, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	src.HandleMessage(ctx, "helmets/h-7/gps", []byte(`{"latitude":1,"longitude":2,"timestamp":"2025-03-01T08:00:00Z"}`))
	src.HandleMessage(ctx, "helmets/h-7/sensor", []byte(`{"device_id":"spoofed","ax":0,"ay":0,"az":1,"timestamp":"2025-03-01T08:00:00Z"}`))
	src.HandleMessage(ctx, "helmets/h-7/sensor", []byte(`garbage`))
	src.HandleMessage(ctx, "helmets/h-7/status", []byte(`{}`))
	src.HandleMessage(ctx, "other/h-7/sensor", []byte(`{"ax":0,"ay":0,"az":1}`))

	assert.Equal(t, []string{"gps:h-7", "sample:h-7"}, sink.events)
	assert.InDelta(t, 9.81, sink.samples[0].AZ, 1e-9)
}

func TestReplaySourceFeedsRowsInOrder(t *testing.T) {
	csvData := strings.Join([]string{
		strings.Join(ReplayColumns, ","),
		"helmet-1,2025-03-01T08:00:00Z,0,0,9.81,0,0,false,41.0,29.0,,5,12,",
		"helmet-1,2025-03-01T08:00:02Z,0,0,90,0,0,false,,,,,,",
		"helmet-1,not-a-time,0,0,90,0,0,false,,,,,,",
		"helmet-2,1740816004000,1,2,3,,,true,,,,,,",
	}, "\n")

	sink := &recordingSink{}
	stats, err := NewReplaySource(strings.NewReader(csvData), sink, UnitMetersPerSecond2, 0, zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReplayStats{Rows: 4, Samples: 3, GPSFixes: 1, Skipped: 1}, stats)
	assert.Equal(t, []string{"gps:helmet-1", "sample:helmet-1", "sample:helmet-1", "sample:helmet-2"}, sink.events)
	require.NotNil(t, sink.fixes[0].Accuracy)
	assert.Equal(t, 5.0, *sink.fixes[0].Accuracy)
	assert.Nil(t, sink.fixes[0].Altitude)
	assert.True(t, sink.samples[2].TiltDetected)
}

func TestReplaySourceRequiresHeader(t *testing.T) {
	_, err := NewReplaySource(strings.NewReader("device_id,ax\nx,1\n"), &recordingSink{}, "", 0, zerolog.Nop()).Run(context.Background())
	assert.Error(t, err)
}
