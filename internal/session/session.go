// Package session owns everything that belongs to one device: its detector,
// escalation gate, recent sample window and GPS track.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"crash-sentry/internal/detector"
	"crash-sentry/internal/escalation"
	"crash-sentry/internal/orchestrator"
)

const (
	defaultWindowSpan = 180 * time.Second
	defaultGPSMaxSkew = 5 * time.Second
)

// Escalator runs an admitted escalation to completion.
type Escalator interface {
	Escalate(ctx context.Context, esc orchestrator.Escalation, ticket *escalation.Ticket, interval time.Duration) orchestrator.Outcome
}

// Options configure a Session.
type Options struct {
	Thresholds detector.ThresholdConfig
	// WindowSpan bounds the retained context; use the lookback cap.
	WindowSpan time.Duration
	GPSMaxSkew time.Duration
	// SampleClock drives the gate from sample timestamps instead of the wall
	// clock, for replaying recorded sessions.
	SampleClock bool
	// Inline runs escalations on the calling goroutine.
	Inline bool
	// OnAccepted observes every sample that passed validation, with the GPS
	// fix paired to it.
	OnAccepted func(detector.SensorSample, detector.Result, *detector.GPSSample)
	// OnOutcome observes every finished escalation.
	OnOutcome func(orchestrator.Outcome)
	Now       func() time.Time
}

// Session is driven by exactly one goroutine; escalations run on their own.
type Session struct {
	deviceID  string
	opts      Options
	det       *detector.Detector
	gate      *escalation.Gate
	escalator Escalator
	logger    zerolog.Logger

	window sampleWindow
	gps    *GPSTracker

	sampleTime atomic.Int64
	now        func() time.Time
	wg         sync.WaitGroup

	mu       sync.Mutex
	lastSeen time.Time
}

// New builds a session. The gate's release hook resets the detector.
func New(deviceID string, opts Options, escalator Escalator, logger zerolog.Logger) (*Session, error) {
	if deviceID == "" {
		return nil, errors.New("device id is required")
	}
	if escalator == nil {
		return nil, errors.New("escalator is required")
	}
	det, err := detector.New(opts.Thresholds)
	if err != nil {
		return nil, err
	}
	if opts.WindowSpan <= 0 {
		opts.WindowSpan = defaultWindowSpan
	}
	if opts.GPSMaxSkew <= 0 {
		opts.GPSMaxSkew = defaultGPSMaxSkew
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Session{
		deviceID:  deviceID,
		opts:      opts,
		det:       det,
		escalator: escalator,
		logger:    logger.With().Str("component", "session").Str("device_id", deviceID).Logger(),
		window:    sampleWindow{span: opts.WindowSpan},
		gps:       NewGPSTracker(opts.GPSMaxSkew),
		now:       now,
	}

	gateNow := now
	if opts.SampleClock {
		gateNow = s.currentSampleTime
	}
	s.gate = escalation.NewGate(escalation.Options{
		MinInterval: opts.Thresholds.MinAlertInterval,
		OnRelease:   det.Reset,
		Now:         gateNow,
	}, s.logger)
	return s, nil
}

// DeviceID returns the owning device.
func (s *Session) DeviceID() string { return s.deviceID }

// HandleGPS records a fix for pairing with later samples.
func (s *Session) HandleGPS(g detector.GPSSample) {
	s.touch()
	if _, ok := s.gps.Update(g); !ok {
		s.logger.Debug().Time("timestamp", g.Timestamp).Msg("drop out-of-order gps fix")
	}
}

// HandleSample evaluates one sample and escalates when the detector confirms
// a trigger and the gate admits it. Malformed samples are logged and returned
// as errors; they never reach the trigger history.
func (s *Session) HandleSample(ctx context.Context, sample detector.SensorSample) (detector.Result, error) {
	s.touch()
	gps := s.gps.Nearest(sample.Timestamp)

	res, err := s.det.Evaluate(sample, gps)
	if err != nil {
		s.logger.Warn().Err(err).Time("timestamp", sample.Timestamp).Msg("rejected sample")
		return detector.Result{}, fmt.Errorf("evaluate sample: %w", err)
	}
	if ts := sample.Timestamp.UnixNano(); ts > s.sampleTime.Load() {
		s.sampleTime.Store(ts)
	}
	s.window.add(sample)
	if s.opts.OnAccepted != nil {
		s.opts.OnAccepted(sample, res, gps)
	}

	if !res.Triggered {
		return res, nil
	}

	ticket, decision := s.gate.TryAdmit()
	if !decision.Admitted() {
		s.logger.Debug().Str("decision", decision.String()).
			Str("trigger_type", string(res.TriggerType)).
			Float64("g_force", res.GForce).
			Msg("trigger not escalated")
		return res, nil
	}

	esc := orchestrator.Escalation{
		DeviceID:       s.deviceID,
		Sample:         sample,
		Result:         res,
		GPS:            gps,
		Context:        s.window.snapshot(),
		MaxSpeedBefore: s.gps.MaxSpeed(sample.Timestamp, MaxSpeedLookback),
	}

	run := func() {
		defer ticket.Release()
		out := s.escalator.Escalate(ctx, esc, ticket, s.gate.Interval())
		if s.opts.OnOutcome != nil {
			s.opts.OnOutcome(out)
		}
	}
	if s.opts.Inline {
		run()
		return res, nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run()
	}()
	return res, nil
}

// Wait blocks until every escalation started by this session has finished.
func (s *Session) Wait() { s.wg.Wait() }

// Idle reports whether the session has seen nothing for timeout and has no
// escalation in flight.
func (s *Session) Idle(timeout time.Duration) bool {
	if s.gate.Snapshot().InFlight {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastSeen) >= timeout
}

// GateState exposes the gate snapshot.
func (s *Session) GateState() escalation.State { return s.gate.Snapshot() }

// TriggerHistory exposes the detector history snapshot.
func (s *Session) TriggerHistory() []bool { return s.det.History() }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = s.now()
	s.mu.Unlock()
}

func (s *Session) currentSampleTime() time.Time {
	ns := s.sampleTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
