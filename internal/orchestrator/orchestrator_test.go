package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crash-sentry/internal/detector"
	"crash-sentry/internal/escalation"
	"crash-sentry/internal/oracle"
)

type mockOracle struct{ mock.Mock }

func (m *mockOracle) Confirm(ctx context.Context, req oracle.Request) (oracle.Verdict, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(oracle.Verdict), args.Error(1)
}

type mockRecorder struct{ mock.Mock }

func (m *mockRecorder) RecordOutcome(ctx context.Context, out Outcome) error {
	return m.Called(ctx, out).Error(0)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Notify(ctx context.Context, out Outcome) error {
	return m.Called(ctx, out).Error(0)
}

// blockingOracle waits for the context to end.
type blockingOracle struct{}

func (blockingOracle) Confirm(ctx context.Context, _ oracle.Request) (oracle.Verdict, error) {
	<-ctx.Done()
	return oracle.Verdict{}, ctx.Err()
}

// stubbornOracle ignores its context and answers only once release is closed.
type stubbornOracle struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *stubbornOracle) Confirm(context.Context, oracle.Request) (oracle.Verdict, error) {
	s.calls.Add(1)
	<-s.release
	return oracle.Verdict{IsCrash: true, Confidence: 0.95, Severity: detector.SeverityHigh, CrashType: "late"}, nil
}

type panickingOracle struct{}

func (panickingOracle) Confirm(context.Context, oracle.Request) (oracle.Verdict, error) {
	panic("boom")
}

var base = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// fixture wires a real detector and gate the way a session does.
type fixture struct {
	det  *detector.Detector
	gate *escalation.Gate
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	det, err := detector.New(detector.DefaultThresholdConfig())
	require.NoError(t, err)
	gate := escalation.NewGate(escalation.Options{MinInterval: 15 * time.Second, OnRelease: det.Reset}, zerolog.Nop())
	return fixture{det: det, gate: gate}
}

// trigger drives two impact samples through the detector and admits them.
func (f fixture) trigger(t *testing.T) (Escalation, *escalation.Ticket) {
	t.Helper()
	var (
		sample detector.SensorSample
		res    detector.Result
		err    error
	)
	for i := 0; i < 2; i++ {
		sample = detector.SensorSample{DeviceID: "helmet-1", AZ: 90, Timestamp: base.Add(time.Duration(i) * 2 * time.Second)}
		res, err = f.det.Evaluate(sample, nil)
		require.NoError(t, err)
	}
	require.True(t, res.Triggered)
	require.NotEmpty(t, f.det.History())

	ticket, decision := f.gate.TryAdmit()
	require.True(t, decision.Admitted())
	return Escalation{DeviceID: "helmet-1", Sample: sample, Result: res}, ticket
}

func TestEscalateConfirmedRunsAllSinks(t *testing.T) {
	f := newFixture(t)
	esc, ticket := f.trigger(t)

	o := &mockOracle{}
	o.On("Confirm", mock.Anything, mock.Anything).
		Return(oracle.Verdict{IsCrash: true, Confidence: 0.9, Severity: detector.SeverityHigh, CrashType: "fall"}, nil).Once()
	rec := &mockRecorder{}
	rec.On("RecordOutcome", mock.Anything, mock.MatchedBy(func(out Outcome) bool { return out.State == Confirmed })).Return(nil).Once()
	notif := &mockNotifier{}
	notif.On("Notify", mock.Anything, mock.Anything).Return(nil).Once()
	hist := NewMemoryHistory(0)

	orch, err := New(Options{Oracle: o, History: hist, Recorder: rec, Notifier: notif}, zerolog.Nop())
	require.NoError(t, err)

	out := orch.Escalate(context.Background(), esc, ticket, f.gate.Interval())
	assert.Equal(t, Confirmed, out.State)
	require.NotNil(t, out.Verdict)
	assert.False(t, f.gate.Snapshot().InFlight)
	assert.Empty(t, f.det.History())

	prior, err := hist.Recent(context.Background(), "helmet-1", time.Time{}, 5)
	require.NoError(t, err)
	require.Len(t, prior, 1)
	assert.True(t, prior[0].IsCrash)

	o.AssertExpectations(t)
	rec.AssertExpectations(t)
	notif.AssertExpectations(t)
}

func TestEscalateRejectedSkipsRecorderAndNotifier(t *testing.T) {
	f := newFixture(t)
	esc, ticket := f.trigger(t)

	o := &mockOracle{}
	o.On("Confirm", mock.Anything, mock.Anything).
		Return(oracle.Verdict{IsCrash: false, Confidence: 0.8, Severity: detector.SeverityLow, CrashType: "false_positive"}, nil)
	rec := &mockRecorder{}
	notif := &mockNotifier{}

	orch, err := New(Options{Oracle: o, Recorder: rec, Notifier: notif}, zerolog.Nop())
	require.NoError(t, err)

	out := orch.Escalate(context.Background(), esc, ticket, f.gate.Interval())
	assert.Equal(t, Rejected, out.State)
	assert.False(t, out.Inconclusive())
	rec.AssertNotCalled(t, "RecordOutcome", mock.Anything, mock.Anything)
	notif.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestEscalateTimeoutReleasesGateAndResetsDetector(t *testing.T) {
	f := newFixture(t)
	esc, ticket := f.trigger(t)

	notif := &mockNotifier{}
	notif.On("Notify", mock.Anything, mock.MatchedBy(func(out Outcome) bool { return out.Inconclusive() })).Return(nil).Once()

	orch, err := New(Options{Oracle: blockingOracle{}, Notifier: notif, OracleTimeout: 30 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	out := orch.Escalate(context.Background(), esc, ticket, f.gate.Interval())
	assert.Equal(t, Failed, out.State)
	assert.Nil(t, out.Verdict)
	assert.ErrorIs(t, out.Err, ErrOracleTimeout)

	assert.False(t, f.gate.Snapshot().InFlight)
	assert.False(t, f.gate.Snapshot().LastEscalation.IsZero())
	assert.Empty(t, f.det.History())
	notif.AssertExpectations(t)
}

func TestEscalateAbandonsOracleIgnoringContext(t *testing.T) {
	f := newFixture(t)
	esc, ticket := f.trigger(t)

	o := &stubbornOracle{release: make(chan struct{})}
	hist := NewMemoryHistory(0)
	orch, err := New(Options{Oracle: o, History: hist, OracleTimeout: 50 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	started := time.Now()
	out := orch.Escalate(context.Background(), esc, ticket, f.gate.Interval())
	elapsed := time.Since(started)

	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, ErrOracleTimeout)
	assert.Nil(t, out.Verdict)
	assert.Less(t, elapsed, time.Second, "超时后不应继续等待 oracle")
	assert.False(t, f.gate.Snapshot().InFlight)
	assert.Empty(t, f.det.History())

	// 迟到的结论被丢弃，不会写入历史
	close(o.release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), o.calls.Load())
	prior, err := hist.Recent(context.Background(), "helmet-1", time.Time{}, 5)
	require.NoError(t, err)
	assert.Empty(t, prior)
}

func TestEscalateMalformedVerdictIsFailed(t *testing.T) {
	f := newFixture(t)
	esc, ticket := f.trigger(t)

	o := &mockOracle{}
	o.On("Confirm", mock.Anything, mock.Anything).Return(oracle.Verdict{}, oracle.ErrMalformedVerdict)
	hist := NewMemoryHistory(0)

	orch, err := New(Options{Oracle: o, History: hist}, zerolog.Nop())
	require.NoError(t, err)

	out := orch.Escalate(context.Background(), esc, ticket, f.gate.Interval())
	assert.Equal(t, Failed, out.State)
	assert.True(t, errors.Is(out.Err, oracle.ErrMalformedVerdict))
	assert.False(t, f.gate.Snapshot().InFlight)

	prior, _ := hist.Recent(context.Background(), "helmet-1", time.Time{}, 5)
	assert.Empty(t, prior, "failed cycles never become negative verdicts")
}

func TestEscalatePanicStillReleases(t *testing.T) {
	f := newFixture(t)
	esc, ticket := f.trigger(t)

	orch, err := New(Options{Oracle: panickingOracle{}}, zerolog.Nop())
	require.NoError(t, err)

	var out Outcome
	assert.NotPanics(t, func() { out = orch.Escalate(context.Background(), esc, ticket, f.gate.Interval()) })
	assert.Equal(t, Failed, out.State)
	assert.False(t, f.gate.Snapshot().InFlight)
	assert.Empty(t, f.det.History())
}

func TestEscalateSinkErrorsDoNotChangeOutcome(t *testing.T) {
	f := newFixture(t)
	esc, ticket := f.trigger(t)

	o := &mockOracle{}
	o.On("Confirm", mock.Anything, mock.Anything).
		Return(oracle.Verdict{IsCrash: true, Confidence: 0.7, Severity: detector.SeverityMedium}, nil)
	rec := &mockRecorder{}
	rec.On("RecordOutcome", mock.Anything, mock.Anything).Return(errors.New("db down"))
	notif := &mockNotifier{}
	notif.On("Notify", mock.Anything, mock.Anything).Return(errors.New("telegram down"))

	orch, err := New(Options{Oracle: o, Recorder: rec, Notifier: notif}, zerolog.Nop())
	require.NoError(t, err)

	out := orch.Escalate(context.Background(), esc, ticket, f.gate.Interval())
	assert.Equal(t, Confirmed, out.State)
	assert.False(t, f.gate.Snapshot().InFlight)
}

func TestEscalateBuildsBoundedRequest(t *testing.T) {
	f := newFixture(t)
	esc, ticket := f.trigger(t)

	// 60 samples at 2s spacing ending at the trigger sample: 120s of history.
	end := esc.Sample.Timestamp
	for i := 59; i >= 0; i-- {
		esc.Context = append(esc.Context, detector.SensorSample{DeviceID: "helmet-1", AZ: 9.81, Timestamp: end.Add(-time.Duration(i) * 2 * time.Second)})
	}

	hist := NewMemoryHistory(0)
	for i := 0; i < 3; i++ {
		require.NoError(t, hist.Record(context.Background(), "helmet-1", oracle.PriorVerdict{CrashType: "x", Timestamp: base.Add(-time.Duration(i) * time.Hour)}))
	}

	var captured oracle.Request
	o := &mockOracle{}
	o.On("Confirm", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(1).(oracle.Request) }).
		Return(oracle.Verdict{IsCrash: false, Confidence: 0.6, Severity: detector.SeverityLow}, nil)

	orch, err := New(Options{Oracle: o, History: hist}, zerolog.Nop())
	require.NoError(t, err)

	orch.Escalate(context.Background(), esc, ticket, f.gate.Interval())

	// interval 15s -> lookback 45s -> samples at 0,-2,...,-44s.
	assert.Equal(t, 45, captured.ContextSeconds)
	assert.Len(t, captured.ContextWindow, 23)
	assert.Len(t, captured.PriorVerdicts, 1)
	assert.Equal(t, "helmet-1", captured.DeviceID)
}

func TestEscalatePriorVerdictsWithinLookback(t *testing.T) {
	f := newFixture(t)
	esc, ticket := f.trigger(t)
	trigger := esc.Sample.Timestamp

	hist := NewMemoryHistory(0)
	ctx := context.Background()
	require.NoError(t, hist.Record(ctx, "helmet-1", oracle.PriorVerdict{IsCrash: true, CrashType: "stale", Timestamp: trigger.Add(-72 * time.Hour)}))
	require.NoError(t, hist.Record(ctx, "helmet-1", oracle.PriorVerdict{IsCrash: true, CrashType: "fall", Timestamp: trigger.Add(-2 * time.Minute)}))
	require.NoError(t, hist.Record(ctx, "helmet-1", oracle.PriorVerdict{IsCrash: false, CrashType: "false_positive", Timestamp: trigger.Add(-20 * time.Second)}))

	var captured oracle.Request
	o := &mockOracle{}
	o.On("Confirm", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(1).(oracle.Request) }).
		Return(oracle.Verdict{IsCrash: false, Confidence: 0.6, Severity: detector.SeverityLow}, nil)

	orch, err := New(Options{Oracle: o, History: hist}, zerolog.Nop())
	require.NoError(t, err)

	// interval 60s -> lookback 180s, up to 3 prior verdicts.
	orch.Escalate(ctx, esc, ticket, time.Minute)

	assert.Equal(t, 180, captured.ContextSeconds)
	require.Len(t, captured.PriorVerdicts, 2, "72h-old verdict falls outside the lookback")
	assert.False(t, captured.PriorVerdicts[0].IsCrash, "rejected verdicts stay visible to the oracle")
	assert.Equal(t, "fall", captured.PriorVerdicts[1].CrashType)
	for _, v := range captured.PriorVerdicts {
		assert.False(t, v.Timestamp.Before(trigger.Add(-180*time.Second)))
	}
}

func TestEscalateHonoursParentCancellation(t *testing.T) {
	f := newFixture(t)
	esc, ticket := f.trigger(t)

	var notified atomic.Bool
	notif := &mockNotifier{}
	notif.On("Notify", mock.Anything, mock.Anything).Run(func(mock.Arguments) { notified.Store(true) }).Return(nil)

	orch, err := New(Options{Oracle: blockingOracle{}, Notifier: notif, OracleTimeout: time.Minute}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := orch.Escalate(ctx, esc, ticket, f.gate.Interval())
	assert.Equal(t, Failed, out.State)
	assert.NotErrorIs(t, out.Err, ErrOracleTimeout)
	assert.True(t, notified.Load(), "sinks still run after shutdown cancels the oracle call")
}

func TestNewRequiresOracle(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Options{Oracle: blockingOracle{}, Lookback: LookbackPolicy{Base: time.Minute, Cap: time.Second}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestShouldNotify(t *testing.T) {
	cases := []struct {
		name string
		out  Outcome
		want bool
	}{
		{"failed", Outcome{State: Failed}, true},
		{"confirmed high", Outcome{State: Confirmed, Verdict: &oracle.Verdict{Severity: detector.SeverityHigh}}, true},
		{"confirmed medium", Outcome{State: Confirmed, Verdict: &oracle.Verdict{Severity: detector.SeverityMedium}}, true},
		{"confirmed low", Outcome{State: Confirmed, Verdict: &oracle.Verdict{Severity: detector.SeverityLow}}, false},
		{"rejected", Outcome{State: Rejected, Verdict: &oracle.Verdict{Severity: detector.SeverityHigh}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldNotify(tc.out))
		})
	}
}
