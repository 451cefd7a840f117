// Package orchestrator runs one confirmation cycle per admitted escalation:
// it assembles the context window and prior verdicts, asks the oracle,
// releases the gate unconditionally and hands the outcome to the sinks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crash-sentry/internal/detector"
	"crash-sentry/internal/escalation"
	"crash-sentry/internal/oracle"
)

// State is the terminal state of an escalation cycle.
type State string

const (
	Confirmed State = "confirmed"
	Rejected  State = "rejected"
	Failed    State = "failed"
)

const (
	defaultOracleTimeout = 5 * time.Second
	defaultSinkTimeout   = 10 * time.Second
)

// ErrOracleTimeout marks an oracle call cut off by the orchestrator's deadline.
var ErrOracleTimeout = errors.New("orchestrator: oracle timed out")

// Escalation is everything a session hands over on admission.
type Escalation struct {
	DeviceID string
	Sample   detector.SensorSample
	Result   detector.Result
	GPS      *detector.GPSSample
	// Context is the session's recent sample window, oldest first. The
	// orchestrator trims it to the lookback.
	Context []detector.SensorSample
	// MaxSpeedBefore is the highest GPS speed in the 30s before the sample.
	MaxSpeedBefore *float64
}

// Outcome is the reconciled result of one cycle.
type Outcome struct {
	ID             string
	State          State
	Verdict        *oracle.Verdict
	Err            error
	Escalation     Escalation
	ContextSeconds int
	Started        time.Time
	Finished       time.Time
}

// Inconclusive reports whether the cycle ended without a usable verdict.
func (o Outcome) Inconclusive() bool { return o.State == Failed }

// Recorder persists outcomes.
type Recorder interface {
	RecordOutcome(ctx context.Context, out Outcome) error
}

// Notifier delivers outcomes to downstream consumers.
type Notifier interface {
	Notify(ctx context.Context, out Outcome) error
}

// AlertMarker is implemented by recorders that track notification delivery.
type AlertMarker interface {
	MarkAlertSent(ctx context.Context, attemptID string) error
}

// Options configure an Orchestrator.
type Options struct {
	Oracle        oracle.Oracle
	History       VerdictHistory
	Recorder      Recorder
	Notifier      Notifier
	Lookback      LookbackPolicy
	OracleTimeout time.Duration
	SinkTimeout   time.Duration
	Now           func() time.Time
}

// Orchestrator is shared by all sessions; it holds no per-device state.
type Orchestrator struct {
	oracle        oracle.Oracle
	history       VerdictHistory
	recorder      Recorder
	notifier      Notifier
	lookback      LookbackPolicy
	oracleTimeout time.Duration
	sinkTimeout   time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// New constructs an Orchestrator. Oracle is required.
func New(opts Options, logger zerolog.Logger) (*Orchestrator, error) {
	if opts.Oracle == nil {
		return nil, errors.New("orchestrator requires an oracle")
	}
	lookback := opts.Lookback
	if lookback == (LookbackPolicy{}) {
		lookback = DefaultLookbackPolicy()
	}
	if err := lookback.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lookback policy: %w", err)
	}
	history := opts.History
	if history == nil {
		history = NewMemoryHistory(0)
	}
	oracleTimeout := opts.OracleTimeout
	if oracleTimeout <= 0 {
		oracleTimeout = defaultOracleTimeout
	}
	sinkTimeout := opts.SinkTimeout
	if sinkTimeout <= 0 {
		sinkTimeout = defaultSinkTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		oracle:        opts.Oracle,
		history:       history,
		recorder:      opts.Recorder,
		notifier:      opts.Notifier,
		lookback:      lookback,
		oracleTimeout: oracleTimeout,
		sinkTimeout:   sinkTimeout,
		now:           now,
		logger:        logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Escalate runs Admitted -> AwaitingVerdict -> {Confirmed|Rejected|Failed}.
// The ticket is released before sinks run, on every path including a panic
// inside the oracle. interval is the device's minimum alert interval.
func (o *Orchestrator) Escalate(ctx context.Context, esc Escalation, ticket *escalation.Ticket, interval time.Duration) Outcome {
	outcome := func() (out Outcome) {
		defer ticket.Release()
		defer func() {
			if r := recover(); r != nil {
				out = o.failed(esc, ticket, fmt.Errorf("oracle panic: %v", r))
			}
		}()
		return o.confirm(ctx, esc, ticket, interval)
	}()

	o.log(outcome)
	o.publish(ctx, outcome)
	return outcome
}

func (o *Orchestrator) confirm(ctx context.Context, esc Escalation, ticket *escalation.Ticket, interval time.Duration) Outcome {
	lookback := o.lookback.Lookback(interval)
	since := esc.Sample.Timestamp.Add(-lookback)
	req := oracle.Request{
		DeviceID:        esc.DeviceID,
		CurrentSample:   esc.Sample,
		ThresholdResult: esc.Result,
		GPSSample:       esc.GPS,
		ContextWindow:   windowSince(esc.Context, since),
		ContextSeconds:  int(lookback / time.Second),
	}

	prior, err := o.history.Recent(ctx, esc.DeviceID, since, PriorCount(interval))
	if err != nil {
		o.logger.Warn().Err(err).Str("device_id", esc.DeviceID).Msg("prior verdicts unavailable, escalating without them")
	}
	req.PriorVerdicts = prior

	callCtx, cancel := context.WithTimeout(ctx, o.oracleTimeout)
	defer cancel()

	verdict, err := o.callOracle(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrOracleTimeout, o.oracleTimeout, err)
		}
		out := o.failed(esc, ticket, err)
		out.ContextSeconds = req.ContextSeconds
		return out
	}

	state := Rejected
	if verdict.IsCrash {
		state = Confirmed
	}
	return Outcome{
		ID:             ticket.ID(),
		State:          state,
		Verdict:        &verdict,
		Escalation:     esc,
		ContextSeconds: req.ContextSeconds,
		Started:        ticket.Started(),
		Finished:       o.now(),
	}
}

type confirmResult struct {
	verdict oracle.Verdict
	err     error
}

// callOracle returns when the oracle answers or ctx ends, whichever is first.
// A late answer lands in the buffered channel and is dropped.
func (o *Orchestrator) callOracle(ctx context.Context, req oracle.Request) (oracle.Verdict, error) {
	results := make(chan confirmResult, 1)
	go func() {
		var res confirmResult
		defer func() {
			if r := recover(); r != nil {
				res = confirmResult{err: fmt.Errorf("oracle panic: %v", r)}
			}
			results <- res
		}()
		res.verdict, res.err = o.oracle.Confirm(ctx, req)
	}()

	select {
	case res := <-results:
		return res.verdict, res.err
	case <-ctx.Done():
		return oracle.Verdict{}, ctx.Err()
	}
}

func (o *Orchestrator) failed(esc Escalation, ticket *escalation.Ticket, err error) Outcome {
	return Outcome{
		ID:         ticket.ID(),
		State:      Failed,
		Err:        err,
		Escalation: esc,
		Started:    ticket.Started(),
		Finished:   o.now(),
	}
}

func (o *Orchestrator) log(out Outcome) {
	ev := o.logger.Info()
	switch out.State {
	case Failed:
		ev = o.logger.Error().Err(out.Err)
	case Confirmed:
		ev = o.logger.Warn()
	}
	ev = ev.Str("device_id", out.Escalation.DeviceID).
		Str("attempt_id", out.ID).
		Str("state", string(out.State)).
		Str("trigger_type", string(out.Escalation.Result.TriggerType)).
		Float64("g_force", out.Escalation.Result.GForce).
		Dur("elapsed", out.Finished.Sub(out.Started))
	if out.Verdict != nil {
		ev = ev.Float64("confidence", out.Verdict.Confidence).
			Str("severity", string(out.Verdict.Severity)).
			Str("crash_type", out.Verdict.CrashType)
	}
	ev.Msg("escalation finished")
}

// publish runs after release; sink failures are logged and never retried.
func (o *Orchestrator) publish(ctx context.Context, out Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.sinkTimeout)
	defer cancel()

	logger := o.logger.With().Str("device_id", out.Escalation.DeviceID).Str("attempt_id", out.ID).Logger()

	if out.Verdict != nil {
		prior := oracle.PriorVerdict{
			IsCrash:    out.Verdict.IsCrash,
			Confidence: out.Verdict.Confidence,
			Severity:   out.Verdict.Severity,
			CrashType:  out.Verdict.CrashType,
			MaxGForce:  out.Escalation.Result.GForce,
			Timestamp:  out.Escalation.Sample.Timestamp,
		}
		if err := o.history.Record(ctx, out.Escalation.DeviceID, prior); err != nil {
			logger.Warn().Err(err).Msg("record verdict history failed")
		}
	}

	if o.recorder != nil && out.State != Rejected {
		if err := o.recorder.RecordOutcome(ctx, out); err != nil {
			logger.Error().Err(err).Msg("persist crash event failed")
		}
	}

	if o.notifier != nil && ShouldNotify(out) {
		if err := o.notifier.Notify(ctx, out); err != nil {
			logger.Error().Err(err).Msg("notify failed")
			return
		}
		if marker, ok := o.recorder.(AlertMarker); ok {
			if err := marker.MarkAlertSent(ctx, out.ID); err != nil {
				logger.Warn().Err(err).Msg("mark alert sent failed")
			}
		}
	}
}

// ShouldNotify selects confirmed medium/high crashes and every failed cycle.
func ShouldNotify(out Outcome) bool {
	switch out.State {
	case Failed:
		return true
	case Confirmed:
		return out.Verdict != nil && out.Verdict.Severity != detector.SeverityLow
	default:
		return false
	}
}
