package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"crash-sentry/internal/calc"
	"crash-sentry/internal/detector"
	"crash-sentry/internal/oracle"
	"crash-sentry/internal/session"
)

const (
	simulateRate     = 100 * time.Millisecond
	simulateBaseline = 50
	simulateImpact   = 4
)

// SimulateCrash 合成一段骑行 + 撞击序列并走完整个检测与确认流程。
func (a *App) SimulateCrash(ctx context.Context, opts SimulateOptions) error {
	if opts.DeviceID == "" {
		opts.DeviceID = "simulated-helmet"
	}
	thresholds, err := a.Config.Thresholds()
	if err != nil {
		return err
	}
	if opts.PeakG <= 0 || calc.ToMetersPerSecond2(opts.PeakG) > thresholds.MaxAbsAccel {
		return fmt.Errorf("peak must be within (0, %.1f] g", thresholds.MaxAbsAccel/calc.StandardGravity)
	}

	o, err := a.simulatedOracle(opts)
	if err != nil {
		return err
	}

	var cleanup closers
	defer func() { cleanup.run() }()

	orch, err := a.newOrchestrator(ctx, o, nil, &cleanup)
	if err != nil {
		return err
	}

	log := &outcomeLog{}
	sessOpts := a.sessionOptions(thresholds)
	sessOpts.SampleClock = true
	sessOpts.Inline = true
	sessOpts.OnOutcome = log.add
	sess, err := session.New(opts.DeviceID, sessOpts, orch, a.Logger)
	if err != nil {
		return err
	}

	start := time.Now().UTC().Add(-time.Duration(simulateBaseline+simulateImpact) * simulateRate)
	fixes, samples := synthesizeCrash(opts, start)
	for _, g := range fixes {
		sess.HandleGPS(g)
	}
	for _, s := range samples {
		if _, err := sess.HandleSample(ctx, s); err != nil {
			return err
		}
	}
	sess.Wait()

	outcomes := log.list()
	if len(outcomes) == 0 {
		return errors.New("simulated impact did not reach the oracle; check detector thresholds")
	}
	return writeOutcomes(os.Stdout, outcomes)
}

func (a *App) simulatedOracle(opts SimulateOptions) (oracle.Oracle, error) {
	switch strings.ToLower(opts.Verdict) {
	case "":
		return a.newOracle(), nil
	case "confirmed", "rejected":
	default:
		return nil, fmt.Errorf("verdict must be confirmed or rejected, got %q", opts.Verdict)
	}
	severity := detector.SeverityHigh
	if opts.Severity != "" {
		s, err := detector.ParseSeverity(opts.Severity)
		if err != nil {
			return nil, err
		}
		severity = s
	}
	confirmed := strings.EqualFold(opts.Verdict, "confirmed")
	v := oracle.Verdict{
		IsCrash:       confirmed,
		Confidence:    0.9,
		Severity:      severity,
		CrashType:     "simulated",
		Reasoning:     "simulated verdict",
		KeyIndicators: []string{"simulation"},
	}
	if !confirmed {
		v.CrashType = "none"
		v.FalsePositiveRisk = 0.9
	}
	return staticOracle{verdict: v}, nil
}

// synthesizeCrash builds steady riding followed by an impact and the helmet
// coming to rest on its side. GPS fixes run at 1 Hz.
func synthesizeCrash(opts SimulateOptions, start time.Time) ([]detector.GPSSample, []detector.SensorSample) {
	total := simulateBaseline + simulateImpact
	samples := make([]detector.SensorSample, 0, total)
	peak := calc.ToMetersPerSecond2(opts.PeakG)
	for i := 0; i < total; i++ {
		ts := start.Add(time.Duration(i) * simulateRate)
		s := detector.SensorSample{DeviceID: opts.DeviceID, AX: 0.3, AY: 0.2, AZ: calc.StandardGravity, Timestamp: ts}
		if i >= simulateBaseline {
			s.AX, s.AY, s.AZ = peak*0.8, 0, peak*0.6
			s.TiltDetected = true
		}
		samples = append(samples, s)
	}

	var fixes []detector.GPSSample
	if opts.Latitude == 0 && opts.Longitude == 0 {
		return fixes, samples
	}
	speed := opts.SpeedKMH / 3.6
	end := start.Add(time.Duration(total) * simulateRate)
	for ts := start; !ts.After(end); ts = ts.Add(time.Second) {
		v := speed
		if !ts.Before(start.Add(time.Duration(simulateBaseline) * simulateRate)) {
			v = 0
		}
		fixes = append(fixes, detector.GPSSample{
			Latitude:  opts.Latitude,
			Longitude: opts.Longitude,
			Speed:     &v,
			Timestamp: ts,
		})
	}
	return fixes, samples
}

type staticOracle struct {
	verdict oracle.Verdict
}

func (s staticOracle) Confirm(context.Context, oracle.Request) (oracle.Verdict, error) {
	return s.verdict, nil
}

var _ oracle.Oracle = staticOracle{}
