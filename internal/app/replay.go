package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"crash-sentry/internal/ingest"
	"crash-sentry/internal/orchestrator"
	"crash-sentry/internal/service"
	"crash-sentry/internal/storage"
)

// outcomeLog collects escalation outcomes reported by sessions.
type outcomeLog struct {
	mu       sync.Mutex
	outcomes []orchestrator.Outcome
}

func (l *outcomeLog) add(out orchestrator.Outcome) {
	l.mu.Lock()
	l.outcomes = append(l.outcomes, out)
	l.mu.Unlock()
}

func (l *outcomeLog) list() []orchestrator.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]orchestrator.Outcome(nil), l.outcomes...)
}

// Replay feeds a recorded CSV session through the detection pipeline. The
// gate runs on sample time so rate limiting matches the recording.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if opts.Path == "" {
		return errors.New("replay requires a csv path")
	}
	unit, err := ingest.ParseAccelUnit(a.Config.Ingest.AccelUnit)
	if err != nil {
		return err
	}
	thresholds, err := a.Config.Thresholds()
	if err != nil {
		return err
	}
	speed := a.Config.Ingest.Replay.Speed
	if opts.Speed > 0 {
		speed = opts.Speed
	}

	file, err := os.Open(opts.Path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer file.Close()

	var cleanup closers
	defer func() { cleanup.run() }()

	var store *storage.Store
	if opts.Persist {
		s, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if s == nil {
			return errors.New("database not configured; cannot persist replay")
		}
		cleanup.add(closeStore)
		store = s
	}

	orch, err := a.newOrchestrator(ctx, a.newOracle(), store, &cleanup)
	if err != nil {
		return err
	}

	log := &outcomeLog{}
	sessOpts := a.sessionOptions(thresholds)
	sessOpts.SampleClock = true
	sessOpts.Inline = true
	sessOpts.OnOutcome = log.add

	svcOpts := a.serviceOptions(sessOpts)
	svcOpts.PersistReadings = opts.Persist && svcOpts.PersistReadings
	readings, events := storesOf(store)
	svc, err := service.New(svcOpts, orch, readings, events, a.Logger)
	if err != nil {
		return err
	}

	stats, runErr := ingest.NewReplaySource(file, svc, unit, speed, a.Logger).Run(ctx)
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := svc.Close(closeCtx); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}

	a.Logger.Info().
		Int("rows", stats.Rows).
		Int("samples", stats.Samples).
		Int("gps_fixes", stats.GPSFixes).
		Int("skipped", stats.Skipped).
		Msg("replay finished")

	return writeOutcomes(os.Stdout, log.list())
}

func writeOutcomes(w io.Writer, outcomes []orchestrator.Outcome) error {
	if len(outcomes) == 0 {
		_, err := fmt.Fprintln(w, "no escalations")
		return err
	}
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tDevice\tTrigger\tState\tSeverity\tConfidence\tg\tContext(s)\tDetail")
	for _, out := range outcomes {
		esc := out.Escalation
		severity := string(esc.Result.Severity)
		confidence := "-"
		detail := ""
		if out.Verdict != nil {
			severity = string(out.Verdict.Severity)
			confidence = fmt.Sprintf("%.2f", out.Verdict.Confidence)
			detail = out.Verdict.CrashType
		}
		if out.Err != nil {
			detail = sanitizeInline(out.Err.Error())
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%d\t%s\n",
			esc.Sample.Timestamp.UTC().Format(time.RFC3339Nano),
			esc.DeviceID,
			esc.Result.TriggerType,
			out.State,
			severity,
			confidence,
			esc.Result.GForce,
			out.ContextSeconds,
			detail,
		)
	}
	return writer.Flush()
}
