package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"crash-sentry/internal/storage"
)

// Show prints recent crash events, or one event in detail when opts.ID is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show crash events")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.ID > 0 {
		ev, err := store.GetCrashEvent(ctx, opts.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("crash event %d not found", opts.ID)
		}
		if err != nil {
			return err
		}
		return writeEventDetail(os.Stdout, ev)
	}

	events, err := store.ListCrashEvents(ctx, storage.EventFilter{
		DeviceID: opts.DeviceID,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
	if err != nil {
		return err
	}
	return writeEvents(os.Stdout, events)
}

func writeEvents(w io.Writer, events []storage.CrashEvent) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "no crash events found")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTime (UTC)\tDevice\tState\tSeverity\tType\tConfidence\tMax g\tLocation\tAlert\tFeedback")
	for _, ev := range events {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%s\t%t\t%s\n",
			ev.ID,
			ev.CrashTimestamp.UTC().Format(time.RFC3339),
			ev.DeviceID,
			ev.State,
			ev.Severity,
			ev.CrashType,
			formatOptional(ev.ConfidenceScore, 2),
			ev.MaxGForce,
			formatLocation(ev.Latitude, ev.Longitude),
			ev.AlertSent,
			derefString(ev.UserFeedback),
		)
	}
	return writer.Flush()
}

func writeEventDetail(w io.Writer, ev storage.CrashEvent) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"ID", fmt.Sprint(ev.ID)},
		{"Attempt", ev.AttemptID},
		{"Device", ev.DeviceID},
		{"Time (UTC)", ev.CrashTimestamp.UTC().Format(time.RFC3339Nano)},
		{"State", ev.State},
		{"Confirmed", fmt.Sprint(ev.IsConfirmedCrash)},
		{"Severity", ev.Severity},
		{"Type", ev.CrashType},
		{"Trigger", ev.TriggerType},
		{"Confidence", formatOptional(ev.ConfidenceScore, 2)},
		{"False positive risk", formatOptional(ev.FalsePositiveRisk, 2)},
		{"Max g", fmt.Sprintf("%.2f", ev.MaxGForce)},
		{"Impact g", fmt.Sprintf("%.2f", ev.ImpactAcceleration)},
		{"Final tilt", fmt.Sprintf("%.1f°", ev.FinalTilt)},
		{"Location", formatLocation(ev.Latitude, ev.Longitude)},
		{"Speed (m/s)", formatOptional(ev.Speed, 1)},
		{"Max speed before (m/s)", formatOptional(ev.MaxSpeedBefore, 1)},
		{"Context (s)", fmt.Sprint(ev.ContextSeconds)},
		{"Indicators", strings.Join(ev.KeyIndicators, ", ")},
		{"Reasoning", sanitizeInline(ev.AIReasoning)},
		{"Error", sanitizeInline(derefString(ev.Error))},
		{"Alert sent", fmt.Sprint(ev.AlertSent)},
		{"Feedback", derefString(ev.UserFeedback)},
		{"Comments", sanitizeInline(derefString(ev.UserComments))},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		fmt.Fprintf(writer, "%s:\t%s\n", row[0], row[1])
	}
	return writer.Flush()
}

func formatOptional(v *float64, places int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.*f", places, *v)
}

func formatLocation(lat, lon *decimal.Decimal) string {
	if lat == nil || lon == nil {
		return "-"
	}
	return lat.StringFixed(5) + "," + lon.StringFixed(5)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
