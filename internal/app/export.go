package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"crash-sentry/internal/ingest"
	"crash-sentry/internal/storage"
)

const defaultExportWindow = time.Hour

// Export renders a device's recorded readings as a replayable CSV and/or a
// PNG chart of g-force and tilt.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.DeviceID == "" {
		return errors.New("--device is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	readings, err := store.ListReadingsBetween(ctx, opts.DeviceID, from, to)
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		a.Logger.Info().Str("device_id", opts.DeviceID).Msg("no readings found for export window")
		return nil
	}

	downsampled := downsampleReadings(readings, opts.MaxPoints)
	a.Logger.Info().Int("total", len(readings)).Int("exported", len(downsampled)).Msg("exporting readings")

	if opts.CSVPath != "" {
		if err := writeReadingsCSVFile(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeReadingsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// downsampleReadings keeps max evenly spaced readings but never drops a
// triggered one.
func downsampleReadings(readings []storage.Reading, max int) []storage.Reading {
	if max <= 0 || len(readings) <= max {
		return readings
	}
	if max == 1 {
		return readings[:1]
	}

	result := make([]storage.Reading, 0, max)
	step := float64(len(readings)-1) / float64(max-1)
	last := -1
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(readings) {
			idx = len(readings) - 1
		}
		for j := last + 1; j < idx; j++ {
			if readings[j].Triggered {
				result = append(result, readings[j])
			}
		}
		result = append(result, readings[idx])
		last = idx
	}
	return result
}

func writeReadingsCSVFile(path string, readings []storage.Reading) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return writeReadingsCSV(file, readings)
}

// writeReadingsCSV emits the replay column layout in m/s².
func writeReadingsCSV(w io.Writer, readings []storage.Reading) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(ingest.ReplayColumns); err != nil {
		return err
	}

	for _, r := range readings {
		record := []string{
			r.DeviceID,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			formatFloat(r.AX),
			formatFloat(r.AY),
			formatFloat(r.AZ),
			formatFloat(r.Roll),
			formatFloat(r.Pitch),
			strconv.FormatBool(r.TiltDetected),
			"", "",
			optionalFloat(r.Altitude),
			optionalFloat(r.Accuracy),
			optionalFloat(r.Speed),
			optionalFloat(r.SpeedChange),
		}
		if r.Latitude != nil && r.Longitude != nil {
			record[8] = r.Latitude.String()
			record[9] = r.Longitude.String()
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeReadingsPNG(path string, readings []storage.Reading) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(readings))
	gForce := make([]float64, len(readings))
	tilt := make([]float64, len(readings))
	var triggerX []time.Time
	var triggerY []float64

	for i, r := range readings {
		x[i] = r.Timestamp
		gForce[i] = r.GForce
		tilt[i] = math.Max(math.Abs(r.Roll), math.Abs(r.Pitch))
		if r.Triggered {
			triggerX = append(triggerX, r.Timestamp)
			triggerY = append(triggerY, r.GForce)
		}
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "g-force",
			XValues: x,
			YValues: gForce,
		},
		chart.TimeSeries{
			Name:    "Tilt (°)",
			XValues: x,
			YValues: tilt,
			YAxis:   chart.YAxisSecondary,
		},
	}
	if len(triggerX) > 0 {
		series = append(series, chart.TimeSeries{
			Name: "Triggered",
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    4,
			},
			XValues: triggerX,
			YValues: triggerY,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatterWithFormat("15:04:05"),
		},
		YAxis: chart.YAxis{
			Name:           "g",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Tilt (°)",
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func optionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
