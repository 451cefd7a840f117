package session

import (
	"time"

	"crash-sentry/internal/detector"
)

// sampleWindow holds accepted samples within span of the newest one.
type sampleWindow struct {
	span    time.Duration
	samples []detector.SensorSample
}

func (w *sampleWindow) add(s detector.SensorSample) {
	w.samples = append(w.samples, s)
	cutoff := s.Timestamp.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

func (w *sampleWindow) snapshot() []detector.SensorSample {
	out := make([]detector.SensorSample, len(w.samples))
	copy(out, w.samples)
	return out
}
