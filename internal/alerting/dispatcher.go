package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"crash-sentry/internal/orchestrator"
)

// Dispatcher fans an escalation outcome out to every configured channel.
type Dispatcher struct {
	channels map[string]Notifier
	order    []string
	mapBase  string
	logger   zerolog.Logger
}

// NewDispatcher 创建分发器，mapBase 为空时使用 Google Maps 链接。
func NewDispatcher(mapBase string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		channels: make(map[string]Notifier),
		mapBase:  mapBase,
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
	}
}

// Add registers a channel under name; later registrations replace earlier ones.
func (d *Dispatcher) Add(name string, n Notifier) {
	if _, exists := d.channels[name]; !exists {
		d.order = append(d.order, name)
	}
	d.channels[name] = n
}

// Len returns the number of channels.
func (d *Dispatcher) Len() int { return len(d.order) }

// Notify delivers to every channel; one failing channel does not stop the
// rest. It fails only when no channel accepted the notification.
func (d *Dispatcher) Notify(ctx context.Context, out orchestrator.Outcome) error {
	if len(d.order) == 0 {
		return nil
	}
	note := FromOutcome(out, d.mapBase)
	var errs []error
	for _, name := range d.order {
		if err := d.channels[name].Notify(ctx, note); err != nil {
			d.logger.Error().Err(err).Str("channel", name).Str("attempt_id", note.AttemptID).Msg("channel delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) == len(d.order) {
		return errors.Join(errs...)
	}
	return nil
}

var _ orchestrator.Notifier = (*Dispatcher)(nil)
