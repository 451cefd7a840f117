package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the subset of *nats.Conn used for fan-out.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes notifications as JSON on {prefix}.{device}.{state}.
type NATSNotifier struct {
	pub    Publisher
	prefix string
	logger zerolog.Logger
}

// ConnectNATS dials the server with unbounded reconnects.
func ConnectNATS(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info().Msg("nats connection closed")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// NewNATSNotifier wraps a publisher.
func NewNATSNotifier(pub Publisher, prefix string, logger zerolog.Logger) *NATSNotifier {
	if prefix == "" {
		prefix = "crashsentry.events"
	}
	return &NATSNotifier{
		pub:    pub,
		prefix: strings.TrimRight(prefix, "."),
		logger: logger.With().Str("component", "alert_nats").Logger(),
	}
}

// Subject returns the subject a notification is published on.
func (n *NATSNotifier) Subject(note Notification) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, subjectToken(note.DeviceID), subjectToken(note.State))
}

// Notify publishes the notification.
func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := n.Subject(note)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	n.logger.Debug().Str("subject", subject).Str("attempt_id", note.AttemptID).Msg("notification published")
	return nil
}

// subjectToken keeps device ids from splitting or wildcarding the subject.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

var _ Notifier = (*NATSNotifier)(nil)
