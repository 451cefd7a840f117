package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	sensorTopicSuffix = "sensor"
	gpsTopicSuffix    = "gps"
)

// MQTTOptions configure the broker subscription.
type MQTTOptions struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	InsecureTLS    bool
	ConnectTimeout time.Duration
	AccelUnit      AccelUnit
}

// MQTTSource subscribes to {prefix}/+/sensor and {prefix}/+/gps and forwards
// decoded samples to a Sink.
type MQTTSource struct {
	opts   MQTTOptions
	sink   Sink
	now    func() time.Time
	logger zerolog.Logger
}

// NewMQTTSource constructs a source; Run connects.
func NewMQTTSource(opts MQTTOptions, sink Sink, logger zerolog.Logger) (*MQTTSource, error) {
	if opts.BrokerURL == "" {
		return nil, errors.New("mqtt broker url is required")
	}
	if sink == nil {
		return nil, errors.New("mqtt source requires a sink")
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "helmets"
	}
	opts.TopicPrefix = strings.Trim(opts.TopicPrefix, "/")
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("crashsentry-%d", time.Now().Unix())
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.AccelUnit == "" {
		opts.AccelUnit = UnitMetersPerSecond2
	}
	return &MQTTSource{
		opts:   opts,
		sink:   sink,
		now:    time.Now,
		logger: logger.With().Str("component", "mqtt_source").Logger(),
	}, nil
}

// Run connects, subscribes and blocks until ctx is cancelled.
func (s *MQTTSource) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.opts.BrokerURL)
	opts.SetClientID(s.opts.ClientID)
	if s.opts.Username != "" {
		opts.SetUsername(s.opts.Username)
		opts.SetPassword(s.opts.Password)
	}
	if strings.HasPrefix(s.opts.BrokerURL, "ssl://") || strings.HasPrefix(s.opts.BrokerURL, "tls://") {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: s.opts.InsecureTLS})
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(s.opts.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	// Per-device ordering depends on handlers running one at a time.
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) { s.subscribe(ctx, c) })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		s.logger.Info().Msg("mqtt reconnecting")
	})

	client := mqtt.NewClient(opts)
	s.logger.Info().Str("broker", s.opts.BrokerURL).Str("client_id", s.opts.ClientID).Msg("connecting to mqtt broker")

	token := client.Connect()
	if !token.WaitTimeout(s.opts.ConnectTimeout) {
		return fmt.Errorf("mqtt connect: timeout after %s", s.opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	<-ctx.Done()
	client.Disconnect(1000)
	s.logger.Info().Msg("mqtt source stopped")
	return nil
}

func (s *MQTTSource) subscribe(ctx context.Context, c mqtt.Client) {
	filters := map[string]byte{
		s.opts.TopicPrefix + "/+/" + sensorTopicSuffix: s.opts.QoS,
		s.opts.TopicPrefix + "/+/" + gpsTopicSuffix:    s.opts.QoS,
	}
	token := c.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		s.HandleMessage(ctx, msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		s.logger.Error().Msg("mqtt subscribe timeout")
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error().Err(err).Msg("mqtt subscribe failed")
		return
	}
	s.logger.Info().Str("prefix", s.opts.TopicPrefix).Msg("subscribed to helmet topics")
}

// HandleMessage decodes one message and forwards it. Bad payloads are logged
// and dropped.
func (s *MQTTSource) HandleMessage(ctx context.Context, topic string, payload []byte) {
	deviceID, kind, ok := s.splitTopic(topic)
	if !ok {
		s.logger.Debug().Str("topic", topic).Msg("ignore unexpected topic")
		return
	}

	switch kind {
	case sensorTopicSuffix:
		sample, err := DecodeSensor(payload, deviceID, s.opts.AccelUnit, s.now())
		if err != nil {
			s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("drop sensor message")
			return
		}
		if err := s.sink.SubmitSample(ctx, sample); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("device_id", deviceID).Msg("submit sample failed")
		}
	case gpsTopicSuffix:
		id, fix, err := DecodeGPS(payload, deviceID, s.now())
		if err != nil {
			s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("drop gps message")
			return
		}
		if err := s.sink.SubmitGPS(ctx, id, fix); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("device_id", deviceID).Msg("submit gps failed")
		}
	}
}

func (s *MQTTSource) splitTopic(topic string) (deviceID, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, s.opts.TopicPrefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	switch parts[1] {
	case sensorTopicSuffix, gpsTopicSuffix:
		return parts[0], parts[1], true
	}
	return "", "", false
}
