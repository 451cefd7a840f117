package config

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"crash-sentry/internal/detector"
	"crash-sentry/internal/logging"
)

// Oracle kinds.
const (
	OracleHTTP       = "http"
	OracleGenerative = "generative"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Service    ServiceConfig    `mapstructure:"service"`
	History    HistoryConfig    `mapstructure:"history"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs
// without persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DetectorConfig holds the trigger thresholds. Acceleration limits are m/s².
type DetectorConfig struct {
	GForceThreshold      float64 `mapstructure:"g_force_threshold"`
	TiltThreshold        float64 `mapstructure:"tilt_threshold"`
	ConsecutiveTriggers  int     `mapstructure:"consecutive_triggers"`
	SpeedChangeThreshold float64 `mapstructure:"speed_change_threshold"`
	SpeedChangeEnabled   bool    `mapstructure:"speed_change_enabled"`
	MaxAbsAccel          float64 `mapstructure:"max_abs_accel"`
}

// EscalationConfig governs the gate and the orchestrator.
type EscalationConfig struct {
	MinAlertInterval time.Duration `mapstructure:"min_alert_interval"`
	OracleTimeout    time.Duration `mapstructure:"oracle_timeout"`
	SinkTimeout      time.Duration `mapstructure:"sink_timeout"`
	LookbackBase     time.Duration `mapstructure:"lookback_base"`
	LookbackScale    float64       `mapstructure:"lookback_scale"`
	LookbackCap      time.Duration `mapstructure:"lookback_cap"`
}

// OracleConfig selects and configures the confirmation service.
type OracleConfig struct {
	Kind      string        `mapstructure:"kind"`
	BaseURL   string        `mapstructure:"base_url"`
	APIToken  string        `mapstructure:"api_token"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// IngestConfig covers the sample sources.
type IngestConfig struct {
	AccelUnit string       `mapstructure:"accel_unit"`
	MQTT      MQTTConfig   `mapstructure:"mqtt"`
	Replay    ReplayConfig `mapstructure:"replay"`
}

// MQTTConfig 描述 MQTT 订阅参数。
type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            int           `mapstructure:"qos"`
	InsecureTLS    bool          `mapstructure:"insecure_tls"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ReplayConfig tunes CSV replay. Speed 0 feeds rows as fast as possible.
type ReplayConfig struct {
	Speed float64 `mapstructure:"speed"`
}

// ServiceConfig governs session routing and housekeeping.
type ServiceConfig struct {
	QueueSize            int           `mapstructure:"queue_size"`
	SessionIdleTimeout   time.Duration `mapstructure:"session_idle_timeout"`
	GPSMaxSkew           time.Duration `mapstructure:"gps_max_skew"`
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval"`
	ReadingRetention     time.Duration `mapstructure:"reading_retention"`
	EventRetention       time.Duration `mapstructure:"event_retention"`
	AdvisoryLockKey      int64         `mapstructure:"advisory_lock_key"`
	PersistReadings      bool          `mapstructure:"persist_readings"`
}

// HistoryConfig selects where prior verdicts live. Disabled keeps them in memory.
type HistoryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	MapBaseURL string         `mapstructure:"map_base_url"`
	Telegram   TelegramConfig `mapstructure:"telegram"`
	NATS       NATSConfig     `mapstructure:"nats"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NATSConfig publishes outcomes for downstream consumers.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRASHSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "crashsentry")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("detector.g_force_threshold", detector.DefaultGForceThreshold)
	v.SetDefault("detector.tilt_threshold", detector.DefaultTiltThreshold)
	v.SetDefault("detector.consecutive_triggers", detector.DefaultConsecutiveTriggers)
	v.SetDefault("detector.speed_change_threshold", detector.DefaultSpeedChangeThreshold)
	v.SetDefault("detector.speed_change_enabled", false)
	v.SetDefault("detector.max_abs_accel", detector.DefaultMaxAbsAccel)

	v.SetDefault("escalation.min_alert_interval", detector.DefaultMinAlertInterval.String())
	v.SetDefault("escalation.oracle_timeout", "5s")
	v.SetDefault("escalation.sink_timeout", "10s")
	v.SetDefault("escalation.lookback_base", "30s")
	v.SetDefault("escalation.lookback_scale", 3.0)
	v.SetDefault("escalation.lookback_cap", "180s")

	v.SetDefault("oracle.kind", OracleHTTP)
	v.SetDefault("oracle.model", "gemini-2.0-flash")
	v.SetDefault("oracle.timeout", "10s")

	v.SetDefault("ingest.accel_unit", "mps2")
	v.SetDefault("ingest.mqtt.topic_prefix", "helmets")
	v.SetDefault("ingest.mqtt.qos", 1)
	v.SetDefault("ingest.mqtt.connect_timeout", "10s")
	v.SetDefault("ingest.replay.speed", 0.0)

	v.SetDefault("service.queue_size", 256)
	v.SetDefault("service.session_idle_timeout", "10m")
	v.SetDefault("service.gps_max_skew", "5s")
	v.SetDefault("service.housekeeping_interval", "1m")
	v.SetDefault("service.reading_retention", "168h")
	v.SetDefault("service.event_retention", "0s")
	v.SetDefault("service.advisory_lock_key", int64(0x63726173))
	v.SetDefault("service.persist_readings", true)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.addr", "localhost:6379")
	v.SetDefault("history.capacity", 20)
	v.SetDefault("history.ttl", "720h")

	v.SetDefault("alerting.map_base_url", "https://maps.google.com/?q=")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.nats.enabled", false)
	v.SetDefault("alerting.nats.subject_prefix", "crashsentry.events")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// secondsToDurationHookFunc reads a bare number as seconds when the target is
// a duration, so "min_alert_interval: 15" and
// CRASHSENTRY_ESCALATION_MIN_ALERT_INTERVAL=15 both mean 15s. Values with a
// unit ("15s", "2m") fall through to StringToTimeDurationHookFunc.
func secondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		rv := reflect.ValueOf(data)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(rv.Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(rv.Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(rv.Float() * float64(time.Second)), nil
		case reflect.String:
			if secs, err := strconv.ParseFloat(strings.TrimSpace(rv.String()), 64); err == nil && !math.IsNaN(secs) && !math.IsInf(secs, 0) {
				return time.Duration(secs * float64(time.Second)), nil
			}
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, err := c.Thresholds(); err != nil {
		return err
	}
	if c.Escalation.OracleTimeout <= 0 {
		return fmt.Errorf("escalation.oracle_timeout must be greater than zero")
	}
	if c.Escalation.LookbackBase <= 0 || c.Escalation.LookbackCap < c.Escalation.LookbackBase {
		return fmt.Errorf("escalation.lookback_cap must be at least escalation.lookback_base (%s)", c.Escalation.LookbackBase)
	}
	if c.Escalation.LookbackScale < 0 {
		return fmt.Errorf("escalation.lookback_scale cannot be negative")
	}
	switch strings.ToLower(c.Oracle.Kind) {
	case OracleHTTP:
	case OracleGenerative:
		if c.Oracle.APIKey == "" {
			return fmt.Errorf("oracle.api_key is required for the generative oracle")
		}
	default:
		return fmt.Errorf("oracle.kind must be %q or %q, got %q", OracleHTTP, OracleGenerative, c.Oracle.Kind)
	}
	switch strings.ToLower(c.Ingest.AccelUnit) {
	case "", "mps2", "g":
	default:
		return fmt.Errorf("ingest.accel_unit must be mps2 or g, got %q", c.Ingest.AccelUnit)
	}
	if c.Ingest.MQTT.QoS < 0 || c.Ingest.MQTT.QoS > 2 {
		return fmt.Errorf("ingest.mqtt.qos must be 0, 1 or 2")
	}
	if c.Ingest.Replay.Speed < 0 {
		return fmt.Errorf("ingest.replay.speed cannot be negative")
	}
	if c.Service.HousekeepingInterval <= 0 {
		return fmt.Errorf("service.housekeeping_interval must be greater than zero")
	}
	if c.Service.ReadingRetention < 0 || c.Service.EventRetention < 0 {
		return fmt.Errorf("service retention cannot be negative")
	}
	if c.History.Enabled && c.History.Addr == "" {
		return fmt.Errorf("history.addr 必须配置")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.NATS.Enabled && c.Alerting.NATS.URL == "" {
		return fmt.Errorf("alerting.nats.url 必须配置")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// Thresholds assembles and validates the detector configuration.
func (c *Config) Thresholds() (detector.ThresholdConfig, error) {
	t := detector.ThresholdConfig{
		GForceThreshold:      c.Detector.GForceThreshold,
		TiltThreshold:        c.Detector.TiltThreshold,
		ConsecutiveTriggers:  c.Detector.ConsecutiveTriggers,
		SpeedChangeThreshold: c.Detector.SpeedChangeThreshold,
		SpeedChangeEnabled:   c.Detector.SpeedChangeEnabled,
		MaxAbsAccel:          c.Detector.MaxAbsAccel,
		MinAlertInterval:     c.Escalation.MinAlertInterval,
	}
	if err := t.Validate(); err != nil {
		return detector.ThresholdConfig{}, fmt.Errorf("detector config: %w", err)
	}
	return t, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
