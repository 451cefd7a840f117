package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crash-sentry/internal/alerting"
	"crash-sentry/internal/config"
	"crash-sentry/internal/detector"
	"crash-sentry/internal/history"
	"crash-sentry/internal/ingest"
	"crash-sentry/internal/oracle"
	"crash-sentry/internal/orchestrator"
	"crash-sentry/internal/scheduler"
	"crash-sentry/internal/service"
	"crash-sentry/internal/session"
	"crash-sentry/internal/storage"
	"crash-sentry/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// closers runs cleanup funcs in reverse registration order.
type closers []func()

func (c *closers) add(fn func()) {
	if fn != nil {
		*c = append(*c, fn)
	}
}

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if a.Config.Database.AutoMigrate {
		applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if len(applied) > 0 {
			a.Logger.Info().Strs("migrations", applied).Msg("applied migrations")
		}
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newOracle() oracle.Oracle {
	cfg := a.Config.Oracle
	if strings.EqualFold(cfg.Kind, config.OracleGenerative) {
		return oracle.NewGenerativeOracle(oracle.GenerativeOptions{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, a.Logger)
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	return oracle.NewHTTPOracle(oracle.HTTPOptions{
		BaseURL:   cfg.BaseURL,
		APIToken:  cfg.APIToken,
		Timeout:   cfg.Timeout,
		UserAgent: ua,
	}, a.Logger)
}

func (a *App) newHistory(ctx context.Context) (orchestrator.VerdictHistory, func(), error) {
	cfg := a.Config.History
	if !cfg.Enabled {
		return orchestrator.NewMemoryHistory(cfg.Capacity), nil, nil
	}
	h, err := history.New(ctx, history.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Capacity: cfg.Capacity,
		TTL:      cfg.TTL,
	}, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return h, func() {
		if err := h.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis history")
		}
	}, nil
}

// newNotifier returns nil when no channel is configured.
func (a *App) newNotifier() (orchestrator.Notifier, func(), error) {
	cfg := a.Config.Alerting
	dispatcher := alerting.NewDispatcher(cfg.MapBaseURL, a.Logger)
	var cleanup func()

	if cfg.Telegram.Enabled {
		dispatcher.Add("telegram", alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Telegram.Timeout, a.Logger))
	}
	if cfg.NATS.Enabled {
		conn, err := alerting.ConnectNATS(cfg.NATS.URL, a.Config.App.Name, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		dispatcher.Add("nats", alerting.NewNATSNotifier(conn, cfg.NATS.SubjectPrefix, a.Logger))
		cleanup = func() {
			if err := conn.Drain(); err != nil {
				a.Logger.Warn().Err(err).Msg("drain nats connection")
			}
		}
	}

	if dispatcher.Len() == 0 {
		return nil, cleanup, nil
	}
	return dispatcher, cleanup, nil
}

// newOrchestrator wires the oracle, verdict history, notifier and, when
// store is non-nil, the crash event recorder. Cleanups go to c.
func (a *App) newOrchestrator(ctx context.Context, o oracle.Oracle, store *storage.Store, c *closers) (*orchestrator.Orchestrator, error) {
	hist, closeHistory, err := a.newHistory(ctx)
	if err != nil {
		return nil, err
	}
	c.add(closeHistory)

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return nil, err
	}
	c.add(closeNotifier)

	esc := a.Config.Escalation
	opts := orchestrator.Options{
		Oracle:   o,
		History:  hist,
		Notifier: notifier,
		Lookback: orchestrator.LookbackPolicy{
			Base:  esc.LookbackBase,
			Scale: esc.LookbackScale,
			Cap:   esc.LookbackCap,
		},
		OracleTimeout: esc.OracleTimeout,
		SinkTimeout:   esc.SinkTimeout,
	}
	if store != nil {
		opts.Recorder = store
	}
	return orchestrator.New(opts, a.Logger)
}

func (a *App) sessionOptions(thresholds detector.ThresholdConfig) session.Options {
	return session.Options{
		Thresholds: thresholds,
		WindowSpan: a.Config.Escalation.LookbackCap,
		GPSMaxSkew: a.Config.Service.GPSMaxSkew,
	}
}

func (a *App) serviceOptions(sess session.Options) service.Options {
	cfg := a.Config.Service
	return service.Options{
		Session:          sess,
		QueueSize:        cfg.QueueSize,
		IdleTimeout:      cfg.SessionIdleTimeout,
		ReadingRetention: cfg.ReadingRetention,
		EventRetention:   cfg.EventRetention,
		LockKey:          cfg.AdvisoryLockKey,
		PersistReadings:  cfg.PersistReadings,
	}
}

func storesOf(store *storage.Store) (storage.ReadingStore, storage.CrashEventStore) {
	if store == nil {
		return nil, nil
	}
	return store, store
}

// Run consumes live samples from MQTT until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Ingest.MQTT.BrokerURL == "" {
		return errors.New("ingest.mqtt.broker_url not configured")
	}
	unit, err := ingest.ParseAccelUnit(a.Config.Ingest.AccelUnit)
	if err != nil {
		return err
	}
	thresholds, err := a.Config.Thresholds()
	if err != nil {
		return err
	}

	var cleanup closers
	defer func() { cleanup.run() }()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	cleanup.add(closeStore)

	orch, err := a.newOrchestrator(ctx, a.newOracle(), store, &cleanup)
	if err != nil {
		return err
	}

	readings, events := storesOf(store)
	svc, err := service.New(a.serviceOptions(a.sessionOptions(thresholds)), orch, readings, events, a.Logger)
	if err != nil {
		return err
	}

	mqttCfg := a.Config.Ingest.MQTT
	source, err := ingest.NewMQTTSource(ingest.MQTTOptions{
		BrokerURL:      mqttCfg.BrokerURL,
		ClientID:       mqttCfg.ClientID,
		Username:       mqttCfg.Username,
		Password:       mqttCfg.Password,
		TopicPrefix:    mqttCfg.TopicPrefix,
		QoS:            byte(mqttCfg.QoS),
		InsecureTLS:    mqttCfg.InsecureTLS,
		ConnectTimeout: mqttCfg.ConnectTimeout,
		AccelUnit:      unit,
	}, svc, a.Logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Service.HousekeepingInterval,
		AlignToStart: true,
	}, a.Logger)

	a.Logger.Info().
		Str("version", version.Version).
		Str("oracle", a.Config.Oracle.Kind).
		Dur("min_alert_interval", thresholds.MinAlertInterval).
		Msg("starting crash detection service")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx, sched) })
	g.Go(func() error {
		if err := source.Run(gctx); err != nil {
			return fmt.Errorf("mqtt source: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("crash detection service stopped")
	return nil
}

// ExportOptions hold parameters for exporting recorded readings.
type ExportOptions struct {
	DeviceID  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	DeviceID string
	Limit    int
	Offset   int
	ID       int64
}

// ReplayOptions configure a CSV replay.
type ReplayOptions struct {
	Path string
	// Speed overrides ingest.replay.speed when positive.
	Speed float64
	// Persist writes readings and crash events when a database is configured.
	Persist bool
}

// SimulateOptions describe a synthetic crash.
type SimulateOptions struct {
	DeviceID  string
	PeakG     float64
	Latitude  float64
	Longitude float64
	SpeedKMH  float64
	// Verdict short-circuits the oracle: confirmed, rejected or empty for the
	// configured oracle.
	Verdict  string
	Severity string
}
