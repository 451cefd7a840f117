// Package service fans ingested samples out to one session per device and
// runs the housekeeping jobs that keep storage bounded.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crash-sentry/internal/detector"
	"crash-sentry/internal/ingest"
	"crash-sentry/internal/scheduler"
	"crash-sentry/internal/session"
	"crash-sentry/internal/storage"
)

// ErrClosed is returned by submissions after Close.
var ErrClosed = errors.New("service closed")

const (
	defaultQueueSize   = 256
	defaultIdleTimeout = 10 * time.Minute
	persistTimeout     = 3 * time.Second
)

// Options tune the service.
type Options struct {
	// Session is the template every device session is built from.
	Session          session.Options
	QueueSize        int
	IdleTimeout      time.Duration
	ReadingRetention time.Duration
	EventRetention   time.Duration
	LockKey          int64
	PersistReadings  bool
}

// Service routes samples to per-device actors. Each device is served by one
// goroutine so its detector sees samples in arrival order.
type Service struct {
	opts      Options
	escalator session.Escalator
	readings  storage.ReadingStore
	events    storage.CrashEventStore
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger
	baseCtx   context.Context
	cancel    context.CancelFunc

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup
}

var _ ingest.Sink = (*Service)(nil)

// New constructs the service. readings and events may be nil when no
// database is configured.
func New(opts Options, escalator session.Escalator, readings storage.ReadingStore, events storage.CrashEventStore, logger zerolog.Logger) (*Service, error) {
	if escalator == nil {
		return nil, errors.New("service requires an escalator")
	}
	if err := opts.Session.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("session thresholds: %w", err)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}

	var locker storage.AdvisoryLocker
	if l, ok := readings.(storage.AdvisoryLocker); ok {
		locker = l
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:      opts,
		escalator: escalator,
		readings:  readings,
		events:    events,
		locker:    locker,
		logger:    logger.With().Str("component", "service").Logger(),
		baseCtx:   baseCtx,
		cancel:    cancel,
		actors:    make(map[string]*actor),
	}, nil
}

// SubmitSample queues a sensor sample for its device.
func (s *Service) SubmitSample(ctx context.Context, sample detector.SensorSample) error {
	return s.submit(ctx, sample.DeviceID, message{sample: &sample})
}

// SubmitGPS queues a GPS fix for its device.
func (s *Service) SubmitGPS(ctx context.Context, deviceID string, g detector.GPSSample) error {
	return s.submit(ctx, deviceID, message{gps: &g})
}

func (s *Service) submit(ctx context.Context, deviceID string, msg message) error {
	if deviceID == "" {
		return errors.New("device id is required")
	}
	for {
		a, err := s.actorFor(deviceID)
		if err != nil {
			return err
		}
		ok, err := a.send(ctx, msg)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// actor retired between lookup and send; wait for it and retry
		<-a.done
	}
}

func (s *Service) actorFor(deviceID string) (*actor, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		a, ok := s.actors[deviceID]
		if !ok {
			spawned, err := s.spawnLocked(deviceID)
			s.mu.Unlock()
			return spawned, err
		}
		if !a.isClosed() {
			s.mu.Unlock()
			return a, nil
		}
		s.mu.Unlock()
		<-a.done
	}
}

func (s *Service) spawnLocked(deviceID string) (*actor, error) {
	opts := s.opts.Session
	if s.opts.PersistReadings && s.readings != nil {
		userHook := opts.OnAccepted
		opts.OnAccepted = func(sample detector.SensorSample, res detector.Result, gps *detector.GPSSample) {
			s.persistReading(sample, res, gps)
			if userHook != nil {
				userHook(sample, res, gps)
			}
		}
	}
	sess, err := session.New(deviceID, opts, s.escalator, s.logger)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", deviceID, err)
	}

	a := &actor{
		sess:  sess,
		inbox: make(chan message, s.opts.QueueSize),
		done:  make(chan struct{}),
	}
	s.actors[deviceID] = a
	s.wg.Add(1)
	go s.loop(a)
	s.logger.Info().Str("device_id", deviceID).Msg("session started")
	return a, nil
}

func (s *Service) loop(a *actor) {
	defer s.wg.Done()
	for msg := range a.inbox {
		switch {
		case msg.gps != nil:
			a.sess.HandleGPS(*msg.gps)
		case msg.sample != nil:
			// 错误已在 session 内记录
			_, _ = a.sess.HandleSample(s.baseCtx, *msg.sample)
		}
	}
	a.sess.Wait()

	deviceID := a.sess.DeviceID()
	s.mu.Lock()
	if cur, ok := s.actors[deviceID]; ok && cur == a {
		delete(s.actors, deviceID)
	}
	s.mu.Unlock()
	close(a.done)
	s.logger.Info().Str("device_id", deviceID).Msg("session stopped")
}

func (s *Service) persistReading(sample detector.SensorSample, res detector.Result, gps *detector.GPSSample) {
	r := storage.Reading{
		DeviceID:     sample.DeviceID,
		Timestamp:    sample.Timestamp,
		AX:           sample.AX,
		AY:           sample.AY,
		AZ:           sample.AZ,
		Roll:         res.Tilt.Roll,
		Pitch:        res.Tilt.Pitch,
		TiltDetected: sample.TiltDetected,
		GForce:       res.GForce,
		Triggered:    res.Triggered,
	}
	if gps != nil {
		r.Latitude = storage.Coordinate(gps.Latitude)
		r.Longitude = storage.Coordinate(gps.Longitude)
		r.Altitude = gps.Altitude
		r.Accuracy = gps.Accuracy
		r.Speed = gps.Speed
		r.SpeedChange = gps.SpeedChange
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, persistTimeout)
	defer cancel()
	if err := s.readings.InsertReading(ctx, r); err != nil {
		s.logger.Error().Err(err).Str("device_id", sample.DeviceID).Time("timestamp", sample.Timestamp).Msg("failed to persist reading")
	}
}

// Sessions reports how many device sessions are live.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// EvictIdle retires sessions that have been quiet for the idle timeout and
// have nothing queued or in flight.
func (s *Service) EvictIdle(_ context.Context, _ time.Time) error {
	s.mu.Lock()
	var retired []string
	for id, a := range s.actors {
		if len(a.inbox) > 0 || !a.sess.Idle(s.opts.IdleTimeout) {
			continue
		}
		if a.retire() {
			retired = append(retired, id)
		}
	}
	s.mu.Unlock()

	if len(retired) > 0 {
		s.logger.Info().Strs("devices", retired).Msg("evicted idle sessions")
	}
	return nil
}

// Retention deletes readings and crash events past their retention window.
// Only one instance runs it per tick when an advisory lock key is configured.
func (s *Service) Retention(ctx context.Context, tick time.Time) error {
	if s.opts.ReadingRetention <= 0 && s.opts.EventRetention <= 0 {
		return nil
	}
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip retention because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	if s.opts.ReadingRetention > 0 && s.readings != nil {
		n, err := s.readings.DeleteReadingsBefore(ctx, tick.Add(-s.opts.ReadingRetention))
		if err != nil {
			return fmt.Errorf("delete readings: %w", err)
		}
		s.logger.Info().Int64("deleted", n).Msg("pruned sensor readings")
	}
	if s.opts.EventRetention > 0 && s.events != nil {
		n, err := s.events.DeleteCrashEventsBefore(ctx, tick.Add(-s.opts.EventRetention))
		if err != nil {
			return fmt.Errorf("delete crash events: %w", err)
		}
		s.logger.Info().Int64("deleted", n).Msg("pruned crash events")
	}
	return nil
}

// Housekeeping registers the service's periodic jobs on sched.
func (s *Service) Housekeeping(sched *scheduler.Scheduler) {
	sched.Add("evict_idle_sessions", s.EvictIdle)
	sched.Add("retention", s.Retention)
}

// Run drives the housekeeping scheduler until ctx is cancelled, then drains
// every session.
func (s *Service) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	s.Housekeeping(sched)
	err := sched.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cerr := s.Close(closeCtx); cerr != nil {
		return cerr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops accepting samples, lets every session drain its queue and
// waits for in-flight escalations. Escalations still running when ctx ends
// are cancelled.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, a := range s.actors {
		a.retire()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("drain sessions: %w", ctx.Err())
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
