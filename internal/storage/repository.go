package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrInvalidFeedback rejects feedback outside the accepted values.
	ErrInvalidFeedback = errors.New("storage: feedback must be true_positive or false_positive")
)

const (
	insertReadingSQL = `INSERT INTO sensor_readings (
        device_id,
        ts,
        ax, ay, az,
        roll, pitch,
        tilt_detected,
        g_force,
        triggered,
        latitude, longitude, altitude,
        gps_accuracy,
        speed,
        speed_change
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (device_id, ts) DO NOTHING;`

	listReadingsBetweenSQL = `SELECT
        id, device_id, ts,
        ax, ay, az,
        roll, pitch,
        tilt_detected,
        g_force,
        triggered,
        latitude, longitude, altitude,
        gps_accuracy,
        speed,
        speed_change,
        created_at
    FROM sensor_readings
    WHERE device_id = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	deleteReadingsBeforeSQL = `DELETE FROM sensor_readings WHERE ts < $1;`

	insertCrashEventSQL = `INSERT INTO crash_events (
        attempt_id,
        device_id,
        crash_timestamp,
        state,
        is_confirmed_crash,
        confidence_score,
        severity,
        crash_type,
        trigger_type,
        ai_reasoning,
        key_indicators,
        false_positive_risk,
        max_g_force,
        impact_acceleration,
        final_tilt,
        crash_latitude,
        crash_longitude,
        crash_altitude,
        gps_accuracy_at_crash,
        speed_at_crash,
        speed_change_at_crash,
        max_speed_before_crash,
        context_seconds,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24
    )
    ON CONFLICT (attempt_id) DO NOTHING
    RETURNING id;`

	crashEventColumns = `id,
        attempt_id,
        device_id,
        crash_timestamp,
        state,
        is_confirmed_crash,
        confidence_score,
        severity,
        crash_type,
        trigger_type,
        ai_reasoning,
        key_indicators,
        false_positive_risk,
        max_g_force,
        impact_acceleration,
        final_tilt,
        crash_latitude,
        crash_longitude,
        crash_altitude,
        gps_accuracy_at_crash,
        speed_at_crash,
        speed_change_at_crash,
        max_speed_before_crash,
        context_seconds,
        error,
        alert_sent,
        user_feedback,
        user_comments,
        created_at,
        updated_at`

	listCrashEventsSQL = `SELECT ` + crashEventColumns + `
    FROM crash_events
    WHERE ($1::text = '' OR device_id = $1)
    ORDER BY crash_timestamp DESC
    LIMIT $2 OFFSET $3;`

	getCrashEventSQL = `SELECT ` + crashEventColumns + `
    FROM crash_events
    WHERE id = $1;`

	markAlertSentSQL = `UPDATE crash_events
    SET alert_sent = TRUE, updated_at = NOW()
    WHERE attempt_id = $1;`

	submitFeedbackSQL = `UPDATE crash_events
    SET user_feedback = $2, user_comments = NULLIF($3, ''), updated_at = NOW()
    WHERE id = $1;`

	deleteCrashEventsBeforeSQL = `DELETE FROM crash_events WHERE crash_timestamp < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ReadingStore defines operations for sensor reading persistence.
type ReadingStore interface {
	InsertReading(ctx context.Context, r Reading) error
	ListReadingsBetween(ctx context.Context, deviceID string, from, to time.Time) ([]Reading, error)
	DeleteReadingsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// CrashEventStore defines operations for crash event persistence and review.
type CrashEventStore interface {
	InsertCrashEvent(ctx context.Context, ev CrashEvent) (int64, error)
	ListCrashEvents(ctx context.Context, filter EventFilter) ([]CrashEvent, error)
	GetCrashEvent(ctx context.Context, id int64) (CrashEvent, error)
	MarkAlertSent(ctx context.Context, attemptID string) error
	SubmitFeedback(ctx context.Context, id int64, fb Feedback) error
	DeleteCrashEventsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to readings and crash events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 解锁失败时直接丢弃连接，会话结束即释放锁
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			_ = conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertReading persists a sample; duplicates per (device, ts) are ignored.
func (s *Store) InsertReading(ctx context.Context, r Reading) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertReadingSQL,
		r.DeviceID,
		r.Timestamp,
		r.AX, r.AY, r.AZ,
		r.Roll, r.Pitch,
		r.TiltDetected,
		r.GForce,
		r.Triggered,
		decimalArg(r.Latitude), decimalArg(r.Longitude), r.Altitude,
		r.Accuracy,
		r.Speed,
		r.SpeedChange,
	)
	if execErr != nil {
		return fmt.Errorf("insert reading: %w", execErr)
	}
	return nil
}

// ListReadingsBetween lists a device's readings within [from, to).
func (s *Store) ListReadingsBetween(ctx context.Context, deviceID string, from, to time.Time) ([]Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listReadingsBetweenSQL, deviceID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list readings between: %w", queryErr)
	}
	defer rows.Close()

	readings := make([]Reading, 0)
	for rows.Next() {
		r, scanErr := scanReading(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		readings = append(readings, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return readings, nil
}

// DeleteReadingsBefore prunes readings older than the cutoff.
func (s *Store) DeleteReadingsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteReadingsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete readings before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertCrashEvent persists an event and returns its id. Re-inserting the
// same attempt returns pgx.ErrNoRows.
func (s *Store) InsertCrashEvent(ctx context.Context, ev CrashEvent) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	indicators := ev.KeyIndicators
	if indicators == nil {
		indicators = []string{}
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertCrashEventSQL,
		ev.AttemptID,
		ev.DeviceID,
		ev.CrashTimestamp,
		ev.State,
		ev.IsConfirmedCrash,
		ev.ConfidenceScore,
		ev.Severity,
		ev.CrashType,
		ev.TriggerType,
		ev.AIReasoning,
		indicators,
		ev.FalsePositiveRisk,
		ev.MaxGForce,
		ev.ImpactAcceleration,
		ev.FinalTilt,
		decimalArg(ev.Latitude),
		decimalArg(ev.Longitude),
		ev.Altitude,
		ev.GPSAccuracy,
		ev.Speed,
		ev.SpeedChange,
		ev.MaxSpeedBefore,
		ev.ContextSeconds,
		ev.Error,
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert crash event: %w", scanErr)
	}
	return id, nil
}

// ListCrashEvents lists events newest first, optionally for one device.
func (s *Store) ListCrashEvents(ctx context.Context, filter EventFilter) ([]CrashEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, queryErr := pool.Query(ctx, listCrashEventsSQL, filter.DeviceID, limit, offset)
	if queryErr != nil {
		return nil, fmt.Errorf("list crash events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]CrashEvent, 0, limit)
	for rows.Next() {
		ev, scanErr := scanCrashEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// GetCrashEvent loads one event by id.
func (s *Store) GetCrashEvent(ctx context.Context, id int64) (CrashEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return CrashEvent{}, err
	}
	ev, scanErr := scanCrashEvent(pool.QueryRow(ctx, getCrashEventSQL, id))
	if scanErr != nil {
		return CrashEvent{}, fmt.Errorf("get crash event %d: %w", id, scanErr)
	}
	return ev, nil
}

// MarkAlertSent flags the event produced by an escalation attempt as notified.
func (s *Store) MarkAlertSent(ctx context.Context, attemptID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, markAlertSentSQL, attemptID)
	if execErr != nil {
		return fmt.Errorf("mark alert sent: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SubmitFeedback records the rider's assessment of an event.
func (s *Store) SubmitFeedback(ctx context.Context, id int64, fb Feedback) error {
	if !fb.Valid() {
		return ErrInvalidFeedback
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, submitFeedbackSQL, id, fb.Verdict, fb.Comments)
	if execErr != nil {
		return fmt.Errorf("submit feedback: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// DeleteCrashEventsBefore prunes old events.
func (s *Store) DeleteCrashEventsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteCrashEventsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete crash events before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func decimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDecimal(s *string, field string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return &d, nil
}

func scanReading(row pgx.Row) (Reading, error) {
	var (
		r        Reading
		lat, lon *string
	)
	if err := row.Scan(
		&r.ID, &r.DeviceID, &r.Timestamp,
		&r.AX, &r.AY, &r.AZ,
		&r.Roll, &r.Pitch,
		&r.TiltDetected,
		&r.GForce,
		&r.Triggered,
		&lat, &lon, &r.Altitude,
		&r.Accuracy,
		&r.Speed,
		&r.SpeedChange,
		&r.CreatedAt,
	); err != nil {
		return Reading{}, err
	}
	var err error
	if r.Latitude, err = parseDecimal(lat, "latitude"); err != nil {
		return Reading{}, err
	}
	if r.Longitude, err = parseDecimal(lon, "longitude"); err != nil {
		return Reading{}, err
	}
	return r, nil
}

func scanCrashEvent(row pgx.Row) (CrashEvent, error) {
	var (
		ev       CrashEvent
		lat, lon *string
	)
	if err := row.Scan(
		&ev.ID,
		&ev.AttemptID,
		&ev.DeviceID,
		&ev.CrashTimestamp,
		&ev.State,
		&ev.IsConfirmedCrash,
		&ev.ConfidenceScore,
		&ev.Severity,
		&ev.CrashType,
		&ev.TriggerType,
		&ev.AIReasoning,
		&ev.KeyIndicators,
		&ev.FalsePositiveRisk,
		&ev.MaxGForce,
		&ev.ImpactAcceleration,
		&ev.FinalTilt,
		&lat,
		&lon,
		&ev.Altitude,
		&ev.GPSAccuracy,
		&ev.Speed,
		&ev.SpeedChange,
		&ev.MaxSpeedBefore,
		&ev.ContextSeconds,
		&ev.Error,
		&ev.AlertSent,
		&ev.UserFeedback,
		&ev.UserComments,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	); err != nil {
		return CrashEvent{}, err
	}
	var err error
	if ev.Latitude, err = parseDecimal(lat, "crash latitude"); err != nil {
		return CrashEvent{}, err
	}
	if ev.Longitude, err = parseDecimal(lon, "crash longitude"); err != nil {
		return CrashEvent{}, err
	}
	return ev, nil
}

var (
	_ ReadingStore    = (*Store)(nil)
	_ CrashEventStore = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
