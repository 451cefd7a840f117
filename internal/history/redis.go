// Package history keeps per-device verdict history in Redis so prior
// verdicts survive restarts and are shared across replicas.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"crash-sentry/internal/oracle"
	"crash-sentry/internal/orchestrator"
)

// Options configure the Redis history.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// Capacity bounds the list per device.
	Capacity int
	// TTL expires a device's list after inactivity; zero keeps it forever.
	TTL time.Duration
}

// RedisHistory stores each device's verdicts in a capped list, newest at the head.
type RedisHistory struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
	ttl      time.Duration
	logger   zerolog.Logger
}

// New dials Redis and pings it.
func New(ctx context.Context, opts Options, logger zerolog.Logger) (*RedisHistory, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, opts, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, opts Options, logger zerolog.Logger) *RedisHistory {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "crashsentry:verdicts:"
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 20
	}
	return &RedisHistory{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		ttl:      opts.TTL,
		logger:   logger.With().Str("component", "verdict_history").Logger(),
	}
}

func (h *RedisHistory) key(deviceID string) string {
	return h.prefix + deviceID
}

// Record pushes v at the head and trims the list in one transaction.
func (h *RedisHistory) Record(ctx context.Context, deviceID string, v oracle.PriorVerdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	key := h.key(deviceID)
	_, err = h.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, int64(h.capacity-1))
		if h.ttl > 0 {
			p.Expire(ctx, key, h.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record verdict: %w", err)
	}
	return nil
}

// Recent returns up to n verdicts not older than since, newest first.
// Undecodable entries are skipped.
func (h *RedisHistory) Recent(ctx context.Context, deviceID string, since time.Time, n int) ([]oracle.PriorVerdict, error) {
	if n <= 0 {
		return nil, nil
	}
	// 列表长度受 capacity 限制，整表读取后按时间过滤
	raw, err := h.client.LRange(ctx, h.key(deviceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load verdicts: %w", err)
	}
	decoded := make([]oracle.PriorVerdict, 0, len(raw))
	for _, item := range raw {
		var v oracle.PriorVerdict
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			h.logger.Warn().Err(err).Str("device_id", deviceID).Msg("skip undecodable verdict")
			continue
		}
		decoded = append(decoded, v)
	}
	return orchestrator.SelectRecent(decoded, since, n), nil
}

// Close releases the connection pool.
func (h *RedisHistory) Close() error {
	return h.client.Close()
}

var _ orchestrator.VerdictHistory = (*RedisHistory)(nil)
