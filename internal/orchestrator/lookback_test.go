package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crash-sentry/internal/oracle"
)

func TestLookback(t *testing.T) {
	p := DefaultLookbackPolicy()
	cases := map[time.Duration]time.Duration{
		10 * time.Second: 30 * time.Second,
		15 * time.Second: 45 * time.Second,
		30 * time.Second: 90 * time.Second,
		60 * time.Second: 180 * time.Second,
		90 * time.Second: 180 * time.Second,
		5 * time.Second:  30 * time.Second,
	}
	for interval, want := range cases {
		assert.Equal(t, want, p.Lookback(interval), "interval %s", interval)
	}
}

func TestPriorCount(t *testing.T) {
	assert.Equal(t, 1, PriorCount(10*time.Second))
	assert.Equal(t, 1, PriorCount(39*time.Second))
	assert.Equal(t, 2, PriorCount(40*time.Second))
	assert.Equal(t, 3, PriorCount(60*time.Second))
}

func TestMemoryHistoryNewestFirstAndBounded(t *testing.T) {
	h := NewMemoryHistory(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Record(ctx, "d", oracle.PriorVerdict{Confidence: float64(i) / 10}))
	}
	require.NoError(t, h.Record(ctx, "other", oracle.PriorVerdict{}))

	got, err := h.Recent(ctx, "d", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.InDelta(t, 0.4, got[0].Confidence, 1e-9)
	assert.InDelta(t, 0.2, got[2].Confidence, 1e-9)

	got, _ = h.Recent(ctx, "missing", time.Time{}, 2)
	assert.Empty(t, got)
}

func TestMemoryHistoryHonoursCutoff(t *testing.T) {
	h := NewMemoryHistory(0)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, h.Record(ctx, "d", oracle.PriorVerdict{CrashType: "old", Timestamp: now.Add(-72 * time.Hour)}))
	require.NoError(t, h.Record(ctx, "d", oracle.PriorVerdict{CrashType: "edge", Timestamp: now.Add(-time.Minute)}))
	require.NoError(t, h.Record(ctx, "d", oracle.PriorVerdict{CrashType: "new", Timestamp: now.Add(-10 * time.Second)}))

	got, err := h.Recent(ctx, "d", now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 2, "超出回看窗口的结论不应返回")
	assert.Equal(t, "new", got[0].CrashType)
	assert.Equal(t, "edge", got[1].CrashType)

	got, err = h.Recent(ctx, "d", now.Add(-time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].CrashType)

	got, err = h.Recent(ctx, "d", now, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
