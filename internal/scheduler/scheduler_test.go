package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	var order []string
	s.Add("first", func(context.Context, time.Time) error {
		order = append(order, "first")
		return errors.New("boom")
	})
	s.Add("second", func(context.Context, time.Time) error {
		order = append(order, "second")
		return nil
	})

	s.RunOnce(context.Background(), time.Now())
	if len(order) != 2 || order[1] != "second" {
		t.Fatalf("失败任务不应阻断后续任务: %v", order)
	}
	if got := s.Jobs(); len(got) != 2 || got[0] != "first" {
		t.Fatalf("unexpected job list %v", got)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 20 * time.Millisecond}, zerolog.Nop())
	var ticks atomic.Int32
	s.Add("count", func(context.Context, time.Time) error {
		ticks.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run 应随 ctx 结束返回: %v", err)
	}
	if ticks.Load() < 2 {
		t.Fatalf("expected at least two ticks, got %d", ticks.Load())
	}
}

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2025, 3, 1, 8, 7, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2025, 3, 1, 8, 10, 0, 0, time.UTC)) {
		t.Fatalf("对齐后的下一个 tick 不正确: %s", got)
	}
	exact := time.Date(2025, 3, 1, 8, 10, 0, 0, time.UTC)
	if got := s.nextTick(exact); !got.Equal(exact.Add(5 * time.Minute)) {
		t.Fatalf("边界时间应跳到下一个区间: %s", got)
	}
}
