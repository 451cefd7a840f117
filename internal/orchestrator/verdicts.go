package orchestrator

import (
	"context"
	"sync"
	"time"

	"crash-sentry/internal/oracle"
)

// VerdictHistory stores decided verdicts per device, newest first on read.
// Recent returns at most n verdicts whose timestamp is not before since.
type VerdictHistory interface {
	Record(ctx context.Context, deviceID string, v oracle.PriorVerdict) error
	Recent(ctx context.Context, deviceID string, since time.Time, n int) ([]oracle.PriorVerdict, error)
}

// MemoryHistory keeps the last Capacity verdicts per device in process memory.
type MemoryHistory struct {
	capacity int

	mu      sync.Mutex
	entries map[string][]oracle.PriorVerdict
}

// NewMemoryHistory 创建内存版历史，capacity<=0 时取 20。
func NewMemoryHistory(capacity int) *MemoryHistory {
	if capacity <= 0 {
		capacity = 20
	}
	return &MemoryHistory{capacity: capacity, entries: make(map[string][]oracle.PriorVerdict)}
}

func (h *MemoryHistory) Record(_ context.Context, deviceID string, v oracle.PriorVerdict) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append([]oracle.PriorVerdict{v}, h.entries[deviceID]...)
	if len(list) > h.capacity {
		list = list[:h.capacity]
	}
	h.entries[deviceID] = list
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, deviceID string, since time.Time, n int) ([]oracle.PriorVerdict, error) {
	if n <= 0 {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return SelectRecent(h.entries[deviceID], since, n), nil
}

// SelectRecent keeps up to n verdicts from a newest-first list that are not
// older than since.
func SelectRecent(list []oracle.PriorVerdict, since time.Time, n int) []oracle.PriorVerdict {
	var out []oracle.PriorVerdict
	for _, v := range list {
		if len(out) == n {
			break
		}
		if v.Timestamp.Before(since) {
			continue
		}
		out = append(out, v)
	}
	return out
}

var _ VerdictHistory = (*MemoryHistory)(nil)
