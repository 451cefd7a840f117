package service

import (
	"context"
	"sync"

	"crash-sentry/internal/detector"
	"crash-sentry/internal/session"
)

type message struct {
	sample *detector.SensorSample
	gps    *detector.GPSSample
}

// actor owns one session and the queue feeding it.
type actor struct {
	sess  *session.Session
	inbox chan message
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// send reports false when the actor has been retired.
func (a *actor) send(ctx context.Context, msg message) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false, nil
	}
	select {
	case a.inbox <- msg:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// retire closes the inbox once; the loop drains what is queued.
func (a *actor) retire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.closed = true
	close(a.inbox)
	return true
}

func (a *actor) isClosed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.closed
}
