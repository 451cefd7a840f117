// Package escalation guards the hand-off from local detection to remote
// confirmation: at most one escalation in flight per device, and never more
// often than the configured minimum interval.
package escalation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Decision is the gate's answer to an admission request.
type Decision struct {
	Outcome   Verdict
	Remaining time.Duration
}

// Verdict enumerates admission outcomes.
type Verdict string

const (
	Admitted    Verdict = "admitted"
	InFlight    Verdict = "in_flight"
	RateLimited Verdict = "rate_limited"
)

// Admitted reports whether the caller may escalate.
func (d Decision) Admitted() bool { return d.Outcome == Admitted }

func (d Decision) String() string {
	if d.Outcome == RateLimited {
		return fmt.Sprintf("%s (%s remaining)", d.Outcome, d.Remaining)
	}
	return string(d.Outcome)
}

// State is a point-in-time snapshot of the gate.
type State struct {
	LastEscalation time.Time
	InFlight       bool
	AttemptStart   time.Time
	AttemptID      string
}

// Options configure a Gate.
type Options struct {
	MinInterval time.Duration
	// OnRelease runs after every completed escalation, typically Detector.Reset.
	OnRelease func()
	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Gate is the per-device single-flight + rate-limit guard.
type Gate struct {
	interval  time.Duration
	onRelease func()
	now       func() time.Time
	logger    zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewGate constructs a gate. MinInterval must be positive.
func NewGate(opts Options, logger zerolog.Logger) *Gate {
	if opts.MinInterval <= 0 {
		panic("escalation gate interval must be positive")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		interval:  opts.MinInterval,
		onRelease: opts.OnRelease,
		now:       now,
		logger:    logger.With().Str("component", "escalation_gate").Logger(),
	}
}

// TryAdmit decides whether an escalation may start now. On admission the
// returned Ticket must be released exactly once the orchestration finishes;
// extra releases are ignored.
func (g *Gate) TryAdmit() (*Ticket, Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if g.state.InFlight {
		g.logger.Debug().Str("attempt_id", g.state.AttemptID).
			Dur("in_flight_for", now.Sub(g.state.AttemptStart)).
			Msg("escalation rejected: already in flight")
		return nil, Decision{Outcome: InFlight}
	}

	if !g.state.LastEscalation.IsZero() {
		elapsed := now.Sub(g.state.LastEscalation)
		if elapsed < g.interval {
			remaining := g.interval - elapsed
			g.logger.Debug().Dur("remaining", remaining).
				Time("last_escalation", g.state.LastEscalation).
				Msg("escalation rejected: rate limited")
			return nil, Decision{Outcome: RateLimited, Remaining: remaining}
		}
	}

	id := uuid.NewString()
	g.state.InFlight = true
	g.state.AttemptStart = now
	g.state.AttemptID = id

	g.logger.Info().Str("attempt_id", id).Msg("escalation admitted")
	return &Ticket{id: id, gate: g, started: now}, Decision{Outcome: Admitted}
}

// Snapshot returns the current state.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Interval returns the configured minimum interval.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

func (g *Gate) release(id string) {
	g.mu.Lock()
	if !g.state.InFlight || g.state.AttemptID != id {
		g.mu.Unlock()
		return
	}
	now := g.now()
	started := g.state.AttemptStart
	g.state.InFlight = false
	g.state.LastEscalation = now
	g.mu.Unlock()

	if g.onRelease != nil {
		g.onRelease()
	}

	g.logger.Info().Str("attempt_id", id).Dur("duration", now.Sub(started)).Msg("escalation released")
}

// Ticket represents one admitted escalation.
type Ticket struct {
	id      string
	gate    *Gate
	started time.Time
	once    sync.Once
}

// ID identifies the escalation attempt.
func (t *Ticket) ID() string { return t.id }

// Started returns the admission time.
func (t *Ticket) Started() time.Time { return t.started }

// Release clears the in-flight flag, stamps the last escalation time and
// resets the detector. Safe to call from any goroutine, any number of times.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() { t.gate.release(t.id) })
}
