package swarm

import (
	"time"

	"github.com/ruvnet/swarmcore/internal/config"
)

// breakerState is a per-agent circuit breaker state (spec.md §4.5).
type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half-open"
)

// breaker tracks one agent's recent attempt outcomes in a fixed-size
// ring and derives closed/open/half-open state from them.
type breaker struct {
	cfg config.BreakerConfig

	state       breakerState
	outcomes    []bool // true = success, ring buffer of size cfg.WindowSize
	next        int
	filled      int
	cooldown    time.Duration
	openedAt    time.Time
}

func newBreaker(cfg config.BreakerConfig) *breaker {
	return &breaker{
		cfg:      cfg,
		state:    breakerClosed,
		outcomes: make([]bool, cfg.WindowSize),
		cooldown: cfg.Cooldown,
	}
}

// allows reports whether a dispatch to this agent may proceed right
// now, transitioning open → half-open once the cooldown has elapsed.
func (b *breaker) allows(now time.Time) bool {
	switch b.state {
	case breakerClosed, breakerHalfOpen:
		return true
	case breakerOpen:
		if now.Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// record feeds one attempt outcome into the breaker (spec.md §4.5):
// in half-open, success closes and resets; failure reopens with doubled
// cooldown (capped at MaxCooldown). In closed, it recomputes the
// failure rate over the trailing window and trips to open once the
// threshold and min-attempts are both met.
func (b *breaker) record(success bool, now time.Time) {
	if b.state == breakerHalfOpen {
		if success {
			b.state = breakerClosed
			b.cooldown = b.cfg.Cooldown
			b.next, b.filled = 0, 0
			b.outcomes = make([]bool, b.cfg.WindowSize)
			return
		}
		b.trip(now)
		return
	}

	b.outcomes[b.next] = success
	b.next = (b.next + 1) % len(b.outcomes)
	if b.filled < len(b.outcomes) {
		b.filled++
	}

	if b.state == breakerClosed && b.filled >= b.cfg.MinAttempts {
		failures := 0
		for i := 0; i < b.filled; i++ {
			if !b.outcomes[i] {
				failures++
			}
		}
		if float64(failures)/float64(b.filled) >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	}
}

func (b *breaker) trip(now time.Time) {
	wasOpen := b.state == breakerOpen || b.state == breakerHalfOpen
	b.state = breakerOpen
	b.openedAt = now
	if wasOpen {
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
	}
}
