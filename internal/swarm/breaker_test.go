package swarm

import (
	"testing"
	"time"

	"github.com/ruvnet/swarmcore/internal/config"
)

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		WindowSize:       4,
		FailureThreshold: 0.5,
		MinAttempts:      3,
		Cooldown:         time.Minute,
		MaxCooldown:      4 * time.Minute,
	}
}

func TestBreakerStaysClosedUnderThreshold(t *testing.T) {
	b := newBreaker(testBreakerConfig())
	now := time.Now()
	b.record(true, now)
	b.record(true, now)
	b.record(false, now)
	if b.state != breakerClosed {
		t.Fatalf("state = %s, want closed (1/3 failures is under the 0.5 threshold)", b.state)
	}
	if !b.allows(now) {
		t.Fatal("closed breaker must allow dispatch")
	}
}

func TestBreakerTripsAtFailureThreshold(t *testing.T) {
	b := newBreaker(testBreakerConfig())
	now := time.Now()
	b.record(false, now)
	b.record(false, now)
	b.record(true, now)
	if b.state != breakerOpen {
		t.Fatalf("state = %s, want open once 2/3 failures crosses the 0.5 threshold", b.state)
	}
	if b.allows(now) {
		t.Fatal("open breaker must not allow dispatch before cooldown elapses")
	}
}

// tripFromClosed feeds enough failures to trip a fresh breaker from closed.
func tripFromClosed(b *breaker, at time.Time) {
	b.record(false, at)
	b.record(false, at)
	b.record(false, at)
}

func TestBreakerHalfOpenAfterCooldownThenCloses(t *testing.T) {
	b := newBreaker(testBreakerConfig())
	now := time.Now()
	tripFromClosed(b, now)

	later := now.Add(testBreakerConfig().Cooldown + time.Second)
	if !b.allows(later) {
		t.Fatal("expected breaker to allow a probe once cooldown has elapsed")
	}
	if b.state != breakerHalfOpen {
		t.Fatalf("state = %s, want half-open", b.state)
	}

	b.record(true, later)
	if b.state != breakerClosed {
		t.Fatalf("state = %s, want closed after a successful half-open probe", b.state)
	}
	if b.cooldown != testBreakerConfig().Cooldown {
		t.Fatalf("cooldown = %s, want reset to base cooldown", b.cooldown)
	}
}

func TestBreakerHalfOpenFailureDoublesCooldown(t *testing.T) {
	cfg := testBreakerConfig()
	b := newBreaker(cfg)
	now := time.Now()
	tripFromClosed(b, now)

	probe := now.Add(cfg.Cooldown + time.Second)
	b.allows(probe) // open -> half-open
	b.record(false, probe)

	if b.state != breakerOpen {
		t.Fatalf("state = %s, want open after a failed probe", b.state)
	}
	if b.cooldown != cfg.Cooldown*2 {
		t.Fatalf("cooldown = %s, want %s (doubled)", b.cooldown, cfg.Cooldown*2)
	}
}

func TestBreakerCooldownCapsAtMaxCooldown(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.Cooldown = 3 * time.Minute
	cfg.MaxCooldown = 4 * time.Minute
	b := newBreaker(cfg)
	now := time.Now()
	tripFromClosed(b, now)

	probe := now.Add(cfg.Cooldown + time.Second)
	b.allows(probe)
	b.record(false, probe) // would double to 6m, capped at 4m

	if b.cooldown != cfg.MaxCooldown {
		t.Fatalf("cooldown = %s, want capped at %s", b.cooldown, cfg.MaxCooldown)
	}
}

func TestBreakerFreshTripDoesNotDoubleCooldown(t *testing.T) {
	cfg := testBreakerConfig()
	b := newBreaker(cfg)
	now := time.Now()
	tripFromClosed(b, now)
	if b.cooldown != cfg.Cooldown {
		t.Fatalf("cooldown = %s, want unchanged base cooldown on the first trip from closed", b.cooldown)
	}
}
