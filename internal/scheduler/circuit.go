// Package scheduler — circuit breaker transitions.
//
// The breaker is an explicit tagged state machine (closed, open, half-open)
// with transition functions, kept separate from selection logic so every
// transition is exhaustively testable.
package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
)

var circuitTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "publish_circuit_transitions_total",
		Help: "Circuit breaker state transitions.",
	},
	[]string{"from", "to"},
)

func init() {
	prometheus.MustRegister(circuitTransitions)
}

// breakerConfig carries the circuit tunables the transitions need.
type breakerConfig struct {
	Threshold   int           // consecutive failures before opening
	Cooldown    time.Duration // initial open hold
	MaxCooldown time.Duration // escalation cap
}

// openCooldown computes the cooldown for the nth consecutive open
// (1-based): cooldown doubles per re-open, capped.
func (c breakerConfig) openCooldown(openCount int) time.Duration {
	d := c.Cooldown
	for i := 1; i < openCount; i++ {
		d *= 2
		if d >= c.MaxCooldown {
			return c.MaxCooldown
		}
	}
	if d > c.MaxCooldown {
		return c.MaxCooldown
	}
	return d
}

// transition records a state change on the unit and emits the metric.
func transition(u *poolUnit, to domain.CircuitState) {
	from := u.CircuitState
	if from == to {
		return
	}
	circuitTransitions.WithLabelValues(string(from), string(to)).Inc()
	log.Info().
		Str("account_token", u.AccountToken).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("circuit transition")
	u.CircuitState = to
}

// recordSuccess applies a successful outcome: the failure streak resets and
// a half-open trial closes the breaker.
func recordSuccess(u *poolUnit, now time.Time) {
	u.ConsecutiveFailures = 0
	u.TrialInFlight = false
	switch u.CircuitState {
	case domain.CircuitHalfOpen, domain.CircuitOpen:
		transition(u, domain.CircuitClosed)
		u.OpenCount = 0
		u.CooldownUntil = nil
	}
}

// recordFailure applies a failed outcome. A half-open trial failure re-opens
// with an escalated cooldown; in closed state the streak is counted and the
// breaker opens once it reaches the threshold.
func recordFailure(u *poolUnit, cfg breakerConfig, now time.Time) {
	u.ConsecutiveFailures++
	switch u.CircuitState {
	case domain.CircuitHalfOpen:
		u.TrialInFlight = false
		u.OpenCount++
		openUnit(u, cfg, now)
	case domain.CircuitClosed:
		if u.ConsecutiveFailures >= cfg.Threshold {
			u.OpenCount++
			openUnit(u, cfg, now)
		}
	case domain.CircuitOpen:
		// Straggler outcome from before the open; the cooldown in
		// place stands.
	}
}

// openUnit moves the unit to open and stamps its cooldown.
func openUnit(u *poolUnit, cfg breakerConfig, now time.Time) {
	transition(u, domain.CircuitOpen)
	until := now.Add(cfg.openCooldown(u.OpenCount))
	u.CooldownUntil = &until
}

// maybeHalfOpen promotes an open unit whose cooldown has elapsed to
// half-open, where exactly one trial is allowed.
func maybeHalfOpen(u *poolUnit, now time.Time) {
	if u.CircuitState == domain.CircuitOpen &&
		(u.CooldownUntil == nil || !u.CooldownUntil.After(now)) {
		transition(u, domain.CircuitHalfOpen)
		u.TrialInFlight = false
	}
}

// circuitAdmits reports whether the unit's breaker currently permits a
// dispatch, after applying any due open→half-open promotion.
func circuitAdmits(u *poolUnit, now time.Time) bool {
	maybeHalfOpen(u, now)
	switch u.CircuitState {
	case domain.CircuitClosed:
		return true
	case domain.CircuitHalfOpen:
		return !u.TrialInFlight
	default:
		return false
	}
}
