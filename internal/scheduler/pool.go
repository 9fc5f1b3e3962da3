// Package scheduler implements fair-share selection of accounts competing
// for a shared dispatch budget. Ordering is (priority ascending, last
// scheduled ascending with never-scheduled first); per-account circuit
// breakers exclude consistently failing accounts, a starvation sweep boosts
// accounts left waiting too long, and a uniform jitter decorrelates
// dispatches against the same platform.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/chrlshc/ofm-social-os-sub006/internal/config"
	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
	"github.com/chrlshc/ofm-social-os-sub006/internal/ratelimit"
	"github.com/chrlshc/ofm-social-os-sub006/internal/repo"
)

var schedDispatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "publish_scheduler_dispatches_total",
		Help: "Scheduler dispatch decisions.",
	},
	[]string{"outcome"}, // granted | rate_limited | circuit_open
)

func init() {
	prometheus.MustRegister(schedDispatches)
}

// ErrNotRegistered is returned when an account has no schedulable unit.
var ErrNotRegistered = errors.New("account not registered")

// ErrDeactivated is returned for accounts that were administratively
// removed from scheduling.
var ErrDeactivated = errors.New("account deactivated")

// CircuitOpenError reports that an account is temporarily excluded from
// scheduling. Retryable once RetryAfter has elapsed.
type CircuitOpenError struct {
	AccountToken string
	RetryAfter   time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for account %s, retry after %s", e.AccountToken, e.RetryAfter)
}

// RateLimitedError reports a rate limiter denial for the chosen unit. The
// unit has already been returned to the pool with a cooldown; the caller
// should back off for at least Decision.RetryAfterSeconds.
type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s window, retry after %ds",
		e.Decision.LimitingWindow, e.Decision.RetryAfterSeconds)
}

// AdmissionChecker is the rate limiter surface the scheduler consults
// before confirming a dispatch.
type AdmissionChecker interface {
	CheckAndConsume(ctx context.Context, accountToken, platform, endpoint string) ratelimit.Decision
}

// poolUnit is the pool's in-memory view of one schedulable unit: the
// durable fields plus transient scheduling bookkeeping that never persists.
type poolUnit struct {
	domain.SchedulableUnit

	// pending counts waiters currently trying to acquire a turn.
	pending int
	// TrialInFlight marks the single half-open probe as taken.
	TrialInFlight bool
}

// Pool is one scheduling partition. All unit mutations happen under mu and
// are written through to the durable store as narrow column updates, so an
// administrative reset racing a scheduling loop can not corrupt in-flight
// state.
type Pool struct {
	mu    sync.Mutex
	units map[string]*poolUnit

	db      *gorm.DB
	limiter AdmissionChecker
	cfg     config.SchedulerConfig

	// seams for tests
	now   func() time.Time
	randF func() float64 // uniform [0,1)
	// pollInterval paces Acquire waiters when it is not their turn.
	pollInterval time.Duration
}

// NewPool constructs a scheduling pool. db may be nil for purely in-memory
// operation (tests); limiter must be non-nil.
func NewPool(db *gorm.DB, limiter AdmissionChecker, cfg config.SchedulerConfig) *Pool {
	return &Pool{
		units:        make(map[string]*poolUnit),
		db:           db,
		limiter:      limiter,
		cfg:          cfg,
		now:          time.Now,
		randF:        rand.Float64,
		pollInterval: 20 * time.Millisecond,
	}
}

// Hydrate loads all active units from the durable store into the pool.
// Called once at startup, before scheduling begins.
func (p *Pool) Hydrate(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	units, err := repo.ListActiveUnits(ctx, p.db)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range units {
		p.units[u.AccountToken] = &poolUnit{SchedulableUnit: u}
	}
	return nil
}

// Register adds an account to the pool. Registration is idempotent: an
// account already present keeps its accumulated scheduling state.
func (p *Pool) Register(ctx context.Context, accountToken string, priority int) error {
	p.mu.Lock()
	if u, ok := p.units[accountToken]; ok {
		active := u.Active
		p.mu.Unlock()
		if !active {
			return ErrDeactivated
		}
		return nil
	}
	unit := domain.SchedulableUnit{
		AccountToken: accountToken,
		Priority:     priority,
		Active:       true,
		CircuitState: domain.CircuitClosed,
		RegisteredAt: p.now().UTC(),
	}
	p.units[accountToken] = &poolUnit{SchedulableUnit: unit}
	p.mu.Unlock()

	if p.db != nil {
		return repo.UpsertUnit(ctx, p.db, &unit)
	}
	return nil
}

// Deactivate removes an account from scheduling. Its unit row remains.
func (p *Pool) Deactivate(ctx context.Context, accountToken string) error {
	p.mu.Lock()
	u, ok := p.units[accountToken]
	if ok {
		u.Active = false
	}
	p.mu.Unlock()
	if !ok {
		return ErrNotRegistered
	}
	if p.db != nil {
		return repo.DeactivateUnit(ctx, p.db, accountToken)
	}
	return nil
}

// eligible reports whether the unit may be considered for dispatch now.
func (p *Pool) eligible(u *poolUnit, now time.Time) bool {
	if !u.Active {
		return false
	}
	if !circuitAdmits(u, now) {
		return false
	}
	if u.CooldownUntil != nil && u.CooldownUntil.After(now) {
		return false
	}
	return true
}

// selectLocked applies the ordering rule over eligible units with pending
// demand: priority ascending, then lastScheduledAt ascending with
// never-scheduled units first. Must be called with mu held.
func (p *Pool) selectLocked(now time.Time) *poolUnit {
	candidates := make([]*poolUnit, 0, len(p.units))
	for _, u := range p.units {
		if u.pending > 0 && p.eligible(u, now) {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		switch {
		case a.LastScheduledAt == nil && b.LastScheduledAt == nil:
			return a.AccountToken < b.AccountToken // stable tie-break
		case a.LastScheduledAt == nil:
			return true
		case b.LastScheduledAt == nil:
			return false
		default:
			return a.LastScheduledAt.Before(*b.LastScheduledAt)
		}
	})
	return candidates[0]
}

// SelectNext returns a snapshot of the unit that would be dispatched next,
// or nil when no eligible unit has pending demand. Exposed for
// observability; Acquire is the dispatch path.
func (p *Pool) SelectNext() *domain.SchedulableUnit {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u := p.selectLocked(p.now()); u != nil {
		snap := u.SchedulableUnit
		return &snap
	}
	return nil
}

// Acquire blocks until it is the account's turn to dispatch one platform
// call, then consults the rate limiter and, if admitted, marks the unit
// scheduled and applies jitter before returning.
//
// Non-blocking failures:
//   - *CircuitOpenError when the account's breaker excludes it;
//   - *RateLimitedError when the limiter denies the chosen slot — the unit
//     goes back to the pool with cooldownUntil = now + retryAfter rather
//     than being retried immediately;
//   - ctx.Err() when the caller gives up waiting.
func (p *Pool) Acquire(ctx context.Context, accountToken, platform, endpoint string) error {
	p.mu.Lock()
	u, ok := p.units[accountToken]
	if !ok {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	u.pending++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		u.pending--
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		now := p.now()
		if !u.Active {
			p.mu.Unlock()
			return ErrDeactivated
		}
		if !circuitAdmits(u, now) {
			retry := p.cfg.CircuitCooldown
			if u.CooldownUntil != nil && u.CooldownUntil.After(now) {
				retry = u.CooldownUntil.Sub(now)
			}
			p.mu.Unlock()
			schedDispatches.WithLabelValues("circuit_open").Inc()
			return &CircuitOpenError{AccountToken: accountToken, RetryAfter: retry}
		}

		if next := p.selectLocked(now); next == u {
			dec := p.limiter.CheckAndConsume(ctx, accountToken, platform, endpoint)
			if !dec.Allowed {
				until := now.Add(time.Duration(dec.RetryAfterSeconds) * time.Second)
				u.CooldownUntil = &until
				p.persistLocked(ctx, accountToken, map[string]any{"cooldown_until": until})
				p.mu.Unlock()
				schedDispatches.WithLabelValues("rate_limited").Inc()
				return &RateLimitedError{Decision: dec}
			}

			at := now.UTC()
			u.LastScheduledAt = &at
			if u.CircuitState == domain.CircuitHalfOpen {
				u.TrialInFlight = true
			}
			p.persistLocked(ctx, accountToken, map[string]any{"last_scheduled_at": at})
			jitter := p.Jitter(p.cfg.JitterMin, p.cfg.JitterMax)
			p.mu.Unlock()

			schedDispatches.WithLabelValues("granted").Inc()
			if jitter > 0 {
				t := time.NewTimer(jitter)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
			return nil
		}
		p.mu.Unlock()

		// Not our turn yet; yield and re-evaluate.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// ReportOutcome feeds a publish outcome into the account's circuit breaker
// and persists the resulting breaker state.
func (p *Pool) ReportOutcome(ctx context.Context, accountToken string, success bool) error {
	p.mu.Lock()
	u, ok := p.units[accountToken]
	if !ok {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	now := p.now()
	cfg := breakerConfig{
		Threshold:   p.cfg.CircuitThreshold,
		Cooldown:    p.cfg.CircuitCooldown,
		MaxCooldown: p.cfg.CircuitMaxCooldown,
	}
	if success {
		recordSuccess(u, now)
	} else {
		recordFailure(u, cfg, now)
	}
	fields := map[string]any{
		"consecutive_failures": u.ConsecutiveFailures,
		"circuit_state":        u.CircuitState,
		"open_count":           u.OpenCount,
		"cooldown_until":       u.CooldownUntil,
	}
	p.persistLocked(ctx, accountToken, fields)
	p.mu.Unlock()
	return nil
}

// TripCircuit administratively opens an account's breaker.
func (p *Pool) TripCircuit(ctx context.Context, accountToken string) error {
	p.mu.Lock()
	u, ok := p.units[accountToken]
	if !ok {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	now := p.now()
	u.OpenCount++
	openUnit(u, breakerConfig{
		Threshold:   p.cfg.CircuitThreshold,
		Cooldown:    p.cfg.CircuitCooldown,
		MaxCooldown: p.cfg.CircuitMaxCooldown,
	}, now)
	p.persistLocked(ctx, accountToken, map[string]any{
		"circuit_state":  u.CircuitState,
		"open_count":     u.OpenCount,
		"cooldown_until": u.CooldownUntil,
	})
	p.mu.Unlock()
	return nil
}

// ResetCircuit administratively closes an account's breaker and clears its
// failure history.
func (p *Pool) ResetCircuit(ctx context.Context, accountToken string) error {
	p.mu.Lock()
	u, ok := p.units[accountToken]
	if !ok {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	transition(u, domain.CircuitClosed)
	u.ConsecutiveFailures = 0
	u.OpenCount = 0
	u.CooldownUntil = nil
	u.TrialInFlight = false
	p.persistLocked(ctx, accountToken, map[string]any{
		"circuit_state":        domain.CircuitClosed,
		"consecutive_failures": 0,
		"open_count":           0,
		"cooldown_until":       nil,
	})
	p.mu.Unlock()
	return nil
}

// FindStarved returns snapshots of active units whose last scheduling (or
// registration, if never scheduled) is older than maxAge.
func (p *Pool) FindStarved(maxAge time.Duration) []domain.SchedulableUnit {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-maxAge)
	var out []domain.SchedulableUnit
	for _, u := range p.units {
		if !u.Active {
			continue
		}
		ref := u.RegisteredAt
		if u.LastScheduledAt != nil {
			ref = *u.LastScheduledAt
		}
		if ref.Before(cutoff) {
			out = append(out, u.SchedulableUnit)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountToken < out[j].AccountToken })
	return out
}

// BoostStarved raises the effective priority of every starved unit by one
// level (lower number = higher priority, floored at 0). Run by the
// background sweep.
func (p *Pool) BoostStarved(ctx context.Context, maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-maxAge)
	boosted := 0
	for _, u := range p.units {
		if !u.Active || u.Priority == 0 {
			continue
		}
		ref := u.RegisteredAt
		if u.LastScheduledAt != nil {
			ref = *u.LastScheduledAt
		}
		if ref.Before(cutoff) {
			u.Priority--
			p.persistLocked(ctx, u.AccountToken, map[string]any{"priority": u.Priority})
			boosted++
		}
	}
	if boosted > 0 {
		log.Info().Int("boosted", boosted).Msg("starvation sweep boosted accounts")
	}
	return boosted
}

// Jitter returns a uniformly distributed delay in [min, max], applied
// before dispatch to decorrelate retries against the same platform.
func (p *Pool) Jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(p.randF()*float64(max-min))
}

// persistLocked writes unit fields through to the durable store. Persistence
// errors are logged, not fatal: the in-memory pool stays authoritative for
// the current process and re-hydration heals on restart.
func (p *Pool) persistLocked(ctx context.Context, accountToken string, fields map[string]any) {
	if p.db == nil {
		return
	}
	if err := repo.UpdateUnitFields(ctx, p.db, accountToken, fields); err != nil {
		log.Warn().Err(err).Str("account_token", accountToken).Msg("unit persist failed")
	}
}
