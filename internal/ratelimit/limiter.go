// Package ratelimit — admission control front end.
//
// The Limiter combines the window table with the counter store and exposes
// the decision surface used by the scheduler and the administrative API.
package ratelimit

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	// rlDecisions counts admission outcomes by platform, endpoint and the
	// window (or "none") that limited the call.
	rlDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publish_ratelimit_decisions_total",
			Help: "Rate limiter admission decisions.",
		},
		[]string{"platform", "endpoint", "allowed", "window"},
	)

	// rlFailOpen counts admissions granted because the counter store was
	// unreachable.
	rlFailOpen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "publish_ratelimit_fail_open_total",
			Help: "Admissions allowed due to counter store outages.",
		},
	)
)

func init() {
	prometheus.MustRegister(rlDecisions, rlFailOpen)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Remaining is the tightest remaining capacity after this admission;
	// -1 when denied or unknown (fail-open).
	Remaining int `json:"remaining"`
	// RetryAfterSeconds is how long the caller should wait before retrying;
	// 0 when allowed, always >= 1 when denied.
	RetryAfterSeconds int `json:"retry_after_seconds"`
	// LimitingWindow names the first window that would be exceeded
	// (burst → minute → hour → day); empty when allowed.
	LimitingWindow string `json:"limiting_window,omitempty"`
}

// WindowStatus is a non-mutating snapshot of one window's occupancy.
type WindowStatus struct {
	Window        string `json:"window"`
	Limit         int    `json:"limit"`
	Count         int64  `json:"count"`
	WindowSeconds int    `json:"window_seconds"`
}

// Limiter performs sliding-window admission control against the shared
// counter store. Safe for concurrent use.
type Limiter struct {
	table *Table
	store CounterStore

	// now is a seam for tests.
	now func() time.Time
}

// NewLimiter builds a Limiter over the given window table and counter store.
func NewLimiter(table *Table, store CounterStore) *Limiter {
	return &Limiter{table: table, store: store, now: time.Now}
}

// keyBase builds the store key fragment for one tuple. Account tokens are
// opaque to the limiter; they only need to be stable.
func keyBase(accountToken, platform, endpoint string) string {
	return accountToken + ":" + platform + ":" + endpoint
}

// CheckAndConsume checks all four windows in strict tightest-first order
// and, if all have capacity, atomically records one event in each. The
// first window that would be exceeded is reported as the limiting window
// even when a coarser window is also near its cap.
//
// Failure policy: when the counter store is unreachable the limiter fails
// open — the request is allowed and the outage is logged and counted.
// Platform-side limits remain as the backstop during such outages.
func (l *Limiter) CheckAndConsume(ctx context.Context, accountToken, platform, endpoint string) Decision {
	win, configured := l.table.Lookup(platform, endpoint)
	if !configured {
		log.Debug().
			Str("platform", platform).
			Str("endpoint", endpoint).
			Msg("no rate limit window configured, using conservative default")
	}

	res, err := l.store.CheckAndConsume(ctx, keyBase(accountToken, platform, endpoint), l.now(), uuid.NewString(), win.specs())
	if err != nil {
		rlFailOpen.Inc()
		log.Warn().
			Err(err).
			Str("platform", platform).
			Str("endpoint", endpoint).
			Msg("rate limit store unreachable, failing open")
		return Decision{Allowed: true, Remaining: -1}
	}

	if res.Allowed {
		rlDecisions.WithLabelValues(platform, endpoint, "true", "none").Inc()
		return Decision{Allowed: true, Remaining: res.Remaining}
	}

	retry := int(math.Ceil(res.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	rlDecisions.WithLabelValues(platform, endpoint, "false", res.LimitingWindow).Inc()
	return Decision{
		Allowed:           false,
		Remaining:         -1,
		RetryAfterSeconds: retry,
		LimitingWindow:    res.LimitingWindow,
	}
}

// GetStatus returns the current count versus limit for every window of the
// tuple without recording anything.
func (l *Limiter) GetStatus(ctx context.Context, accountToken, platform, endpoint string) ([]WindowStatus, error) {
	win, _ := l.table.Lookup(platform, endpoint)
	specs := win.specs()
	counts, err := l.store.Counts(ctx, keyBase(accountToken, platform, endpoint), l.now(), specs)
	if err != nil {
		return nil, err
	}
	out := make([]WindowStatus, len(specs))
	for i, spec := range specs {
		out[i] = WindowStatus{
			Window:        spec.Name,
			Limit:         spec.Limit,
			Count:         counts[i],
			WindowSeconds: int(spec.Span.Seconds()),
		}
	}
	return out, nil
}

// Reset administratively clears counters for an account. Platform and
// endpoint may each be empty to widen the reset scope.
func (l *Limiter) Reset(ctx context.Context, accountToken, platform, endpoint string) (int64, error) {
	if strings.TrimSpace(accountToken) == "" {
		return 0, nil
	}
	pat := accountToken + ":"
	if platform == "" {
		pat += "*"
	} else if endpoint == "" {
		pat += platform + ":*"
	} else {
		pat += platform + ":" + endpoint + ":*"
	}
	return l.store.Reset(ctx, pat)
}
