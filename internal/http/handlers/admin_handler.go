// Admin HTTP handlers.
//
// This file exposes operational endpoints for the publishing pipeline:
//   - GET    /admin/ratelimits/status    (window occupancy snapshot)
//   - DELETE /admin/ratelimits           (reset counters, test/cleanup only)
//   - POST   /admin/circuits/{token}/trip
//   - POST   /admin/circuits/{token}/reset
//   - GET    /admin/starved              (accounts waiting too long)
//
// Every mutating admin call is audit-logged with the acting request id.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
	"github.com/chrlshc/ofm-social-os-sub006/internal/ratelimit"
	"github.com/chrlshc/ofm-social-os-sub006/internal/scheduler"
	"github.com/chrlshc/ofm-social-os-sub006/internal/utils"
)

// RateLimitAdmin defines the limiter operations exposed to operators.
type RateLimitAdmin interface {
	// GetStatus returns a non-mutating occupancy snapshot of all windows.
	GetStatus(ctx context.Context, accountToken, platform, endpoint string) ([]ratelimit.WindowStatus, error)
	// Reset clears counters for an account, optionally narrowed by
	// platform and endpoint. Returns the number of keys removed.
	Reset(ctx context.Context, accountToken, platform, endpoint string) (int64, error)
}

// SchedulerAdmin defines the scheduling operations exposed to operators.
type SchedulerAdmin interface {
	// TripCircuit opens an account's breaker immediately.
	TripCircuit(ctx context.Context, accountToken string) error
	// ResetCircuit closes an account's breaker and clears its history.
	ResetCircuit(ctx context.Context, accountToken string) error
	// FindStarved lists active accounts not scheduled within maxAge.
	FindStarved(maxAge time.Duration) []domain.SchedulableUnit
}

// AdminServices bundles the operational dependencies of the admin surface.
type AdminServices struct {
	RateLimits RateLimitAdmin
	Scheduler  SchedulerAdmin
	// StarvationAge is the default window for GET /admin/starved.
	StarvationAge time.Duration
}

// auditLog emits a structured audit record for a mutating admin action.
func auditLog(c *gin.Context, action string, fields map[string]string) {
	evt := log.Warn().
		Str("audit", action).
		Str("request_id", c.Writer.Header().Get("X-Request-ID")).
		Str("client_ip", c.ClientIP())
	for k, v := range fields {
		evt = evt.Str(k, v)
	}
	evt.Msg("admin action")
}

// RateLimitStatus godoc
// @ID          rateLimitStatus
// @Summary     Rate limit window status
// @Description Returns current occupancy of every window for (account, platform, endpoint) without consuming capacity.
// @Tags        Admin
// @Produce     json
//
// @Param       account   query  string  true   "Account token"
// @Param       platform  query  string  true   "Platform"
// @Param       endpoint  query  string  true   "Endpoint"
//
// @Success     200  {array}   ratelimit.WindowStatus
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/ratelimits/status [get]
func (h *Handlers) RateLimitStatus(c *gin.Context) {
	account := c.Query("account")
	platform := c.Query("platform")
	endpoint := c.Query("endpoint")
	if account == "" || platform == "" || endpoint == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "account, platform, and endpoint are required")
		return
	}
	status, err := h.admin.RateLimits.GetStatus(c.Request.Context(), account, platform, endpoint)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, status)
}

// RateLimitReset godoc
// @ID          rateLimitReset
// @Summary     Reset rate limit counters
// @Description Clears counters for an account, optionally narrowed by platform and endpoint. Intended for tests and operator cleanup.
// @Tags        Admin
// @Produce     json
//
// @Param       account   query  string  true   "Account token"
// @Param       platform  query  string  false  "Platform (narrows the reset)"
// @Param       endpoint  query  string  false  "Endpoint (narrows further; requires platform)"
//
// @Success     200  {object}  map[string]int64
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/ratelimits [delete]
func (h *Handlers) RateLimitReset(c *gin.Context) {
	account := c.Query("account")
	if account == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "account is required")
		return
	}
	platform := c.Query("platform")
	endpoint := c.Query("endpoint")

	removed, err := h.admin.RateLimits.Reset(c.Request.Context(), account, platform, endpoint)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	auditLog(c, "ratelimit_reset", map[string]string{
		"account": account, "platform": platform, "endpoint": endpoint,
	})
	ok(c, http.StatusOK, gin.H{"removed": removed})
}

// TripCircuit godoc
// @ID          tripCircuit
// @Summary     Trip an account's circuit breaker
// @Description Opens the breaker immediately, excluding the account from scheduling until its cooldown elapses.
// @Tags        Admin
// @Produce     json
//
// @Param       token  path  string  true  "Account token"
//
// @Success     204  "Circuit tripped"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown account"
// @Router      /admin/circuits/{token}/trip [post]
func (h *Handlers) TripCircuit(c *gin.Context) {
	token := c.Param("token")
	err := h.admin.Scheduler.TripCircuit(c.Request.Context(), token)
	if errors.Is(err, scheduler.ErrNotRegistered) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown account")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	auditLog(c, "circuit_trip", map[string]string{"account_token": token})
	noContent(c)
}

// ResetCircuit godoc
// @ID          resetCircuit
// @Summary     Reset an account's circuit breaker
// @Description Closes the breaker and clears the failure history and cooldown escalation.
// @Tags        Admin
// @Produce     json
//
// @Param       token  path  string  true  "Account token"
//
// @Success     204  "Circuit reset"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown account"
// @Router      /admin/circuits/{token}/reset [post]
func (h *Handlers) ResetCircuit(c *gin.Context) {
	token := c.Param("token")
	err := h.admin.Scheduler.ResetCircuit(c.Request.Context(), token)
	if errors.Is(err, scheduler.ErrNotRegistered) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown account")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	auditLog(c, "circuit_reset", map[string]string{"account_token": token})
	noContent(c)
}

// ListStarved godoc
// @ID          listStarved
// @Summary     List starved accounts
// @Description Returns active accounts that have not been scheduled within the starvation window.
// @Tags        Admin
// @Produce     json
//
// @Param       max_age_seconds  query  int  false  "Override the starvation window"
//
// @Success     200  {array}  domain.SchedulableUnit
// @Router      /admin/starved [get]
func (h *Handlers) ListStarved(c *gin.Context) {
	maxAge := h.admin.StarvationAge
	if secs := utils.AtoiDefault(c.Query("max_age_seconds"), 0); secs > 0 {
		maxAge = time.Duration(secs) * time.Second
	}
	starved := h.admin.Scheduler.FindStarved(maxAge)
	if starved == nil {
		starved = []domain.SchedulableUnit{}
	}
	ok(c, http.StatusOK, starved)
}
