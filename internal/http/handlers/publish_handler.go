// Publish HTTP handlers.
//
// This file exposes the REST endpoints of the publishing pipeline:
//   - POST /publish                     (start a publish workflow)
//   - GET  /workflows                   (list, paginated)
//   - GET  /workflows/{id}              (full workflow state)
//   - GET  /workflows/{id}/progress     (step-level progress)
//   - POST /workflows/{id}/signal       (cancel / pause / resume)
//
// Handlers are transport-thin: they validate input, call the orchestrator,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
	"github.com/chrlshc/ofm-social-os-sub006/internal/repo"
	"github.com/chrlshc/ofm-social-os-sub006/internal/utils"
	"github.com/chrlshc/ofm-social-os-sub006/internal/workflow"
	"gorm.io/gorm"
)

//
// Service contracts (context-aware)
//

// Orchestrator defines workflow lifecycle operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type Orchestrator interface {
	// Start begins a publish workflow or attaches to the existing one for
	// the same (platform, account, post) identity.
	Start(ctx context.Context, req workflow.PublishRequest) (workflow.StartResult, error)
	// GetState returns the full durable state of a workflow.
	GetState(ctx context.Context, id string) (*domain.PublishWorkflow, error)
	// GetProgress returns the step-level progress view of a workflow.
	GetProgress(ctx context.Context, id string) (*workflow.Progress, error)
	// Signal delivers an asynchronous cancel/pause/resume signal.
	Signal(ctx context.Context, id, kind string) error
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the publishing service. It depends
// on abstract contracts to keep transport concerns separate from
// orchestration logic.
type Handlers struct {
	orch  Orchestrator
	db    *gorm.DB
	admin AdminServices
}

// New constructs a Handlers instance bound to the given orchestrator,
// database handle (for read-side listing), and admin services.
func New(orch Orchestrator, db *gorm.DB, admin AdminServices) *Handlers {
	return &Handlers{orch: orch, db: db, admin: admin}
}

// accountID extracts the acting account from Gin context (set by upstream
// middleware) with an "X-Account-ID" header fallback used by tests and
// local development.
func accountID(c *gin.Context) string {
	if v, ok := c.Get("accountID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-Account-ID")); h != "" {
			return h
		}
	}
	return ""
}

//
// DTOs
//

// StartPublishRequest is the JSON payload for starting a publish workflow.
type StartPublishRequest struct {
	// Platform is one of: instagram, tiktok, x, reddit.
	Platform string `json:"platform" binding:"required" example:"instagram"`
	// AccountID identifies the publishing account. Optional when the
	// X-Account-ID header (or auth middleware) supplies it.
	AccountID string `json:"account_id,omitempty" example:"acct-42"`
	// PostID is the caller's stable identifier for the post.
	PostID string `json:"post_id" binding:"required" example:"post-2026-08-30-001"`
	// Caption is the post text; normalized and length-checked downstream.
	Caption string `json:"caption" example:"launch day"`
	// MediaRef locates the prepared media asset.
	MediaRef string `json:"media_ref" binding:"required" example:"s3://media/clip.mp4"`
}

// StartPublishResponse reports the workflow that now exists for the
// request, whether created by this call or found already running.
type StartPublishResponse struct {
	WorkflowID string                `json:"workflow_id"`
	RunID      string                `json:"run_id"`
	Status     domain.WorkflowStatus `json:"status"`
	// Duplicate is true when an execution for the same identity already
	// existed and this call attached to it instead of starting a new one.
	Duplicate bool `json:"duplicate"`
}

// SignalRequest is the JSON payload for signalling a workflow.
type SignalRequest struct {
	// Signal is one of: cancel, pause, resume.
	Signal string `json:"signal" binding:"required" example:"pause"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListWorkflowsResponse wraps a page of workflows and pagination info.
type ListWorkflowsResponse struct {
	Workflows  []domain.PublishWorkflow `json:"workflows"`
	Pagination Pagination               `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.ClampInt(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

//
// Handlers
//

// StartPublish godoc
// @ID          startPublish
// @Summary     Start a publish workflow
// @Description Starts a durable publish workflow, or attaches to the one already running for the same (platform, account, post).
// @Tags        Publish
// @Accept      json
// @Produce     json
//
// @Param       X-Account-ID  header  string  false "Account ID (when not set by auth)"  example(acct-42)
// @Param       body          body    handlers.StartPublishRequest  true  "Publish payload"
//
// @Success     202  {object}  handlers.StartPublishResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /publish [post]
func (h *Handlers) StartPublish(c *gin.Context) {
	var req StartPublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	account := strings.TrimSpace(req.AccountID)
	if account == "" {
		account = accountID(c)
	}
	if account == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "account_id is required")
		return
	}
	p := domain.Platform(strings.ToLower(strings.TrimSpace(req.Platform)))
	if !p.Valid() {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unsupported platform")
		return
	}

	res, err := h.orch.Start(c.Request.Context(), workflow.PublishRequest{
		Platform:  p,
		AccountID: account,
		PostID:    strings.TrimSpace(req.PostID),
		Caption:   req.Caption,
		MediaRef:  req.MediaRef,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStartFailed, err.Error())
		return
	}

	ok(c, http.StatusAccepted, StartPublishResponse{
		WorkflowID: res.Workflow.ID,
		RunID:      res.Workflow.RunID,
		Status:     res.Workflow.Status,
		Duplicate:  res.Duplicate,
	})
}

// GetWorkflow godoc
// @ID          getWorkflow
// @Summary     Get workflow state
// @Description Returns the full durable state of a publish workflow.
// @Tags        Workflows
// @Produce     json
//
// @Param       id  path  string  true  "Workflow ID"  example(pub:instagram:acct-42:post-1)
//
// @Success     200  {object}  domain.PublishWorkflow
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /workflows/{id} [get]
func (h *Handlers) GetWorkflow(c *gin.Context) {
	wf, err := h.orch.GetState(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repo.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "workflow not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, wf)
}

// GetWorkflowProgress godoc
// @ID          getWorkflowProgress
// @Summary     Get workflow progress
// @Description Returns the step-level progress of a publish workflow.
// @Tags        Workflows
// @Produce     json
//
// @Param       id  path  string  true  "Workflow ID"
//
// @Success     200  {object}  workflow.Progress
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /workflows/{id}/progress [get]
func (h *Handlers) GetWorkflowProgress(c *gin.Context) {
	p, err := h.orch.GetProgress(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repo.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "workflow not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, p)
}

// SignalWorkflow godoc
// @ID          signalWorkflow
// @Summary     Signal a workflow
// @Description Delivers a cancel, pause, or resume signal. Signals take effect at the next step boundary.
// @Tags        Workflows
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Workflow ID"
// @Param       body  body  handlers.SignalRequest  true  "Signal payload"
//
// @Success     204  "Signal accepted"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Workflow already terminal"
// @Router      /workflows/{id}/signal [post]
func (h *Handlers) SignalWorkflow(c *gin.Context) {
	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	err := h.orch.Signal(c.Request.Context(), c.Param("id"), strings.ToLower(strings.TrimSpace(req.Signal)))
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "workflow not found")
	case errors.Is(err, workflow.ErrTerminal):
		fail(c, http.StatusConflict, ErrCodeTerminalState, "workflow already terminal")
	case errors.Is(err, workflow.ErrUnknownSignal):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "signal must be cancel, pause, or resume")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		noContent(c)
	}
}

// ListWorkflows godoc
// @ID          listWorkflows
// @Summary     List workflows (paginated)
// @Description Returns a page of the account's workflows, most recent first.
// @Tags        Workflows
// @Produce     json
//
// @Param       X-Account-ID  header  string  false "Account ID (when not set by auth)"
// @Param       page          query   int     false "Page number (default 1)"
// @Param       page_size     query   int     false "Page size (default 20, max 100)"
//
// @Success     200  {object}  handlers.ListWorkflowsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /workflows [get]
func (h *Handlers) ListWorkflows(c *gin.Context) {
	account := accountID(c)
	if account == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "account identity is required")
		return
	}
	page, pageSize := clampPagination(c)

	ctx := c.Request.Context()
	total, err := repo.CountWorkflows(ctx, h.db, account)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	items, err := repo.ListWorkflowsPage(ctx, h.db, account, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListWorkflowsResponse{
		Workflows: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
