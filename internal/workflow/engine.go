// Package workflow implements the durable publish orchestrator. Each
// publish request runs as an explicit state machine whose cursor and step
// history are persisted after every transition, so a crashed process
// resumes from the last completed step instead of replaying external
// calls. Duplicate starts collapse onto one execution via the workflow's
// deterministic identity.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/chrlshc/ofm-social-os-sub006/internal/config"
	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
	"github.com/chrlshc/ofm-social-os-sub006/internal/idempotency"
	"github.com/chrlshc/ofm-social-os-sub006/internal/platform"
	"github.com/chrlshc/ofm-social-os-sub006/internal/repo"
	"github.com/chrlshc/ofm-social-os-sub006/internal/scheduler"
)

const (
	// defaultPriority is the scheduling priority for accounts first seen
	// through a publish request.
	defaultPriority = 5
	// opPublish is the idempotency operation type for platform publishes.
	opPublish = "publish"
)

// publishEndpoint maps a platform to the rate-limit endpoint a publish
// consumes. These names line up with the window table keys.
func publishEndpoint(p domain.Platform) string {
	switch p {
	case domain.PlatformInstagram:
		return "content_publish"
	case domain.PlatformTikTok:
		return "video_publish"
	case domain.PlatformX:
		return "tweet_create"
	case domain.PlatformReddit:
		return "submit"
	default:
		return "content_publish"
	}
}

var (
	// ErrTerminal is returned when a signal targets a workflow that has
	// already reached a terminal state.
	ErrTerminal = errors.New("workflow already terminal")
	// ErrUnknownSignal is returned for signal kinds the engine does not know.
	ErrUnknownSignal = errors.New("unknown signal")
)

var wfOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "publish_workflow_outcomes_total",
		Help: "Publish workflow terminal outcomes.",
	},
	[]string{"outcome"}, // completed | failed | cancelled
)

func init() {
	prometheus.MustRegister(wfOutcomes)
}

// Signal kinds accepted by Signal.
const (
	SignalCancel = "cancel"
	SignalPause  = "pause"
	SignalResume = "resume"
)

// PublishRequest is the input to Start.
type PublishRequest struct {
	Platform  domain.Platform `json:"platform"`
	AccountID string          `json:"account_id"`
	PostID    string          `json:"post_id"`
	Caption   string          `json:"caption"`
	MediaRef  string          `json:"media_ref"`
}

// StartResult reports whether Start created a new execution or attached to
// an existing one.
type StartResult struct {
	Workflow  *domain.PublishWorkflow
	Duplicate bool
}

// Progress is the step-level view of a workflow for progress queries.
type Progress struct {
	WorkflowID  string                `json:"workflow_id"`
	RunID       string                `json:"run_id"`
	Status      domain.WorkflowStatus `json:"status"`
	CurrentStep int                   `json:"current_step"`
	TotalSteps  int                   `json:"total_steps"`
	StepResults []domain.StepResult   `json:"step_results"`
	Errors      []string              `json:"errors,omitempty"`
	RemoteID    string                `json:"remote_id,omitempty"`
}

// Engine owns workflow executions. Exactly one execution goroutine runs
// per workflow identity within a process; the database primary key extends
// that guarantee across processes.
type Engine struct {
	DB       *gorm.DB
	Pool     *scheduler.Pool
	Registry *platform.Registry
	Idem     *idempotency.Manager
	Cfg      config.WorkflowConfig

	wg sync.WaitGroup

	// seams for tests
	now          func() time.Time
	pollInterval time.Duration
}

// NewEngine wires an orchestrator over its collaborators.
func NewEngine(db *gorm.DB, pool *scheduler.Pool, reg *platform.Registry, idem *idempotency.Manager, cfg config.WorkflowConfig) *Engine {
	return &Engine{
		DB:           db,
		Pool:         pool,
		Registry:     reg,
		Idem:         idem,
		Cfg:          cfg,
		now:          time.Now,
		pollInterval: time.Second,
	}
}

// Start begins a publish workflow, or attaches to the one already running
// for the same (platform, account, post). Exactly one of N concurrent
// Start calls for the same identity creates the execution; the rest
// observe the existing row, including its original RunID.
func (e *Engine) Start(ctx context.Context, req PublishRequest) (StartResult, error) {
	if !req.Platform.Valid() {
		return StartResult{}, fmt.Errorf("unsupported platform %q", req.Platform)
	}
	if req.AccountID == "" || req.PostID == "" {
		return StartResult{}, errors.New("account_id and post_id are required")
	}

	wf := &domain.PublishWorkflow{
		ID:        domain.WorkflowID(req.Platform, req.AccountID, req.PostID),
		RunID:     uuid.NewString(),
		Platform:  req.Platform,
		AccountID: req.AccountID,
		PostID:    req.PostID,
		Caption:   req.Caption,
		MediaRef:  req.MediaRef,
		Status:    domain.WorkflowRunning,
		StartedAt: e.now().UTC(),
	}

	err := repo.CreateWorkflow(ctx, e.DB, wf)
	if errors.Is(err, repo.ErrDuplicate) {
		existing, getErr := repo.GetWorkflow(ctx, e.DB, wf.ID)
		if getErr != nil {
			return StartResult{}, getErr
		}
		return StartResult{Workflow: existing, Duplicate: true}, nil
	}
	if err != nil {
		return StartResult{}, err
	}

	if err := e.Pool.Register(ctx, wf.AccountID, defaultPriority); err != nil && !errors.Is(err, scheduler.ErrDeactivated) {
		log.Warn().Err(err).Str("account_id", wf.AccountID).Msg("account registration failed")
	}

	e.launch(wf)
	return StartResult{Workflow: wf, Duplicate: false}, nil
}

// Recover resumes all workflows left in running or paused state by a
// previous process, each from its last persisted step. Called once at
// startup, before the HTTP surface accepts traffic.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stale, err := repo.ListRunningWorkflows(ctx, e.DB)
	if err != nil {
		return 0, err
	}
	for i := range stale {
		wf := stale[i]
		if err := e.Pool.Register(ctx, wf.AccountID, defaultPriority); err != nil && !errors.Is(err, scheduler.ErrDeactivated) {
			log.Warn().Err(err).Str("account_id", wf.AccountID).Msg("account registration failed")
		}
		log.Info().
			Str("workflow_id", wf.ID).
			Str("run_id", wf.RunID).
			Int("current_step", wf.CurrentStep).
			Msg("resuming workflow")
		e.launch(&wf)
	}
	return len(stale), nil
}

// launch spawns the execution goroutine for a workflow.
func (e *Engine) launch(wf *domain.PublishWorkflow) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(wf)
	}()
}

// Wait blocks until all execution goroutines have finished. Used by
// graceful shutdown and tests.
func (e *Engine) Wait() { e.wg.Wait() }

// run drives one workflow from its current step to a terminal state. It is
// the only writer of the workflow's row; external signals are flag columns
// it reads at step boundaries.
func (e *Engine) run(wf *domain.PublishWorkflow) {
	deadline := wf.StartedAt.Add(e.Cfg.WorkflowTimeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	steps := e.steps()
	policy := RetryPolicy{
		Initial:     e.Cfg.RetryInitial,
		MaxInterval: e.Cfg.RetryMaxInterval,
		MaxAttempts: e.Cfg.RetryMaxAttempts,
	}

	for wf.CurrentStep < len(steps) {
		proceed, err := e.checkSignals(ctx, wf)
		if err != nil {
			e.finish(ctx, wf, domain.WorkflowFailed, err)
			return
		}
		if !proceed {
			return
		}

		st := steps[wf.CurrentStep]
		result, err := e.runStep(ctx, wf, st, policy)
		wf.StepResults = append(wf.StepResults, result)
		if err != nil {
			wf.Errors = append(wf.Errors, fmt.Sprintf("%s: %v", st.name, err))
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
				e.finish(ctx, wf, domain.WorkflowFailed, fmt.Errorf("workflow deadline exceeded in step %s", st.name))
				return
			}
			e.finish(ctx, wf, domain.WorkflowFailed, err)
			return
		}

		wf.CurrentStep++
		if err := repo.SaveWorkflowProgress(ctx, e.DB, wf); err != nil {
			log.Error().Err(err).Str("workflow_id", wf.ID).Msg("progress write failed")
			e.finish(ctx, wf, domain.WorkflowFailed, err)
			return
		}
	}

	e.finish(ctx, wf, domain.WorkflowCompleted, nil)
}

// runStep executes one step under the retry policy, recording attempts.
func (e *Engine) runStep(ctx context.Context, wf *domain.PublishWorkflow, st step, policy RetryPolicy) (domain.StepResult, error) {
	result := domain.StepResult{Name: st.name, StartedAt: e.now().UTC()}
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result.Attempts = attempt
		output, err := st.fn(ctx, wf)
		if err == nil {
			result.Output = output
			result.CompletedAt = e.now().UTC()
			return result, nil
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("workflow_id", wf.ID).
			Str("step", st.name).
			Int("attempt", attempt).
			Msg("step attempt failed")

		if !retryable(err) || attempt == policy.MaxAttempts {
			break
		}
		delay := policy.retryDelay(attempt, err)
		select {
		case <-ctx.Done():
			result.Error = ctx.Err().Error()
			result.CompletedAt = e.now().UTC()
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	result.Error = lastErr.Error()
	result.CompletedAt = e.now().UTC()
	return result, lastErr
}

// checkSignals applies pending cancel/pause flags at a step boundary.
// Returns proceed=false when the run loop should stop (cancelled, or
// parked in paused state until resumed or cancelled).
func (e *Engine) checkSignals(ctx context.Context, wf *domain.PublishWorkflow) (bool, error) {
	for {
		current, err := repo.GetWorkflow(ctx, e.DB, wf.ID)
		if err != nil {
			return false, err
		}
		if current.CancelRequested {
			e.finish(ctx, wf, domain.WorkflowCancelled, errors.New("cancelled by signal"))
			return false, nil
		}
		if !current.PauseRequested {
			if wf.Status == domain.WorkflowPaused {
				wf.Status = domain.WorkflowRunning
				if err := repo.SetWorkflowStatus(ctx, e.DB, wf.ID, domain.WorkflowRunning, nil); err != nil {
					return false, err
				}
				log.Info().Str("workflow_id", wf.ID).Msg("workflow resumed")
			}
			return true, nil
		}

		if wf.Status != domain.WorkflowPaused {
			wf.Status = domain.WorkflowPaused
			if err := repo.SetWorkflowStatus(ctx, e.DB, wf.ID, domain.WorkflowPaused, nil); err != nil {
				return false, err
			}
			log.Info().Str("workflow_id", wf.ID).Msg("workflow paused")
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// finish writes the terminal state. The conditional status write refuses to
// overwrite an earlier terminal transition, so a late failure cannot
// clobber a cancellation.
func (e *Engine) finish(ctx context.Context, wf *domain.PublishWorkflow, status domain.WorkflowStatus, cause error) {
	// Use a fresh context: the workflow deadline must not prevent the
	// terminal write itself.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if cause != nil && status != domain.WorkflowCancelled {
		wf.Errors = appendUnique(wf.Errors, cause.Error())
	}
	wf.Status = status
	now := e.now().UTC()
	wf.CompletedAt = &now

	if err := repo.SaveWorkflowProgress(wctx, e.DB, wf); err != nil {
		log.Error().Err(err).Str("workflow_id", wf.ID).Msg("terminal progress write failed")
	}
	if err := repo.SetWorkflowStatus(wctx, e.DB, wf.ID, status, &now); err != nil && !errors.Is(err, repo.ErrNotFound) {
		log.Error().Err(err).Str("workflow_id", wf.ID).Msg("terminal status write failed")
	}

	wfOutcomes.WithLabelValues(string(status)).Inc()
	evt := log.Info()
	if status == domain.WorkflowFailed {
		evt = log.Error().Err(cause)
	}
	evt.
		Str("workflow_id", wf.ID).
		Str("run_id", wf.RunID).
		Str("status", string(status)).
		Msg("workflow finished")
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

// GetState returns the full durable state of a workflow.
func (e *Engine) GetState(ctx context.Context, id string) (*domain.PublishWorkflow, error) {
	return repo.GetWorkflow(ctx, e.DB, id)
}

// GetProgress returns the step-level progress view of a workflow.
func (e *Engine) GetProgress(ctx context.Context, id string) (*Progress, error) {
	wf, err := repo.GetWorkflow(ctx, e.DB, id)
	if err != nil {
		return nil, err
	}
	return &Progress{
		WorkflowID:  wf.ID,
		RunID:       wf.RunID,
		Status:      wf.Status,
		CurrentStep: wf.CurrentStep,
		TotalSteps:  len(e.steps()),
		StepResults: wf.StepResults,
		Errors:      wf.Errors,
		RemoteID:    wf.RemoteID,
	}, nil
}

// Signal delivers an asynchronous control signal to a workflow. The signal
// takes effect at the next step boundary, never mid-activity. Signalling a
// terminal workflow returns ErrTerminal.
func (e *Engine) Signal(ctx context.Context, id, kind string) error {
	wf, err := repo.GetWorkflow(ctx, e.DB, id)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return ErrTerminal
	}
	switch kind {
	case SignalCancel:
		return repo.RequestSignal(ctx, e.DB, id, "cancel_requested", true)
	case SignalPause:
		return repo.RequestSignal(ctx, e.DB, id, "pause_requested", true)
	case SignalResume:
		return repo.RequestSignal(ctx, e.DB, id, "pause_requested", false)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, kind)
	}
}
