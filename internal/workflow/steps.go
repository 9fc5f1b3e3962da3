package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"

	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
	"github.com/chrlshc/ofm-social-os-sub006/internal/idempotency"
	"github.com/chrlshc/ofm-social-os-sub006/internal/platform"
)

// Step names, in execution order. CurrentStep indexes into this sequence;
// a recovered workflow resumes at the step it crashed in.
const (
	stepValidate = "validate"
	stepReserve  = "reserve_slot"
	stepPublish  = "publish"
	stepRecord   = "record_result"
)

// maxCaptionLen is the tightest caption limit across supported platforms
// (Instagram's 2200); enforcing the tightest bound keeps validation
// platform-independent.
const maxCaptionLen = 2200

// step is one unit of workflow execution. fn returns a human-readable
// output for the progress history, or an error subject to the retry policy.
type step struct {
	name string
	fn   func(ctx context.Context, wf *domain.PublishWorkflow) (string, error)
}

func (e *Engine) steps() []step {
	return []step{
		{stepValidate, e.runValidate},
		{stepReserve, e.runReserve},
		{stepPublish, e.runPublish},
		{stepRecord, e.runRecord},
	}
}

// runValidate normalizes the caption and rejects requests no platform can
// ever accept. Failures here are terminal: retrying the same defective
// payload cannot succeed.
func (e *Engine) runValidate(ctx context.Context, wf *domain.PublishWorkflow) (string, error) {
	if !wf.Platform.Valid() {
		return "", fmt.Errorf("%w: unsupported platform %q", platform.ErrInvalidAsset, wf.Platform)
	}
	if strings.TrimSpace(wf.MediaRef) == "" {
		return "", fmt.Errorf("%w: empty media reference", platform.ErrInvalidAsset)
	}

	caption := strings.TrimSpace(norm.NFC.String(wf.Caption))
	if n := len([]rune(caption)); n > maxCaptionLen {
		return "", fmt.Errorf("%w: caption length %d exceeds %d", platform.ErrInvalidAsset, n, maxCaptionLen)
	}
	wf.Caption = caption
	return "validated", nil
}

// runReserve waits for the account's fair-share turn and a rate-limit
// grant. Denials surface as retryable errors carrying retry-after hints.
func (e *Engine) runReserve(ctx context.Context, wf *domain.PublishWorkflow) (string, error) {
	if err := e.Pool.Register(ctx, wf.AccountID, defaultPriority); err != nil {
		return "", err
	}
	if err := e.Pool.Acquire(ctx, wf.AccountID, string(wf.Platform), publishEndpoint(wf.Platform)); err != nil {
		return "", err
	}
	return "slot reserved", nil
}

// runPublish performs the external platform call, guarded by an
// idempotency claim so a crash after the call but before the progress
// write cannot double-post.
func (e *Engine) runPublish(ctx context.Context, wf *domain.PublishWorkflow) (string, error) {
	key := wf.ID + ":publish"
	payload, err := json.Marshal(platform.PublishRequest{
		AccountID: wf.AccountID,
		PostID:    wf.PostID,
		Caption:   wf.Caption,
		MediaRef:  wf.MediaRef,
	})
	if err != nil {
		return "", err
	}

	check, err := e.Idem.CheckOrCreate(ctx, key, wf.AccountID, opPublish, payload)
	if errors.Is(err, idempotency.ErrInFlight) {
		// This engine is the sole executor for the identity, so an in-flight
		// claim for its own key is a leftover from a crashed run. Adopt it
		// rather than waiting out the stale-claim reaper; otherwise a
		// recovered workflow would exhaust its retries against its own ghost.
		check, err = e.Idem.Adopt(ctx, key, wf.AccountID, opPublish, payload)
	}
	if err != nil {
		return "", err
	}
	if !check.IsNew {
		// A previous attempt already published; replay its result.
		var res platform.PublishResult
		if err := json.Unmarshal([]byte(check.ExistingResponse), &res); err != nil {
			return "", fmt.Errorf("corrupt idempotent response for %s: %w", wf.ID, err)
		}
		wf.RemoteID = res.RemoteID
		return "replayed remote id " + res.RemoteID, nil
	}

	pub, err := e.Registry.Lookup(wf.Platform)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.Cfg.ActivityTimeout)
	defer cancel()
	res, pubErr := pub.Publish(callCtx, platform.PublishRequest{
		AccountID: wf.AccountID,
		PostID:    wf.PostID,
		Caption:   wf.Caption,
		MediaRef:  wf.MediaRef,
	})

	if outErr := e.Pool.ReportOutcome(ctx, wf.AccountID, pubErr == nil); outErr != nil {
		log.Warn().Err(outErr).Str("account_id", wf.AccountID).Msg("outcome report failed")
	}

	if pubErr != nil {
		if cErr := e.Idem.Complete(ctx, check.KeyHash, pubErr.Error(), false); cErr != nil {
			log.Warn().Err(cErr).Str("workflow_id", wf.ID).Msg("idempotency failure record failed")
		}
		return "", pubErr
	}

	body, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	if err := e.Idem.Complete(ctx, check.KeyHash, string(body), true); err != nil {
		return "", err
	}
	wf.RemoteID = res.RemoteID
	return "published remote id " + res.RemoteID, nil
}

// runRecord is the final bookkeeping step; completion status itself is
// written by the run loop after this returns.
func (e *Engine) runRecord(ctx context.Context, wf *domain.PublishWorkflow) (string, error) {
	if wf.RemoteID == "" {
		return "", fmt.Errorf("workflow %s reached record step without a remote id", wf.ID)
	}
	return "recorded remote id " + wf.RemoteID, nil
}
