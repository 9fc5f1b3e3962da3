// Package repo — publish workflow persistence.
//
// Workflow rows are written by the orchestrator's execution thread and read
// concurrently by query endpoints. The exactly-once start guarantee rests on
// the primary-key insert here: N concurrent creators race on one row and
// exactly one wins.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
)

// CreateWorkflow inserts a new workflow row. Returns ErrDuplicate when a row
// with the same deterministic identity already exists.
func CreateWorkflow(ctx context.Context, db *gorm.DB, wf *domain.PublishWorkflow) error {
	if err := db.WithContext(ctx).Create(wf).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetWorkflow fetches a workflow by its deterministic identity.
func GetWorkflow(ctx context.Context, db *gorm.DB, id string) (*domain.PublishWorkflow, error) {
	var wf domain.PublishWorkflow
	err := db.WithContext(ctx).First(&wf, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// SaveWorkflowProgress persists the step cursor, accumulated results and
// errors after a step transition. Only the orchestrator's own execution
// thread for this identity calls it. The update goes through the model value
// so the JSON field serializers apply to StepResults and Errors; a column
// map would hand the raw slices to the driver. Status is deliberately not
// written here: status transitions go through SetWorkflowStatus, whose
// conditional WHERE refuses to leave terminal states.
func SaveWorkflowProgress(ctx context.Context, db *gorm.DB, wf *domain.PublishWorkflow) error {
	return db.WithContext(ctx).Model(&domain.PublishWorkflow{ID: wf.ID}).
		Select("current_step", "step_results", "errors", "remote_id").
		Updates(wf).Error
}

// SetWorkflowStatus transitions a workflow's status, refusing to leave a
// terminal state. The conditional WHERE makes the transition a compare-and-
// swap: a concurrent terminal transition wins and this call reports it.
func SetWorkflowStatus(ctx context.Context, db *gorm.DB, id string, status domain.WorkflowStatus, completedAt *time.Time) error {
	updates := map[string]any{"status": status}
	if completedAt != nil {
		updates["completed_at"] = completedAt
	}
	res := db.WithContext(ctx).Model(&domain.PublishWorkflow{}).
		Where("id = ? AND status NOT IN ?", id, []domain.WorkflowStatus{
			domain.WorkflowCompleted, domain.WorkflowFailed, domain.WorkflowCancelled,
		}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestSignal flags a workflow for cancellation or pause/resume. Signals
// are asynchronous: the flag is applied by the execution thread at the next
// step boundary, never mid-activity.
func RequestSignal(ctx context.Context, db *gorm.DB, id, column string, value bool) error {
	res := db.WithContext(ctx).Model(&domain.PublishWorkflow{}).
		Where("id = ?", id).
		Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRunningWorkflows returns all workflows left in running state, used by
// the crash-recovery routine at startup to resume them from their last
// persisted step.
func ListRunningWorkflows(ctx context.Context, db *gorm.DB) ([]domain.PublishWorkflow, error) {
	var out []domain.PublishWorkflow
	err := db.WithContext(ctx).
		Where("status IN ?", []domain.WorkflowStatus{domain.WorkflowRunning, domain.WorkflowPaused}).
		Find(&out).Error
	return out, err
}

// CountWorkflows returns the total number of workflows for an account,
// for pagination.
func CountWorkflows(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.PublishWorkflow{}).
		Where("account_id = ?", accountID).
		Count(&n).Error
	return n, err
}

// ListWorkflowsPage returns a page of an account's workflows, most recent
// first.
func ListWorkflowsPage(ctx context.Context, db *gorm.DB, accountID string, offset, limit int) ([]domain.PublishWorkflow, error) {
	var out []domain.PublishWorkflow
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&out).Error
	return out, err
}
