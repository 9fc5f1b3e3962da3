// Package domain defines the persistence models for publish workflows,
// idempotency records, and schedulable accounts. These types are mapped
// with GORM and form the core data layer of the publishing service.
package domain

import (
	"fmt"
	"time"
)

// Platform identifies an external social platform that content can be
// published to. The set is closed; adapters are registered per platform.
type Platform string

// Supported publishing platforms.
const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformX         Platform = "x"
	PlatformReddit    Platform = "reddit"
)

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformInstagram, PlatformTikTok, PlatformX, PlatformReddit:
		return true
	}
	return false
}

// WorkflowStatus is the lifecycle state of a publish workflow.
//
// Transitions: running → {completed | failed | cancelled}; running ⇄ paused
// via external signal. Terminal states are never left.
type WorkflowStatus string

// Workflow lifecycle states.
const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether s is a terminal state (no further transitions).
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// StepResult records the outcome of a single workflow step. The slice of
// results for a workflow is persisted as JSON alongside the workflow row so
// progress queries never need a join.
type StepResult struct {
	Name        string    `json:"name"`
	Attempts    int       `json:"attempts"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// PublishWorkflow is the durable state of one publish execution. Exactly one
// row exists per deterministic workflow identity; a duplicate start attempt
// observes the unique primary key and returns the existing row.
//
// Fields:
//   - ID: deterministic identity "pub:{platform}:{accountId}:{postId}".
//   - RunID: UUID minted on first creation; stable across duplicate starts.
//   - Status / CurrentStep: the orchestrator's own execution thread is the
//     only writer; external callers read concurrently without mutation.
//   - CancelRequested / PauseRequested: asynchronous signal flags, applied by
//     the execution thread at the next step boundary.
//   - StepResults / Errors: JSON-serialized progress history.
type PublishWorkflow struct {
	ID              string         `json:"workflow_id" gorm:"type:varchar(255);primaryKey"`
	RunID           string         `json:"run_id"      gorm:"type:char(36);not null"`
	Platform        Platform       `json:"platform"    gorm:"type:varchar(32);not null;index:idx_wf_account,priority:2"`
	AccountID       string         `json:"account_id"  gorm:"type:varchar(64);not null;index:idx_wf_account,priority:1"`
	PostID          string         `json:"post_id"     gorm:"type:varchar(64);not null"`
	Caption         string         `json:"caption"     gorm:"type:text"`
	MediaRef        string         `json:"media_ref"   gorm:"type:text"`
	Status          WorkflowStatus `json:"status"      gorm:"type:varchar(16);not null;index"`
	CurrentStep     int            `json:"current_step" gorm:"not null;default:0"`
	StepResults     []StepResult   `json:"step_results" gorm:"serializer:json"`
	Errors          []string       `json:"errors"       gorm:"serializer:json"`
	CancelRequested bool           `json:"-"           gorm:"not null;default:false"`
	PauseRequested  bool           `json:"-"           gorm:"not null;default:false"`
	RemoteID        string         `json:"remote_id,omitempty" gorm:"type:varchar(255)"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TableName returns the database table name for PublishWorkflow.
func (PublishWorkflow) TableName() string { return "publish_workflows" }

// WorkflowID derives the deterministic workflow identity for a publish
// request. Callers rely on this exact shape for idempotent resubmission:
// starting the same (platform, account, post) twice collides on purpose.
func WorkflowID(platform Platform, accountID, postID string) string {
	return fmt.Sprintf("pub:%s:%s:%s", platform, accountID, postID)
}
