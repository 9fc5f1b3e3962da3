// Package domain defines the core persistence models for the application.
// This file holds the idempotency record used to guarantee at-most-once
// execution of platform side effects across retries and process restarts.
package domain

import "time"

// IdempotencyStatus is the lifecycle state of an idempotency record.
//
// Transitions: processing → {completed | failed}. A failed record may be
// reset to processing (retry); a completed record is permanent and only
// ever replayed.
type IdempotencyStatus string

// Idempotency record states.
const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord maps a hashed operation key to a single authoritative
// outcome. The invariant is exactly one non-expired record per KeyHash,
// enforced by the primary key: concurrent creators race on the insert and
// all but one observe a duplicate.
//
// PayloadHash is stored separately from the key so a replay with the same
// key but different payload can be detected and rejected rather than
// silently served a cached response for different inputs.
type IdempotencyRecord struct {
	KeyHash       string            `json:"key_hash"       gorm:"type:char(64);primaryKey"`
	AccountID     string            `json:"account_id"     gorm:"type:varchar(64);not null;index"`
	OperationType string            `json:"operation_type" gorm:"type:varchar(64);not null"`
	PayloadHash   string            `json:"payload_hash"   gorm:"type:char(64);not null"`
	Status        IdempotencyStatus `json:"status"         gorm:"type:varchar(16);not null;index"`
	ResponseData  string            `json:"response_data"  gorm:"type:text"`
	Success       bool              `json:"success"        gorm:"not null;default:false"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at"     gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }
