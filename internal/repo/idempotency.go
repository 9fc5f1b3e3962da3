// Package repo — idempotency record persistence.
//
// Every mutation here is a conditional single-statement write: the check and
// the state change happen inside the database, so two racing callers can
// never both believe they are the sole executor of an operation.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
)

// GetIdempotencyRecord returns the non-expired record for keyHash, or
// ErrNotFound. Expired rows are invisible: duplicates are only detected for
// as long as the record TTL, which is a detection horizon rather than a
// correctness boundary.
func GetIdempotencyRecord(ctx context.Context, db *gorm.DB, keyHash string, now time.Time) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := db.WithContext(ctx).
		Where("key_hash = ? AND expires_at > ?", keyHash, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotencyRecord inserts a fresh processing record and returns
// ErrDuplicate on primary-key collision.
func CreateIdempotencyRecord(ctx context.Context, db *gorm.DB, rec *domain.IdempotencyRecord) error {
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// RetryIdempotencyRecord resets a failed record back to processing, but only
// if it is still failed and carries the same payload hash. Returns
// ErrNotFound when the conditional update matched nothing (the record moved
// under us, or the payload differs).
func RetryIdempotencyRecord(ctx context.Context, db *gorm.DB, keyHash, payloadHash string, now, expiresAt time.Time) error {
	res := db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("key_hash = ? AND status = ? AND payload_hash = ?", keyHash, domain.IdempotencyFailed, payloadHash).
		Updates(map[string]any{
			"status": domain.IdempotencyProcessing,
			// Refresh the claim time so the stale-processing reaper measures
			// from this retry, not the original attempt.
			"created_at":   now,
			"completed_at": nil,
			"expires_at":   expiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteIdempotencyRecord finalizes a processing record. The status guard
// ensures completion happens exactly once per processing claim; a second
// completion attempt matches nothing and reports ErrNotFound.
func CompleteIdempotencyRecord(ctx context.Context, db *gorm.DB, keyHash string, responseData string, success bool, now time.Time) error {
	status := domain.IdempotencyCompleted
	if !success {
		status = domain.IdempotencyFailed
	}
	res := db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("key_hash = ? AND status = ?", keyHash, domain.IdempotencyProcessing).
		Updates(map[string]any{
			"status":        status,
			"response_data": responseData,
			"success":       success,
			"completed_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredIdempotencyRecords removes records past their expiry and
// returns how many were removed. Maintenance only; never part of the
// correctness contract.
func DeleteExpiredIdempotencyRecords(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

// FailStaleProcessingRecords converts processing records older than the
// cutoff to failed so a crashed operation can eventually be retried instead
// of blocking its key forever.
func FailStaleProcessingRecords(ctx context.Context, db *gorm.DB, cutoff, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("status = ? AND created_at <= ?", domain.IdempotencyProcessing, cutoff).
		Updates(map[string]any{
			"status":       domain.IdempotencyFailed,
			"success":      false,
			"completed_at": now,
		})
	return res.RowsAffected, res.Error
}
