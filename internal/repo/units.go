// Package repo — schedulable unit persistence.
//
// Units are never deleted, only deactivated. Scheduling-time mutations are
// narrow conditional updates so an administrative reset can run concurrently
// with a scheduling loop without corrupting in-flight state.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
)

// UpsertUnit registers an account for scheduling, creating its unit on first
// sight. An existing unit is left untouched (registration is idempotent).
func UpsertUnit(ctx context.Context, db *gorm.DB, unit *domain.SchedulableUnit) error {
	err := db.WithContext(ctx).Create(unit).Error
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// GetUnit fetches one unit by account token.
func GetUnit(ctx context.Context, db *gorm.DB, accountToken string) (*domain.SchedulableUnit, error) {
	var u domain.SchedulableUnit
	err := db.WithContext(ctx).First(&u, "account_token = ?", accountToken).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListActiveUnits returns every active unit, for pool hydration at startup.
func ListActiveUnits(ctx context.Context, db *gorm.DB) ([]domain.SchedulableUnit, error) {
	var out []domain.SchedulableUnit
	err := db.WithContext(ctx).Where("active = ?", true).Find(&out).Error
	return out, err
}

// UpdateUnitFields writes the given columns for one unit. Callers pass only
// the fields their transition touches, keeping writes compare-and-swap
// narrow.
func UpdateUnitFields(ctx context.Context, db *gorm.DB, accountToken string, fields map[string]any) error {
	res := db.WithContext(ctx).Model(&domain.SchedulableUnit{}).
		Where("account_token = ?", accountToken).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateUnit removes an account from scheduling without deleting its
// history.
func DeactivateUnit(ctx context.Context, db *gorm.DB, accountToken string) error {
	return UpdateUnitFields(ctx, db, accountToken, map[string]any{"active": false})
}
