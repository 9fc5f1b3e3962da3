package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
)

func newUnit(token string, priority int) *domain.SchedulableUnit {
	return &domain.SchedulableUnit{
		AccountToken: token,
		Priority:     priority,
		Active:       true,
		CircuitState: domain.CircuitClosed,
		RegisteredAt: time.Now().UTC(),
	}
}

func TestUpsertUnit_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := UpsertUnit(ctx, db, newUnit("tok1", 1)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// Re-registration must not error and must not reset the existing unit.
	if err := UpdateUnitFields(ctx, db, "tok1", map[string]any{"consecutive_failures": 3}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := UpsertUnit(ctx, db, newUnit("tok1", 9)); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := GetUnit(ctx, db, "tok1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Priority != 1 || got.ConsecutiveFailures != 3 {
		t.Fatalf("existing unit clobbered by re-registration: %+v", got)
	}
}

func TestGetUnit_NotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := GetUnit(context.Background(), db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveUnits_ExcludesDeactivated(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, tok := range []string{"a", "b", "c"} {
		if err := UpsertUnit(ctx, db, newUnit(tok, 1)); err != nil {
			t.Fatalf("upsert %s: %v", tok, err)
		}
	}
	if err := DeactivateUnit(ctx, db, "b"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	units, err := ListActiveUnits(ctx, db)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 active units, got %d", len(units))
	}
	// Deactivation keeps the row (units are never deleted).
	if _, err := GetUnit(ctx, db, "b"); err != nil {
		t.Fatalf("deactivated unit should still exist: %v", err)
	}
}
