package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chrlshc/ofm-social-os-sub006/internal/config"
	"github.com/chrlshc/ofm-social-os-sub006/internal/idempotency"
	"github.com/chrlshc/ofm-social-os-sub006/internal/ratelimit"
	"github.com/chrlshc/ofm-social-os-sub006/internal/repo"
	"github.com/chrlshc/ofm-social-os-sub006/internal/scheduler"
)

type noLimit struct{}

func (noLimit) CheckAndConsume(context.Context, string, string, string) ratelimit.Decision {
	return ratelimit.Decision{Allowed: true}
}

func TestRunOnceSweeps(t *testing.T) {
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "sweep.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	ctx := context.Background()

	idem := idempotency.NewManager(db, time.Hour, time.Minute)
	pool := scheduler.NewPool(db, noLimit{}, config.SchedulerConfig{
		CircuitThreshold:   5,
		CircuitCooldown:    time.Minute,
		CircuitMaxCooldown: time.Hour,
	})

	// One in-flight claim that will look crashed once the processing
	// timeout has passed, and one starved account.
	check, err := idem.CheckOrCreate(ctx, "op-1", "acct-1", "publish", []byte(`{}`))
	if err != nil || !check.IsNew {
		t.Fatalf("CheckOrCreate = %+v, %v", check, err)
	}
	if err := pool.Register(ctx, "acct-1", 5); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s := NewSweeper(idem, pool, time.Minute, time.Hour)
	s.RunOnce()

	// Fresh claim survives the reap: a retry is still blocked.
	if _, err := idem.CheckOrCreate(ctx, "op-1", "acct-1", "publish", []byte(`{}`)); err == nil {
		t.Fatal("in-flight claim was reaped while still fresh")
	}

	// Recently registered account is not starved yet.
	if starved := pool.FindStarved(time.Hour); len(starved) != 0 {
		t.Fatalf("FindStarved = %d entries, want 0", len(starved))
	}
}

func TestSweeperStartStop(t *testing.T) {
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "sweep.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	idem := idempotency.NewManager(db, time.Hour, time.Minute)
	pool := scheduler.NewPool(db, noLimit{}, config.SchedulerConfig{
		CircuitThreshold:   5,
		CircuitCooldown:    time.Minute,
		CircuitMaxCooldown: time.Hour,
	})

	s := NewSweeper(idem, pool, time.Minute, time.Hour)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
