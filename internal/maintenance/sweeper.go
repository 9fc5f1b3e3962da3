// Package maintenance runs the background housekeeping jobs: expired
// idempotency records are purged, stale processing claims from crashed
// operations are failed so retries can proceed, and starved scheduler
// accounts get a priority boost.
package maintenance

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/chrlshc/ofm-social-os-sub006/internal/idempotency"
	"github.com/chrlshc/ofm-social-os-sub006/internal/scheduler"
)

var sweepRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "publish_maintenance_sweeps_total",
		Help: "Maintenance sweep executions.",
	},
	[]string{"job", "result"}, // job: cleanup|reap|boost; result: ok|error
)

func init() {
	prometheus.MustRegister(sweepRuns)
}

// Sweeper schedules the periodic jobs on a cron runner.
type Sweeper struct {
	Idem *idempotency.Manager
	Pool *scheduler.Pool

	// Interval between sweep runs.
	Interval time.Duration
	// StarvationAge is the waiting time after which an account counts as
	// starved.
	StarvationAge time.Duration

	cron *cron.Cron
}

// NewSweeper builds a sweeper; call Start to begin sweeping.
func NewSweeper(idem *idempotency.Manager, pool *scheduler.Pool, interval, starvationAge time.Duration) *Sweeper {
	return &Sweeper{
		Idem:          idem,
		Pool:          pool,
		Interval:      interval,
		StarvationAge: starvationAge,
		cron:          cron.New(),
	}
}

// Start registers the jobs and starts the cron runner.
func (s *Sweeper) Start() error {
	spec := "@every " + s.Interval.String()
	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("interval", s.Interval.String()).Msg("maintenance sweeper started")
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunOnce executes one full sweep. Exported so startup can run an
// immediate sweep before the first cron tick.
func (s *Sweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if n, err := s.Idem.CleanupExpired(ctx); err != nil {
		sweepRuns.WithLabelValues("cleanup", "error").Inc()
		log.Warn().Err(err).Msg("idempotency cleanup failed")
	} else {
		sweepRuns.WithLabelValues("cleanup", "ok").Inc()
		if n > 0 {
			log.Info().Int64("removed", n).Msg("expired idempotency records removed")
		}
	}

	if n, err := s.Idem.ReapStale(ctx); err != nil {
		sweepRuns.WithLabelValues("reap", "error").Inc()
		log.Warn().Err(err).Msg("stale processing reap failed")
	} else {
		sweepRuns.WithLabelValues("reap", "ok").Inc()
		if n > 0 {
			log.Warn().Int64("reaped", n).Msg("stale processing records failed for retry")
		}
	}

	s.Pool.BoostStarved(ctx, s.StarvationAge)
	sweepRuns.WithLabelValues("boost", "ok").Inc()
}
