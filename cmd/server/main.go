// Command server runs the publish orchestration service: HTTP API, workflow
// engine, fair-share scheduler, Redis-backed rate limiting, and the
// maintenance sweeper, over a single SQLite state store.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chrlshc/ofm-social-os-sub006/internal/config"
	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
	httpapi "github.com/chrlshc/ofm-social-os-sub006/internal/http"
	"github.com/chrlshc/ofm-social-os-sub006/internal/idempotency"
	"github.com/chrlshc/ofm-social-os-sub006/internal/maintenance"
	"github.com/chrlshc/ofm-social-os-sub006/internal/observability"
	"github.com/chrlshc/ofm-social-os-sub006/internal/platform"
	"github.com/chrlshc/ofm-social-os-sub006/internal/ratelimit"
	"github.com/chrlshc/ofm-social-os-sub006/internal/repo"
	"github.com/chrlshc/ofm-social-os-sub006/internal/scheduler"
	"github.com/chrlshc/ofm-social-os-sub006/internal/sysutil"
	"github.com/chrlshc/ofm-social-os-sub006/internal/workflow"
)

const version = "1.0.0"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("sqlite open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
	}

	table := ratelimit.DefaultTable()
	if cfg.RateLimitsPath != "" {
		if err := table.LoadFile(cfg.RateLimitsPath); err != nil {
			log.Fatal().Err(err).Str("path", cfg.RateLimitsPath).Msg("rate window table load failed")
		}
	}
	limiter := ratelimit.NewLimiter(table, ratelimit.NewRedisStore(rdb, cfg.Redis.KeyPrefix))

	pool := scheduler.NewPool(db, limiter, cfg.Scheduler)
	if err := pool.Hydrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("scheduler hydration failed")
	}

	registry := platform.NewRegistry()
	for _, p := range []domain.Platform{
		domain.PlatformInstagram, domain.PlatformTikTok, domain.PlatformX, domain.PlatformReddit,
	} {
		registry.Register(p, platform.NewLoopback(string(p)))
	}

	idem := idempotency.NewManager(db, cfg.IdempotencyTTL, cfg.ProcessingTimeout)

	engine := workflow.NewEngine(db, pool, registry, idem, cfg.Workflow)
	if n, err := engine.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("workflow recovery failed")
	} else if n > 0 {
		log.Info().Int("workflows", n).Msg("resumed interrupted workflows")
	}

	sweeper := maintenance.NewSweeper(idem, pool, cfg.SweepInterval, cfg.Scheduler.StarvationAge)
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Msg("sweeper start failed")
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:      db,
		Orch:    engine,
		Limiter: limiter,
		Pool:    pool,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown incomplete")
	}
	sweeper.Stop()

	// In-flight workflows keep running until their own deadlines; give them a
	// bounded window to finish before the process exits. State is durable, so
	// anything still running resumes on the next start via Recover.
	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("exiting with workflows still in flight; they will resume on restart")
	}

	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown incomplete")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = rdb.Close()
}
