// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database and Redis connections, rate-limit
// window tables, scheduler tuning, and workflow execution bounds.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "publish-orchestrator")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig defines the connection to the shared counter store used by the
// platform rate limiter. In-process memory is never authoritative for rate
// counters; the external store is.
type RedisConfig struct {
	Addr      string // REDIS_ADDR, host:port
	Password  string // REDIS_PASSWORD
	DB        int    // REDIS_DB
	KeyPrefix string // REDIS_KEY_PREFIX, namespace for all limiter keys
}

// SchedulerConfig tunes the fair-share scheduler and its per-account
// circuit breakers.
type SchedulerConfig struct {
	CircuitThreshold   int           // consecutive failures before opening
	CircuitCooldown    time.Duration // initial open-state hold
	CircuitMaxCooldown time.Duration // cap for exponential escalation
	JitterMin          time.Duration // dispatch jitter lower bound
	JitterMax          time.Duration // dispatch jitter upper bound
	StarvationAge      time.Duration // age after which an account counts as starved
}

// WorkflowConfig bounds publish workflow execution.
type WorkflowConfig struct {
	ActivityTimeout  time.Duration // per-activity wall clock bound
	WorkflowTimeout  time.Duration // per-workflow wall clock bound
	RetryInitial     time.Duration // first retry backoff interval
	RetryMaxInterval time.Duration // backoff cap
	RetryMaxAttempts int           // bounded attempt count per step
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath         string // SQLite path for durable workflow/idempotency state
	RateLimitsPath string // optional JSON file with per-(platform,endpoint) windows

	// Edge rate limiting (HTTP abuse control, not the platform limiter)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Idempotency
	IdempotencyTTL    time.Duration // how long a completed key blocks re-execution
	ProcessingTimeout time.Duration // stale-processing reaper threshold

	// Maintenance
	SweepInterval time.Duration // cadence of cleanup/reaper/starvation sweeps

	// Components
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Workflow  WorkflowConfig

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:         getenv("DB_PATH", "app.db"),
		RateLimitsPath: getenv("RATE_LIMITS_PATH", ""),

		// Edge rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Idempotency
		IdempotencyTTL:    getdur("IDEMPOTENCY_TTL", 24*time.Hour),
		ProcessingTimeout: getdur("PROCESSING_TIMEOUT", 15*time.Minute),

		// Maintenance
		SweepInterval: getdur("SWEEP_INTERVAL", time.Minute),

		Redis: RedisConfig{
			Addr:      getenv("REDIS_ADDR", "localhost:6379"),
			Password:  getenv("REDIS_PASSWORD", ""),
			DB:        getint("REDIS_DB", 0),
			KeyPrefix: getenv("REDIS_KEY_PREFIX", "rl"),
		},

		Scheduler: SchedulerConfig{
			CircuitThreshold:   getint("CIRCUIT_THRESHOLD", 5),
			CircuitCooldown:    getdur("CIRCUIT_COOLDOWN", 5*time.Minute),
			CircuitMaxCooldown: getdur("CIRCUIT_MAX_COOLDOWN", time.Hour),
			JitterMin:          getdur("JITTER_MIN", 50*time.Millisecond),
			JitterMax:          getdur("JITTER_MAX", 250*time.Millisecond),
			StarvationAge:      getdur("STARVATION_AGE", 10*time.Minute),
		},

		Workflow: WorkflowConfig{
			ActivityTimeout:  getdur("ACTIVITY_TIMEOUT", 30*time.Second),
			WorkflowTimeout:  getdur("WORKFLOW_TIMEOUT", 10*time.Minute),
			RetryInitial:     getdur("RETRY_INITIAL", 500*time.Millisecond),
			RetryMaxInterval: getdur("RETRY_MAX_INTERVAL", 30*time.Second),
			RetryMaxAttempts: getint("RETRY_MAX_ATTEMPTS", 5),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "publish-orchestrator"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return cfg, errors.New("REDIS_ADDR must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.ProcessingTimeout <= 0 {
		return cfg, errors.New("PROCESSING_TIMEOUT must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return cfg, errors.New("SWEEP_INTERVAL must be > 0")
	}
	if cfg.Scheduler.CircuitThreshold < 1 {
		return cfg, errors.New("CIRCUIT_THRESHOLD must be >= 1")
	}
	if cfg.Scheduler.CircuitCooldown <= 0 || cfg.Scheduler.CircuitMaxCooldown < cfg.Scheduler.CircuitCooldown {
		return cfg, errors.New("CIRCUIT_COOLDOWN must be > 0 and <= CIRCUIT_MAX_COOLDOWN")
	}
	if cfg.Scheduler.JitterMin < 0 || cfg.Scheduler.JitterMax < cfg.Scheduler.JitterMin {
		return cfg, errors.New("JITTER_MIN must be >= 0 and <= JITTER_MAX")
	}
	if cfg.Scheduler.StarvationAge <= 0 {
		return cfg, errors.New("STARVATION_AGE must be > 0")
	}
	if cfg.Workflow.ActivityTimeout <= 0 || cfg.Workflow.WorkflowTimeout <= 0 {
		return cfg, errors.New("workflow timeouts must be positive durations")
	}
	if cfg.Workflow.RetryInitial <= 0 || cfg.Workflow.RetryMaxInterval < cfg.Workflow.RetryInitial {
		return cfg, errors.New("RETRY_INITIAL must be > 0 and <= RETRY_MAX_INTERVAL")
	}
	if cfg.Workflow.RetryMaxAttempts < 1 {
		return cfg, errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
