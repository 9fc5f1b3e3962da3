package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/chrlshc/ofm-social-os-sub006/internal/config"
	"github.com/chrlshc/ofm-social-os-sub006/internal/domain"
	"github.com/chrlshc/ofm-social-os-sub006/internal/http/middleware"
	"github.com/chrlshc/ofm-social-os-sub006/internal/idempotency"
	"github.com/chrlshc/ofm-social-os-sub006/internal/ratelimit"
	"github.com/chrlshc/ofm-social-os-sub006/internal/repo"
	"github.com/chrlshc/ofm-social-os-sub006/internal/scheduler"
	"github.com/chrlshc/ofm-social-os-sub006/internal/workflow"
)

// --- fake orchestrator to keep router tests transport-focused ---
type fakeOrch struct {
	workflows map[string]*domain.PublishWorkflow
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{workflows: make(map[string]*domain.PublishWorkflow)}
}

func (f *fakeOrch) Start(_ context.Context, req workflow.PublishRequest) (workflow.StartResult, error) {
	id := domain.WorkflowID(req.Platform, req.AccountID, req.PostID)
	if wf, ok := f.workflows[id]; ok {
		return workflow.StartResult{Workflow: wf, Duplicate: true}, nil
	}
	wf := &domain.PublishWorkflow{
		ID: id, RunID: "run-1", Platform: req.Platform,
		AccountID: req.AccountID, PostID: req.PostID,
		Status: domain.WorkflowRunning,
	}
	f.workflows[id] = wf
	return workflow.StartResult{Workflow: wf}, nil
}

func (f *fakeOrch) GetState(_ context.Context, id string) (*domain.PublishWorkflow, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return wf, nil
}

func (f *fakeOrch) GetProgress(_ context.Context, id string) (*workflow.Progress, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &workflow.Progress{WorkflowID: wf.ID, RunID: wf.RunID, Status: wf.Status, TotalSteps: 4}, nil
}

func (f *fakeOrch) Signal(_ context.Context, id, kind string) error {
	wf, ok := f.workflows[id]
	if !ok {
		return repo.ErrNotFound
	}
	if wf.Status.Terminal() {
		return workflow.ErrTerminal
	}
	switch kind {
	case workflow.SignalCancel, workflow.SignalPause, workflow.SignalResume:
		return nil
	}
	return workflow.ErrUnknownSignal
}

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestDeps(t *testing.T) (Deps, *fakeOrch) {
	t.Helper()
	db := newTestDB(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewLimiter(ratelimit.DefaultTable(), ratelimit.NewRedisStore(client, "rl-test"))

	pool := scheduler.NewPool(db, limiter, config.SchedulerConfig{
		CircuitThreshold:   5,
		CircuitCooldown:    time.Minute,
		CircuitMaxCooldown: time.Hour,
		StarvationAge:      time.Hour,
	})

	orch := newFakeOrch()
	return Deps{DB: db, Orch: orch, Limiter: limiter, Pool: pool}, orch
}

func testConfig(base string) config.Config {
	return config.Config{
		APIBasePath: base,
		RateRPS:     100,
		RateBurst:   10,
		CORS:        config.CORSConfig{AllowedOrigins: nil}, // triggers AllowAllOrigins branch
		Security:    config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
		Scheduler:   config.SchedulerConfig{StarvationAge: time.Hour},
	}
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deps, _ := newTestDeps(t)
	RegisterRoutes(r, deps, testConfig("/api/v1"))

	// /health works
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://anywhere.test")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deps, _ := newTestDeps(t)
	cfg := testConfig("/api/v2")
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	RegisterRoutes(r, deps, cfg)

	// Any request runs through CORS middleware; header should reflect origin.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestPublishEndpoints_StartDuplicateStatusSignal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deps, _ := newTestDeps(t)
	RegisterRoutes(r, deps, testConfig("/api/v1"))

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/publish", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.HeaderAccountID, "acct-1")
		r.ServeHTTP(w, req)
		return w
	}

	// Start
	body := `{"platform":"instagram","post_id":"p1","caption":"hi","media_ref":"s3://m/x.mp4"}`
	w := post(body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /publish = %d body=%s", w.Code, w.Body.String())
	}
	var started struct {
		WorkflowID string `json:"workflow_id"`
		RunID      string `json:"run_id"`
		Duplicate  bool   `json:"duplicate"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("json: %v", err)
	}
	if started.WorkflowID != "pub:instagram:acct-1:p1" || started.Duplicate {
		t.Fatalf("unexpected start response: %+v", started)
	}

	// Duplicate start attaches
	w = post(body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("duplicate POST /publish = %d", w.Code)
	}
	_ = json.Unmarshal(w.Body.Bytes(), &started)
	if !started.Duplicate {
		t.Fatalf("expected duplicate=true, got %+v", started)
	}

	// State + progress
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/"+started.WorkflowID, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET workflow = %d", w.Code)
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/workflows/"+started.WorkflowID+"/progress", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET progress = %d", w.Code)
	}

	// Signal: valid then unknown kind then unknown id
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/workflows/"+started.WorkflowID+"/signal",
		bytes.NewBufferString(`{"signal":"pause"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("signal pause = %d body=%s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/workflows/"+started.WorkflowID+"/signal",
		bytes.NewBufferString(`{"signal":"explode"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("signal explode = %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/workflows/pub:x:a:b/signal",
		bytes.NewBufferString(`{"signal":"cancel"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("signal unknown id = %d", w.Code)
	}

	// Bad publish payloads
	w = post(`{"platform":"myspace","post_id":"p2","media_ref":"s3://m/y.mp4"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unsupported platform = %d", w.Code)
	}
	w = post(`{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad json = %d", w.Code)
	}
}

func TestListWorkflowsEndpoint_Pagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deps, _ := newTestDeps(t)
	RegisterRoutes(r, deps, testConfig("/api/v1"))

	ctx := context.Background()
	for _, post := range []string{"p1", "p2", "p3"} {
		wf := &domain.PublishWorkflow{
			ID: domain.WorkflowID(domain.PlatformInstagram, "acct-list", post), RunID: "r-" + post,
			Platform: domain.PlatformInstagram, AccountID: "acct-list", PostID: post,
			Status: domain.WorkflowCompleted, StartedAt: time.Now().UTC(),
		}
		if err := repo.CreateWorkflow(ctx, deps.DB, wf); err != nil {
			t.Fatalf("seed workflow: %v", err)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows?page=1&page_size=2", nil)
	req.Header.Set(middleware.HeaderAccountID, "acct-list")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /workflows = %d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Workflows  []domain.PublishWorkflow `json:"workflows"`
		Pagination struct {
			Total   int64 `json:"total"`
			HasNext bool  `json:"has_next"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Workflows) != 2 || resp.Pagination.Total != 3 || !resp.Pagination.HasNext {
		t.Fatalf("unexpected page: n=%d total=%d hasNext=%v",
			len(resp.Workflows), resp.Pagination.Total, resp.Pagination.HasNext)
	}

	// Missing account identity
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("GET /workflows without account = %d", w.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deps, _ := newTestDeps(t)
	RegisterRoutes(r, deps, testConfig("/api/v1"))
	ctx := context.Background()

	if err := deps.Pool.Register(ctx, "acct-adm", 5); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Trip then reset the circuit
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/circuits/acct-adm/trip", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("trip = %d body=%s", w.Code, w.Body.String())
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/circuits/acct-adm/reset", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("reset = %d", w.Code)
	}
	// Unknown account → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/circuits/ghost/trip", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("trip ghost = %d", w.Code)
	}

	// Rate limit status + reset
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet,
		"/api/v1/admin/ratelimits/status?account=acct-adm&platform=instagram&endpoint=content_publish", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("rl status = %d body=%s", w.Code, w.Body.String())
	}
	var windows []ratelimit.WindowStatus
	if err := json.Unmarshal(w.Body.Bytes(), &windows); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(windows) != 4 {
		t.Fatalf("expected 4 windows, got %d", len(windows))
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/admin/ratelimits?account=acct-adm", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("rl reset = %d", w.Code)
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/admin/ratelimits", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("rl reset without account = %d", w.Code)
	}

	// Starved list (empty but well-formed)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/starved", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("starved = %d", w.Code)
	}
	var starved []domain.SchedulableUnit
	if err := json.Unmarshal(w.Body.Bytes(), &starved); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(starved) != 0 {
		t.Fatalf("expected no starved units, got %d", len(starved))
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })

	// non-root prefix
	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	// Hit all three
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/one", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "one" {
		t.Fatalf("GET /one got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/two", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "two" {
		t.Fatalf("GET /two got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("GET /api/ping got %d %q", rec.Code, rec.Body.String())
	}
}

// Smoke test that a request traverses idempotency + ratelimit + otel + security headers pipeline.
func TestPipeline_Smoke(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deps, _ := newTestDeps(t)
	cfg := testConfig("/api/v1")
	cfg.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour} // enabled (but only set on https)
	RegisterRoutes(r, deps, cfg)

	// Any request goes through the middleware stack
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	// simulate https so HSTS could be eligible if middleware checks scheme
	req.URL.Scheme = "https"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("pipeline GET /health = %d", w.Code)
	}
	// RequestID header should be present (from RequestID middleware)
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRegisterRoutes_IdempotencyCallback_MissAndHit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deps, _ := newTestDeps(t)
	RegisterRoutes(r, deps, testConfig("/api/vX"))
	ctx := context.Background()

	const key = "key-hit"

	// --- MISS: record does not exist (executes 'rec == nil' branch) ---
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/health", bytes.NewBufferString("{}"))
	req.Header.Set(middleware.HeaderAccountID, "acct-1")
	req.Header.Set(middleware.HeaderIdempotencyKey, key)
	r.ServeHTTP(w, req)
	// NoMethod is expected for POST /health, but middleware ran.

	// --- seed a completed idempotency record so the callback returns true ---
	m := idempotency.NewManager(deps.DB, time.Hour, time.Minute)
	check, err := m.CheckOrCreate(ctx, key, "acct-1", "publish", []byte(`{}`))
	if err != nil || !check.IsNew {
		t.Fatalf("seed CheckOrCreate = %+v, %v", check, err)
	}
	if err := m.Complete(ctx, check.KeyHash, `{"remote_id":"r1"}`, true); err != nil {
		t.Fatalf("seed Complete: %v", err)
	}

	// --- HIT: record exists (executes 'return true' branch) ---
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/health", bytes.NewBufferString("{}"))
	req.Header.Set(middleware.HeaderAccountID, "acct-1")
	req.Header.Set(middleware.HeaderIdempotencyKey, key)
	r.ServeHTTP(w, req)
	// again, 405 is fine; goal is to drive the middleware branch.
}

func TestRegisterRoutes_IdempotencyCallback_ErrorBranch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deps, _ := newTestDeps(t)

	// Wire routes first...
	RegisterRoutes(r, deps, testConfig("/api/v1"))

	// ...then force queries to fail by closing the underlying connection.
	sqlDB, err := deps.DB.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	// Now any record lookup should error → drives (err != nil) branch.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/health", bytes.NewBufferString("{}"))
	req.Header.Set(middleware.HeaderAccountID, "acct-1")
	req.Header.Set(middleware.HeaderIdempotencyKey, "force-error")
	r.ServeHTTP(w, req)

	// 405 is expected for POST /health; goal is to exercise the middleware branch.
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}
