package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/portfolio-tracker/internal/api"
	"github.com/jonesrussell/portfolio-tracker/internal/cache"
	"github.com/jonesrussell/portfolio-tracker/internal/config"
	"github.com/jonesrussell/portfolio-tracker/internal/health"
	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
	"github.com/jonesrussell/portfolio-tracker/internal/quality"
	"github.com/jonesrussell/portfolio-tracker/internal/queue"
	"github.com/jonesrussell/portfolio-tracker/internal/ratelimit"
	"github.com/jonesrussell/portfolio-tracker/internal/refresh"
	"github.com/jonesrussell/portfolio-tracker/internal/telemetry"
)

// fakeStore implements the task, staleness, stats, and health surfaces the
// API depends on, backed by a map.
type fakeStore struct {
	tasks  map[string]*models.RefreshTask
	latest *time.Time
	stats  models.DatasetStats
}

func newFakeStore() *fakeStore {
	now := time.Now().UTC()
	return &fakeStore{
		tasks:  make(map[string]*models.RefreshTask),
		latest: &now,
		stats: models.DatasetStats{
			LatestPriceDate:  &now,
			AssetCount:       50,
			BenchmarkPresent: true,
			SectorCount:      8,
			RegionCount:      5,
			PriceRowCount:    1000,
		},
	}
}

func (f *fakeStore) Enqueue(_ context.Context, task *models.RefreshTask) error {
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*models.RefreshTask, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return task, nil
}

func (f *fakeStore) RequestRevoke(_ context.Context, id string) error {
	task, ok := f.tasks[id]
	if !ok {
		return models.ErrNotFound
	}
	task.RevokeRequested = true
	if task.State == models.TaskStatePending {
		task.State = models.TaskStateRevoked
	}
	return nil
}

func (f *fakeStore) ListActive(_ context.Context) (*models.ActiveTasks, error) {
	active := &models.ActiveTasks{ByQueue: map[models.TaskPriority][]models.RefreshTask{}}
	for _, task := range f.tasks {
		if task.State.IsActive() {
			active.ByQueue[task.Priority] = append(active.ByQueue[task.Priority], *task)
			active.Stats.TotalActive++
		}
	}
	return active, nil
}

func (f *fakeStore) HasActiveKind(_ context.Context, kind models.TaskKind) (bool, error) {
	for _, task := range f.tasks {
		if task.Kind == kind && task.State.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) LatestPriceDate(_ context.Context) (*time.Time, error) { return f.latest, nil }

func (f *fakeStore) DatasetStats(_ context.Context) (*models.DatasetStats, error) {
	stats := f.stats
	return &stats, nil
}

func (f *fakeStore) Ping(_ context.Context) error { return nil }

func (f *fakeStore) IndexReady(_ context.Context) (bool, error) { return true, nil }

type fakeBudgetStore struct {
	calls     int
	overrides int
}

func (f *fakeBudgetStore) RecordCall(_ context.Context, _ string, _ int, _ time.Time) (int, error) {
	f.calls++
	return f.calls, nil
}

func (f *fakeBudgetStore) RecordOverride(_ context.Context, _ string, _ int, _ time.Time) (int, error) {
	f.overrides++
	return f.overrides, nil
}

func (f *fakeBudgetStore) Get(_ context.Context, provider string, dailyLimit int, now time.Time) (*models.RateBudget, error) {
	return &models.RateBudget{
		Provider:      provider,
		WindowDate:    models.BudgetWindow(now),
		CallsUsed:     f.calls,
		DailyLimit:    dailyLimit,
		OverridesUsed: f.overrides,
	}, nil
}

func newTestRouter(t *testing.T) (*api.Router, *fakeStore) {
	t.Helper()

	store := newFakeStore()
	log := logger.NewNopLogger()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })
	tel := telemetry.NewProvider()
	cacheStore := cache.NewStore(redisClient, tel, log)

	governor := ratelimit.NewGovernor(&fakeBudgetStore{},
		[]ratelimit.Provider{{Name: "marketfeed", DailyLimit: 250}}, tel, log)
	q := queue.New(store, log)

	refreshSvc := refresh.NewService(refresh.ServiceConfig{
		Provider:        "marketfeed",
		ReserveCalls:    20,
		BenchmarkSymbol: "SPY",
	}, governor, q, store, log)

	cfg := &config.Config{
		Refresh: config.RefreshConfig{ExpectedAssets: 50},
	}

	router := api.NewRouter(
		refreshSvc,
		q,
		governor,
		quality.NewAssessor(store),
		health.NewAggregator(store, cacheStore),
		cacheStore,
		tel,
		cfg,
		log,
	)
	return router, store
}

func doRequest(t *testing.T, router *api.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	router.Engine().ServeHTTP(recorder, req)
	return recorder
}

func TestTriggerRefresh(t *testing.T) {
	router, store := newTestRouter(t)

	// Fresh data, no explicit mode: the selector picks cached and nothing
	// is enqueued.
	resp := doRequest(t, router, http.MethodPost, "/api/v1/refresh", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", resp.Code, resp.Body.String())
	}

	var cached refresh.TriggerResult
	if err := json.Unmarshal(resp.Body.Bytes(), &cached); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if cached.Mode != refresh.ModeCached {
		t.Errorf("mode = %v, want cached", cached.Mode)
	}
	if len(store.tasks) != 0 {
		t.Errorf("cached trigger enqueued %d tasks", len(store.tasks))
	}

	// An explicit full refresh is accepted and enqueued.
	resp = doRequest(t, router, http.MethodPost, "/api/v1/refresh", `{"mode": "full"}`)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", resp.Code, resp.Body.String())
	}

	var triggered refresh.TriggerResult
	if err := json.Unmarshal(resp.Body.Bytes(), &triggered); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if triggered.TaskID == "" {
		t.Error("expected a task id for an explicit full refresh")
	}
	if len(store.tasks) != 1 {
		t.Errorf("enqueued %d tasks, want 1", len(store.tasks))
	}
}

func TestTriggerRefresh_UnknownMode(t *testing.T) {
	router, _ := newTestRouter(t)

	resp := doRequest(t, router, http.MethodPost, "/api/v1/refresh", `{"mode": "turbo"}`)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.Code)
	}
}

func TestGetTask(t *testing.T) {
	router, store := newTestRouter(t)

	task, _ := models.NewRefreshTask("6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		models.TaskKindPriceUpdate, models.PriorityHigh, nil)
	store.tasks[task.ID] = task

	resp := doRequest(t, router, http.MethodGet, "/api/v1/tasks/"+task.ID, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}

	var body struct {
		Task            models.RefreshTask `json:"task"`
		PercentComplete float64            `json:"percent_complete"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Task.ID != task.ID {
		t.Errorf("task id = %q, want %q", body.Task.ID, task.ID)
	}
	if body.PercentComplete != 0 {
		t.Errorf("percent_complete = %v, want 0 for pending", body.PercentComplete)
	}
}

func TestGetTask_Errors(t *testing.T) {
	router, _ := newTestRouter(t)

	testCases := []struct {
		name string
		path string
		want int
	}{
		{name: "invalid id format", path: "/api/v1/tasks/not-a-uuid", want: http.StatusBadRequest},
		{name: "unknown id", path: "/api/v1/tasks/6ba7b810-9dad-11d1-80b4-00c04fd430c8", want: http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, router, http.MethodGet, tc.path, "")
			if resp.Code != tc.want {
				t.Errorf("status = %d, want %d", resp.Code, tc.want)
			}
		})
	}
}

func TestRevokeTask(t *testing.T) {
	router, store := newTestRouter(t)

	task, _ := models.NewRefreshTask("6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		models.TaskKindFullRefresh, models.PriorityHigh, nil)
	store.tasks[task.ID] = task

	resp := doRequest(t, router, http.MethodDelete, "/api/v1/tasks/"+task.ID, "")
	if resp.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.Code)
	}
	if store.tasks[task.ID].State != models.TaskStateRevoked {
		t.Errorf("task state = %v, want revoked", store.tasks[task.ID].State)
	}
}

func TestGetQuality(t *testing.T) {
	router, _ := newTestRouter(t)

	resp := doRequest(t, router, http.MethodGet, "/api/v1/status/quality", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}

	var report models.QualityReport
	if err := json.Unmarshal(resp.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if report.Assessment != models.AssessmentExcellent {
		t.Errorf("assessment = %q, want excellent", report.Assessment)
	}

	// Second request is served from the cache and must carry the same body.
	again := doRequest(t, router, http.MethodGet, "/api/v1/status/quality", "")
	if again.Code != http.StatusOK {
		t.Fatalf("cached status = %d, want 200", again.Code)
	}
	if again.Body.String() != resp.Body.String() {
		t.Error("cached quality response differs from original")
	}
}

func TestGetBudget(t *testing.T) {
	router, _ := newTestRouter(t)

	resp := doRequest(t, router, http.MethodGet, "/api/v1/status/budget", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}

	var body struct {
		Providers map[string]struct {
			CallsUsed  int `json:"calls_used"`
			DailyLimit int `json:"daily_limit"`
			Remaining  int `json:"remaining"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	budget, ok := body.Providers["marketfeed"]
	if !ok {
		t.Fatalf("providers = %v, want marketfeed entry", body.Providers)
	}
	if budget.Remaining != 250 {
		t.Errorf("remaining = %d, want 250", budget.Remaining)
	}
}

func TestInvalidateCache(t *testing.T) {
	router, _ := newTestRouter(t)

	testCases := []struct {
		name string
		body string
		want int
	}{
		{name: "valid market pattern", body: `{"pattern": "market:*"}`, want: http.StatusOK},
		{name: "missing pattern", body: `{}`, want: http.StatusBadRequest},
		{name: "unscoped pattern rejected", body: `{"pattern": "*"}`, want: http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, router, http.MethodPost, "/api/v1/cache/invalidate", tc.body)
			if resp.Code != tc.want {
				t.Errorf("status = %d, want %d; body = %s", resp.Code, tc.want, resp.Body.String())
			}
		})
	}
}

func TestRequestOverride(t *testing.T) {
	router, _ := newTestRouter(t)

	resp := doRequest(t, router, http.MethodPost, "/api/v1/budget/override",
		`{"provider": "marketfeed", "requested_by": "ops@example.com"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", resp.Code, resp.Body.String())
	}

	// The window's single override is spent; the next request is refused.
	resp = doRequest(t, router, http.MethodPost, "/api/v1/budget/override",
		`{"provider": "marketfeed", "requested_by": "ops@example.com"}`)
	if resp.Code != http.StatusTooManyRequests {
		t.Errorf("second override status = %d, want 429", resp.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	resp := doRequest(t, router, http.MethodGet, "/health", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", resp.Code, resp.Body.String())
	}

	var body struct {
		Service string              `json:"service"`
		Health  models.HealthStatus `json:"health"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Service != "portfolio-tracker" {
		t.Errorf("service = %q, want portfolio-tracker", body.Service)
	}
	if body.Health.Overall != models.HealthHealthy {
		t.Errorf("overall = %v, want healthy", body.Health.Overall)
	}
}
