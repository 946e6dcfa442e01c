package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kareemsasa3/catalog-mirror/internal/config"
	"github.com/kareemsasa3/catalog-mirror/internal/database"
	"github.com/kareemsasa3/catalog-mirror/internal/errors"
	"github.com/kareemsasa3/catalog-mirror/internal/freshness"
	"github.com/kareemsasa3/catalog-mirror/internal/logger"
	"github.com/kareemsasa3/catalog-mirror/internal/metrics"
	"github.com/kareemsasa3/catalog-mirror/internal/queue"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

type testLogger struct{}

func (l *testLogger) Info(format string, v ...interface{})  {}
func (l *testLogger) Debug(format string, v ...interface{}) {}
func (l *testLogger) Warn(format string, v ...interface{})  {}
func (l *testLogger) Error(format string, v ...interface{}) {}

type testServer struct {
	handler http.Handler
	db      *database.DB
	queue   *queue.Queue
	cfg     *config.Config
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.Initialize(filepath.Join(t.TempDir(), "api_test.db"), &testLogger{})
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.API.MaxWait = 2 * time.Second
	m := metrics.NewPrometheusMetrics()
	q := queue.New(db, queue.Options{MaxAttempts: 3, PollInterval: 10 * time.Millisecond, Logger: &testLogger{}, Metrics: m})
	policy := freshness.NewPolicy(db, q, time.Hour)

	h := NewAPIHandler(cfg, db, q, policy, logger.Nop(), m)
	return &testServer{handler: h.Routes(), db: db, queue: q, cfg: cfg}
}

func (s *testServer) do(t *testing.T, method, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	return v
}

func seedCatalog(t *testing.T, db *database.DB) {
	t.Helper()
	ctx := context.Background()
	_, err := db.SaveNavigation(ctx,
		[]types.NavigationItem{{Slug: "books", Title: "Books", SourceURL: "https://shop.test/collections/books", HasChildren: true}},
		[]types.Category{
			{Slug: "fiction", Title: "Fiction", NavigationSlug: "books", ParentSlug: "books", SourceURL: "https://shop.test/collections/fiction"},
			{Slug: "fantasy", Title: "Fantasy", NavigationSlug: "books", ParentSlug: "fiction", SourceURL: "https://shop.test/collections/fantasy"},
		})
	if err != nil {
		t.Fatalf("SaveNavigation() error = %v", err)
	}

	price := 4.99
	_, err = db.SaveCategoryListing(ctx, "fantasy", []types.Product{
		{SourceID: "the-hobbit", Title: "The Hobbit", Price: &price, Currency: "GBP", SourceURL: "https://shop.test/products/the-hobbit"},
		{SourceID: "mort", Title: "Mort", SourceURL: "https://shop.test/products/mort"},
	})
	if err != nil {
		t.Fatalf("SaveCategoryListing() error = %v", err)
	}
}

func TestCatalogReads(t *testing.T) {
	s := setupServer(t)
	seedCatalog(t, s.db)

	rec := s.do(t, http.MethodGet, "/navigation")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /navigation = %d", rec.Code)
	}
	nav := decode[[]types.NavigationItem](t, rec)
	if len(nav) != 1 || nav[0].Slug != "books" {
		t.Errorf("navigation = %+v", nav)
	}

	cats := decode[[]types.Category](t, s.do(t, http.MethodGet, "/categories?navigation=books"))
	if len(cats) != 2 || cats[0].Slug != "fiction" || cats[1].Level != 1 {
		t.Errorf("categories = %+v", cats)
	}

	rec = s.do(t, http.MethodGet, "/categories/fantasy/products")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET products = %d: %s", rec.Code, rec.Body.String())
	}
	products := decode[ProductsResponse](t, rec)
	if len(products.Products) != 2 {
		t.Errorf("products = %+v", products.Products)
	}
	if !strings.Contains(products.Message, "fresh") || products.JobID != "" {
		t.Errorf("a just-scraped category should be fresh: %+v", products)
	}

	rec = s.do(t, http.MethodGet, "/categories/fantasy/products?refresh=true")
	products = decode[ProductsResponse](t, rec)
	if products.JobID == "" || !strings.Contains(products.Message, "refresh queued") {
		t.Errorf("refresh should queue a job: %+v", products)
	}

	if rec := s.do(t, http.MethodGet, "/categories/unknown/products"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown category = %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/products/the-hobbit")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET product = %d", rec.Code)
	}
	product := decode[database.ProductView](t, rec)
	if product.Price == nil || *product.Price != 4.99 || product.CategorySlug != "fantasy" {
		t.Errorf("product = %+v", product.Product)
	}
	if rec := s.do(t, http.MethodGet, "/products/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing product = %d", rec.Code)
	}
}

func TestScrapeDedup(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/scrape/navigation")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /scrape/navigation = %d: %s", rec.Code, rec.Body.String())
	}
	first := decode[ScrapeResponse](t, rec)
	if !first.Queued || first.InFlight || first.JobID == "" || first.Job == nil {
		t.Fatalf("first response = %+v", first)
	}

	second := decode[ScrapeResponse](t, s.do(t, http.MethodPost, "/scrape/navigation"))
	if second.Queued || !second.InFlight || second.JobID != first.JobID {
		t.Errorf("second response = %+v", second)
	}
}

func TestScrapeWait(t *testing.T) {
	s := setupServer(t)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		job, err := s.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		_ = s.queue.MarkCompleted(ctx, job.ID, map[string]int{"pages": 1})
	}()

	rec := s.do(t, http.MethodPost, "/scrape/product/the-hobbit?wait=2s")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST with wait = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[ScrapeResponse](t, rec)
	if resp.Status != types.JobCompleted || resp.Job == nil || resp.Job.Status != types.JobCompleted {
		t.Errorf("expected completed job, got %+v", resp)
	}
}

func TestScrapeWaitTimesOut(t *testing.T) {
	s := setupServer(t)
	rec := s.do(t, http.MethodPost, "/scrape/category/fantasy?wait=20ms")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 while the job is waiting, got %d", rec.Code)
	}
	if resp := decode[ScrapeResponse](t, rec); resp.Status != types.JobWaiting {
		t.Errorf("status = %s", resp.Status)
	}
}

func TestScrapeValidation(t *testing.T) {
	s := setupServer(t)
	if rec := s.do(t, http.MethodPost, "/scrape/product/%20"); rec.Code != http.StatusBadRequest {
		t.Errorf("blank id = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/scrape/navigation?wait=soon"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad wait = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/scrape/navigation"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET on trigger = %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	s := setupServer(t)
	s.cfg.API.Token = "secret"

	if rec := s.do(t, http.MethodPost, "/scrape/navigation"); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/scrape/navigation", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/scrape/navigation", "Authorization", "Bearer secret"); rec.Code != http.StatusAccepted {
		t.Errorf("valid token = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/navigation"); rec.Code != http.StatusOK {
		t.Errorf("reads are public, got %d", rec.Code)
	}
}

func TestJobEndpoints(t *testing.T) {
	s := setupServer(t)
	ctx := context.Background()

	res, err := s.queue.Enqueue(ctx, types.CategoryTarget("fantasy"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	job, err := s.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if _, err := s.queue.MarkFailed(ctx, job.ID, errors.NewValidationError("category:fantasy", "unknown category", nil), false); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	view := decode[types.JobView](t, s.do(t, http.MethodGet, "/jobs/"+res.JobID))
	if view.Status != types.JobFailed || view.ErrorKind != string(errors.KindValidation) {
		t.Errorf("job = %+v", view)
	}
	if rec := s.do(t, http.MethodGet, "/jobs/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job = %d", rec.Code)
	}

	status := decode[types.JobView](t, s.do(t, http.MethodGet, "/jobs?type=category&target=fantasy"))
	if status.ID != res.JobID {
		t.Errorf("status lookup = %+v", status)
	}
	jobs := decode[[]types.JobView](t, s.do(t, http.MethodGet, "/jobs?status=failed"))
	if len(jobs) != 1 {
		t.Errorf("failed jobs = %+v", jobs)
	}
	if rec := s.do(t, http.MethodGet, "/jobs?type=page"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad type = %d", rec.Code)
	}

	summary := decode[database.AnalyticsSummary](t, s.do(t, http.MethodGet, "/jobs/stats"))
	if summary.TotalJobs != 1 || summary.FailedJobs != 1 {
		t.Errorf("summary = %+v", summary)
	}
	failures := decode[[]types.JobView](t, s.do(t, http.MethodGet, "/jobs/failures?limit=5"))
	if len(failures) != 1 {
		t.Errorf("failures = %+v", failures)
	}
}

func TestRecover(t *testing.T) {
	s := setupServer(t)
	ctx := context.Background()
	if _, err := s.queue.Enqueue(ctx, types.NavigationTarget()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.queue.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}

	// A job claimed just now is still within reach of its worker.
	rec := s.do(t, http.MethodPost, "/admin/recover")
	if rec.Code != http.StatusOK {
		t.Fatalf("recover = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]interface{}](t, rec)
	if body["recovered"] != float64(0) {
		t.Errorf("recovered = %v", body["recovered"])
	}
	open, err := s.queue.Status(ctx, types.NavigationTarget())
	if err != nil || open.Status != types.JobActive {
		t.Errorf("live job should stay active: %+v, %v", open, err)
	}

	for _, raw := range []string{"later", "-1m", "0s", "3m"} {
		if rec := s.do(t, http.MethodPost, "/admin/recover?stale_after="+raw); rec.Code != http.StatusBadRequest {
			t.Errorf("stale_after=%s = %d", raw, rec.Code)
		}
	}
	if rec := s.do(t, http.MethodPost, "/admin/recover?stale_after=1h"); rec.Code != http.StatusOK {
		t.Errorf("stale_after=1h = %d", rec.Code)
	}
}

func TestHealthMetricsAndCORS(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Request-ID") == "" {
		t.Errorf("health = %d, headers %v", rec.Code, rec.Header())
	}

	rec = s.do(t, http.MethodOptions, "/scrape/navigation")
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d, headers %v", rec.Code, rec.Header())
	}

	s.do(t, http.MethodGet, "/navigation")
	rec = s.do(t, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "catalog_http_requests_total") {
		t.Errorf("metrics = %d", rec.Code)
	}
}
