package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kareemsasa3/catalog-mirror/internal/config"
	"github.com/kareemsasa3/catalog-mirror/internal/database"
	"github.com/kareemsasa3/catalog-mirror/internal/errors"
	"github.com/kareemsasa3/catalog-mirror/internal/freshness"
	"github.com/kareemsasa3/catalog-mirror/internal/logger"
	"github.com/kareemsasa3/catalog-mirror/internal/metrics"
	"github.com/kareemsasa3/catalog-mirror/internal/queue"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

// APIHandler handles HTTP API requests
type APIHandler struct {
	config   *config.Config
	database *database.DB
	queue    *queue.Queue
	policy   *freshness.Policy
	logger   *logger.Logger
	metrics  *metrics.PrometheusMetrics
}

// NewAPIHandler creates a new API handler. m may be nil.
func NewAPIHandler(cfg *config.Config, db *database.DB, q *queue.Queue, policy *freshness.Policy, log *logger.Logger, m *metrics.PrometheusMetrics) *APIHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &APIHandler{
		config:   cfg,
		database: db,
		queue:    q,
		policy:   policy,
		logger:   log,
		metrics:  m,
	}
}

// ScrapeResponse is returned by the scrape trigger endpoints.
type ScrapeResponse struct {
	JobID         string          `json:"job_id,omitempty"`
	Queued        bool            `json:"queued"`
	InFlight      bool            `json:"in_flight"`
	Fresh         bool            `json:"fresh"`
	Status        types.JobStatus `json:"status,omitempty"`
	Message       string          `json:"message"`
	LastScrapedAt *time.Time      `json:"last_scraped_at,omitempty"`
	Job           *types.JobView  `json:"job,omitempty"`
}

// ProductsResponse lists a category's products with a note on freshness.
type ProductsResponse struct {
	Category *types.Category `json:"category"`
	Products []types.Product `json:"products"`
	Message  string          `json:"message"`
	JobID    string          `json:"job_id,omitempty"`
}

// Routes returns the API with CORS, auth and request metrics applied.
func (h *APIHandler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /navigation", h.HandleNavigation)
	mux.HandleFunc("GET /categories", h.HandleCategories)
	mux.HandleFunc("GET /categories/{slug}/products", h.HandleCategoryProducts)
	mux.HandleFunc("GET /products/{id}", h.HandleProduct)

	mux.HandleFunc("POST /scrape/navigation", h.requireToken(h.HandleScrape(types.TargetNavigation)))
	mux.HandleFunc("POST /scrape/category/{id}", h.requireToken(h.HandleScrape(types.TargetCategory)))
	mux.HandleFunc("POST /scrape/product/{id}", h.requireToken(h.HandleScrape(types.TargetProduct)))

	mux.HandleFunc("GET /jobs", h.HandleListJobs)
	mux.HandleFunc("GET /jobs/stats", h.HandleGetAnalyticsSummary)
	mux.HandleFunc("GET /jobs/stats/timeseries", h.HandleGetTimeSeriesData)
	mux.HandleFunc("GET /jobs/stats/types", h.HandleGetTargetTypeStats)
	mux.HandleFunc("GET /jobs/failures", h.HandleGetRecentFailures)
	mux.HandleFunc("GET /jobs/{id}", h.HandleJobStatus)

	mux.HandleFunc("POST /admin/recover", h.requireToken(h.HandleRecover))

	if h.config.API.EnableMetrics && h.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.metrics.GetRegistry(), promhttp.HandlerOpts{}))
	}

	return corsMiddleware(h.instrument(mux))
}

// HandleHealth reports whether the store is reachable.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := h.database.Ping(r.Context()); err != nil {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

// HandleNavigation lists navigation items.
func (h *APIHandler) HandleNavigation(w http.ResponseWriter, r *http.Request) {
	items, err := h.database.ListNavigation(r.Context())
	if err != nil {
		h.serverError(w, "Failed to list navigation", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// HandleCategories lists categories, optionally under one navigation item.
func (h *APIHandler) HandleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.database.ListCategories(r.Context(), r.URL.Query().Get("navigation"))
	if err != nil {
		h.serverError(w, "Failed to list categories", err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

// HandleCategoryProducts serves the stored products of a category and asks
// the freshness policy whether a refresh should be queued. It never waits
// for a scrape.
func (h *APIHandler) HandleCategoryProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := r.PathValue("slug")

	category, err := h.database.GetCategory(ctx, slug)
	if stderrors.Is(err, errors.ErrNotFound) {
		http.Error(w, fmt.Sprintf("Category not found: %s", slug), http.StatusNotFound)
		return
	}
	if err != nil {
		h.serverError(w, "Failed to load category", err)
		return
	}

	products, err := h.database.ListProductsByCategory(ctx, slug)
	if err != nil {
		h.serverError(w, "Failed to list products", err)
		return
	}

	resp := ProductsResponse{Category: category, Products: products}
	decision, err := h.policy.Request(ctx, types.CategoryTarget(slug), queryBool(r, "refresh"))
	if err != nil {
		h.logger.Warn("Freshness check for category %s failed: %v", slug, err)
		resp.Message = "returning cached results, refresh status unknown"
	} else {
		resp.Message = decision.Message
		resp.JobID = decision.JobID
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleProduct returns a product with its detail and reviews.
func (h *APIHandler) HandleProduct(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := h.database.GetProduct(r.Context(), id)
	if stderrors.Is(err, errors.ErrNotFound) {
		http.Error(w, fmt.Sprintf("Product not found: %s", id), http.StatusNotFound)
		return
	}
	if err != nil {
		h.serverError(w, "Failed to load product", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleScrape triggers a scrape of one target type. ?refresh=true skips
// the freshness check and ?wait=<duration> blocks until the job settles or
// the wait runs out.
func (h *APIHandler) HandleScrape(targetType types.TargetType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		target := types.NavigationTarget()
		if targetType != types.TargetNavigation {
			target = types.Target{Type: targetType, ID: strings.TrimSpace(r.PathValue("id"))}
		}

		wait, err := h.waitDuration(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		decision, err := h.policy.Request(ctx, target, queryBool(r, "refresh"))
		if err != nil {
			if errors.KindOf(err) == errors.KindValidation {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			h.serverError(w, "Failed to request scrape", err)
			return
		}

		resp := ScrapeResponse{
			JobID:         decision.JobID,
			Queued:        decision.Queued,
			InFlight:      decision.InFlight,
			Fresh:         decision.Fresh,
			Status:        decision.Status,
			Message:       decision.Message,
			LastScrapedAt: decision.LastScrapedAt,
		}
		if decision.JobID == "" {
			writeJSON(w, http.StatusOK, resp)
			return
		}

		resp.Job, err = h.jobView(ctx, decision.JobID, wait)
		if err != nil {
			h.serverError(w, "Failed to read job", err)
			return
		}
		resp.Status = resp.Job.Status
		if resp.Job.Status == types.JobFailed && resp.Job.LastError != "" {
			resp.Message = fmt.Sprintf("%s (last error: %s)", resp.Message, resp.Job.LastError)
		}

		code := http.StatusAccepted
		if resp.Job.Status.Terminal() {
			code = http.StatusOK
		}
		writeJSON(w, code, resp)
	}
}

// jobView returns the job, first waiting up to wait for it to settle.
func (h *APIHandler) jobView(ctx context.Context, jobID string, wait time.Duration) (*types.JobView, error) {
	if wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		view, err := h.queue.Await(waitCtx, jobID)
		if err == nil {
			return view, nil
		}
		if ctx.Err() != nil || !stderrors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}
	return h.queue.Get(ctx, jobID)
}

func (h *APIHandler) waitDuration(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil || secs < 0 {
			return 0, fmt.Errorf("invalid wait %q, use a duration like 30s", raw)
		}
		wait = time.Duration(secs) * time.Second
	}
	if limit := h.config.API.MaxWait; limit > 0 && wait > limit {
		wait = limit
	}
	return wait, nil
}

// HandleJobStatus returns one job.
func (h *APIHandler) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.queue.Get(r.Context(), r.PathValue("id"))
	if stderrors.Is(err, errors.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.serverError(w, "Failed to read job", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleListJobs lists jobs filtered by type, target and status. With both
// type and target set it returns that target's status, like Queue.Status.
func (h *APIHandler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.JobFilter{
		Target: q.Get("target"),
		Status: types.JobStatus(q.Get("status")),
		Limit:  queryInt(r, "limit", 50, 500),
	}
	if raw := q.Get("type"); raw != "" {
		t, err := types.ParseTargetType(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Type = t
	}

	if filter.Type != "" && filter.Target != "" && filter.Status == "" {
		view, err := h.queue.Status(r.Context(), types.Target{Type: filter.Type, ID: filter.Target})
		if stderrors.Is(err, errors.ErrJobNotFound) {
			http.Error(w, "No job for target", http.StatusNotFound)
			return
		}
		if err != nil {
			h.serverError(w, "Failed to read job", err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	jobs, err := h.queue.List(r.Context(), filter)
	if err != nil {
		h.serverError(w, "Failed to list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *APIHandler) serverError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error("%s: %v", msg, err)
	http.Error(w, msg, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func queryInt(r *http.Request, name string, def, max int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= max {
			return parsed
		}
	}
	return def
}

// requireToken applies bearer auth when an API token is configured.
func (h *APIHandler) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := h.config.API.Token; token != "" {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != token {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument tags each request with an id and records its outcome.
func (h *APIHandler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		if h.metrics != nil {
			pattern := r.Pattern
			if pattern == "" {
				pattern = "unmatched"
			}
			h.metrics.RecordHTTPRequest(r.Method, pattern, rec.status, duration)
		}
		h.logger.Debug("%s %s -> %d in %v (request %s)", r.Method, r.URL.Path, rec.status, duration, requestID)
	})
}

// corsMiddleware wraps an HTTP handler with CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
