package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/vjranagit/tsbatch/pkg/batcher"
	"github.com/vjranagit/tsbatch/pkg/charts"
	"github.com/vjranagit/tsbatch/pkg/storage"
	"github.com/vjranagit/tsbatch/pkg/types"
)

// defaultWindowLimit is used by /api/v1/query when no limit is given.
const defaultWindowLimit = 30

// Options configures a Server.
type Options struct {
	Addr    string
	Timeout time.Duration

	Storage storage.Storage
	// Batcher serves /api/v1/query.
	Batcher *batcher.Batcher
	// Presenter serves /api/v1/charts/render. Optional.
	Presenter *charts.Presenter
	// Cache adds cache counters to /metrics. Optional.
	Cache *storage.CachedStore

	Logger *slog.Logger
}

// Server implements the HTTP API server
type Server struct {
	opts   Options
	logger *slog.Logger
	server *http.Server
}

// RenderRequest is the body of /api/v1/charts/render. When Chart is set
// only that chart is rendered, otherwise the whole Section.
type RenderRequest struct {
	Chart   *charts.ChartSpec  `json:"chart,omitempty"`
	Section charts.SectionSpec `json:"section"`
	View    charts.ViewParams  `json:"view"`
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		opts:   opts,
		logger: logger,
	}
}

// Handler returns the HTTP handler serving the API. Requests with a method
// a route does not serve get 405 from the router.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.POST("/api/v1/write", s.handleWrite)
	router.GET("/api/v1/query", s.handleQuery)
	router.POST("/api/v1/fetch", s.handleFetch)
	router.GET("/api/v1/layout", s.handleLayout)
	router.POST("/api/v1/charts/render", s.handleRender)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", s.handleMetrics)

	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		s.logger.Error("Handler panicked", "path", r.URL.Path, "panic", v)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.Timeout,
		WriteTimeout: s.opts.Timeout,
	}

	s.logger.Info("HTTP server listening", "addr", s.opts.Addr)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleWrite handles write requests
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req types.WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if ref := r.Header.Get("X-Collection-Ref"); ref != "" {
		req.CollectionRef = ref
	}
	for _, series := range req.Series {
		if series.Name == "" || series.Metric == "" {
			http.Error(w, "Series name and metric are required", http.StatusBadRequest)
			return
		}
	}

	if err := s.opts.Storage.Write(r.Context(), &req); err != nil {
		s.writeError(w, "Write failed", err)
		return
	}

	writeJSON(w, map[string]string{
		"status": "success",
	})
}

// handleQuery handles single series queries. Concurrent requests are
// batched into shared storage fetches.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	params := r.URL.Query()
	q := types.Query{
		CollectionRef: params.Get("collection"),
		SeriesName:    params.Get("series"),
		MetricName:    params.Get("metric"),
		WindowLimit:   defaultWindowLimit,
	}
	if q.SeriesName == "" || q.MetricName == "" {
		http.Error(w, "Missing series or metric parameter", http.StatusBadRequest)
		return
	}

	if startStr := params.Get("start"); startStr != "" {
		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			http.Error(w, "Invalid start timestamp", http.StatusBadRequest)
			return
		}
		q.StartTimestamp = &start
	}
	if limitStr := params.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		q.WindowLimit = limit
	}

	points, err := s.opts.Batcher.Query(q).Wait(r.Context())
	if err != nil {
		s.writeError(w, "Query failed", err)
		return
	}

	writeJSON(w, points)
}

// handleFetch serves a batched query straight from storage
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var q types.BatchedQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	result, err := s.opts.Storage.Fetch(r.Context(), &q)
	if err != nil {
		s.writeError(w, "Fetch failed", err)
		return
	}

	writeJSON(w, result)
}

// handleLayout lists the series and metrics of a collection
func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	layout, err := s.opts.Storage.Layout(r.Context(), r.URL.Query().Get("collection"))
	if err != nil {
		s.writeError(w, "Layout failed", err)
		return
	}

	writeJSON(w, layout)
}

// handleRender renders a chart or a section of charts
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.opts.Presenter == nil {
		http.Error(w, "Charts are not configured", http.StatusNotFound)
		return
	}

	var req RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if req.Chart != nil {
		chart, err := s.opts.Presenter.RenderChart(r.Context(), *req.Chart, req.View)
		if err != nil {
			s.writeError(w, "Render failed", err)
			return
		}
		writeJSON(w, chart)
		return
	}

	section, err := s.opts.Presenter.RenderSection(r.Context(), req.Section, req.View)
	if err != nil {
		s.writeError(w, "Render failed", err)
		return
	}
	writeJSON(w, section)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, map[string]string{
		"status": "healthy",
	})
}

// handleMetrics exports batcher and cache counters in text exposition format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	if s.opts.Batcher != nil {
		stats := s.opts.Batcher.Stats()
		writeMetric(w, "tsbatch_batcher_queries_total", "counter", "Queries accepted by the batcher.", stats.Queries)
		writeMetric(w, "tsbatch_batcher_batches_total", "counter", "Batches flushed.", stats.Batches)
		writeMetric(w, "tsbatch_batcher_fetches_total", "counter", "Batched fetches issued.", stats.Groups)
		writeMetric(w, "tsbatch_batcher_fetch_failures_total", "counter", "Batched fetches which failed.", stats.FailedGroups)
		writeMetric(w, "tsbatch_batcher_pending_queries", "gauge", "Queries waiting in the open batch.", stats.PendingQueries)
	}

	if s.opts.Cache != nil {
		stats := s.opts.Cache.CacheStats()
		writeMetric(w, "tsbatch_cache_hits_total", "counter", "Fetch cache hits.", stats.Hits)
		writeMetric(w, "tsbatch_cache_misses_total", "counter", "Fetch cache misses.", stats.Misses)
		writeMetric(w, "tsbatch_cache_entries", "gauge", "Cached fetch results.", stats.Size)
	}
}

func writeMetric[T uint64 | int](w io.Writer, name, kind, help string, value T) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", name, help, name, kind, name, value)
}

// writeError maps err to a status code and logs server side failures.
func (s *Server) writeError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, charts.ErrUnknownDataSource), errors.Is(err, storage.ErrCollectionRefTooLong):
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, "error", err)
	}
	http.Error(w, fmt.Sprintf("%s: %v", msg, err), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
