// Package api exposes the read-only HTTP surface over the core.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlidx/crawlidx/internal/crawl"
)

// Searcher is the slice of the indexer the API needs.
type Searcher interface {
	Search(query string, topK int) []crawl.SearchResult
	Recommend(sku string) []crawl.SearchResult
}

// Server wires HTTP handlers to the index and telemetry. Handlers are
// thin adapters; all real work happens in the core.
type Server struct {
	router   chi.Router
	searcher Searcher
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. metrics is
// the handler serving the telemetry registry in exposition form.
func NewServer(searcher Searcher, metrics http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		searcher: searcher,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/search", s.search)
	r.Get("/recommend", s.recommend)
	r.Method(http.MethodGet, "/metrics", metrics)
	r.Get("/health", s.health)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type searchResponse struct {
	Query   string               `json:"query"`
	Results []crawl.SearchResult `json:"results"`
	Total   int                  `json:"total"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter 'q'")
		return
	}

	topK := 10
	if raw := r.URL.Query().Get("topk"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'topk'")
			return
		}
		topK = n
	}

	results := s.searcher.Search(query, topK)
	if results == nil {
		results = []crawl.SearchResult{}
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Query:   query,
		Results: results,
		Total:   len(results),
	})
}

type recommendResponse struct {
	SKU             string               `json:"sku"`
	Recommendations []crawl.SearchResult `json:"recommendations"`
}

func (s *Server) recommend(w http.ResponseWriter, r *http.Request) {
	sku := r.URL.Query().Get("sku")
	if sku == "" {
		writeError(w, http.StatusBadRequest, "missing parameter 'sku'")
		return
	}

	recs := s.searcher.Recommend(sku)
	if recs == nil {
		recs = []crawl.SearchResult{}
	}
	writeJSON(w, http.StatusOK, recommendResponse{SKU: sku, Recommendations: recs})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
