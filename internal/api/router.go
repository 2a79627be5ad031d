// Package api exposes the crash dashboard's HTTP surface: bundle upload,
// hierarchy browsing, archive download and the admin endpoints.
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/zigtools/bamboo/internal/database"
	"github.com/zigtools/bamboo/internal/jobs"
	"github.com/zigtools/bamboo/internal/service"
)

type Server struct {
	db         database.DB
	crashSvc   *service.CrashService
	queue      *jobs.Queue
	adminToken string
	logger     *slog.Logger
	metrics    *httpMetrics
	mux        *http.ServeMux
}

type ServerOptions struct {
	// AdminToken guards the destructive endpoints. When empty they respond
	// 403 unconditionally.
	AdminToken string
	Logger     *slog.Logger

	// Metrics defaults to the process-global registry.
	Metrics *httpMetrics
}

func NewServer(db database.DB, crashSvc *service.CrashService, queue *jobs.Queue, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = getDefaultHTTPMetrics()
	}
	s := &Server{
		db:         db,
		crashSvc:   crashSvc,
		queue:      queue,
		adminToken: opts.AdminToken,
		logger:     logger,
		metrics:    metrics,
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var handler http.Handler = s.mux
	handler = requestBodyLimitMiddleware(handler)
	handler = requestTracingMiddleware(handler)
	handler = requestMetricsMiddleware(s.metrics, handler)
	handler = requestLoggingMiddleware(s.logger, handler)
	handler = requestIDMiddleware(handler)
	handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Ingestion
	s.mux.HandleFunc("POST /api/v1/upload", s.handleUpload)

	// Browsing
	s.mux.HandleFunc("GET /api/v1/repositories", s.handleListRepositories)
	s.mux.HandleFunc("GET /api/v1/repositories/{id}/branches", s.handleListBranches)
	s.mux.HandleFunc("GET /api/v1/branches/{id}/commits", s.handleListCommits)
	s.mux.HandleFunc("GET /api/v1/commits/{id}/entries", s.handleListCommitEntries)
	s.mux.HandleFunc("GET /api/v1/groups", s.handleListGroups)
	s.mux.HandleFunc("GET /api/v1/groups/{id}", s.handleGetGroup)
	s.mux.HandleFunc("GET /api/v1/entries/{id}", s.handleGetEntry)

	// Archive reconstruction and raw files
	s.mux.HandleFunc("GET /entry/{archive}", s.handleDownloadArchive)
	s.mux.HandleFunc("GET /entry/{id}/{file}", s.handleRawFile)

	// Admin
	s.mux.HandleFunc("POST /api/v1/entries/{id}/delete", s.requireAdmin(s.handleDeleteEntry))
	s.mux.HandleFunc("POST /api/v1/groups/{id}/delete", s.requireAdmin(s.handleDeleteGroup))
	s.mux.HandleFunc("POST /api/v1/admin/regroup", s.requireAdmin(s.handleRegroup))

	// Operational
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metricsHandler(nil))
}

func (s *Server) requireAdmin(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			jsonError(w, "admin endpoints are disabled", http.StatusForbidden)
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			jsonError(w, "invalid admin token", http.StatusUnauthorized)
			return
		}
		fn(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !database.Healthy(r.Context(), s.db) {
		jsonError(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}
