// Package httpapi implements the control-plane REST surface (C17): task
// CRUD/control, config, auth blobs, and the read-only stats/diagnostics
// endpoints. Grounded on the teacher's internal/api/server.go ControlServer
// — kept chi.Router, middleware.Logger/Recoverer, the security middleware
// chain, and concurrencyLimitMiddleware — generalized from a
// localhost-and-bearer-token MCP control plane guarding a single download
// engine to an X-Api-Key control plane guarding six source adapters behind
// a shared scheduler.
package httpapi

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/noelle-silva/PicaComic/internal/audit"
	"github.com/noelle-silva/PicaComic/internal/config"
	"github.com/noelle-silva/PicaComic/internal/scheduler"
	"github.com/noelle-silva/PicaComic/internal/stats"
	"github.com/noelle-silva/PicaComic/internal/store"
)

// maxInFlightRequests bounds concurrent REST requests so a burst of clients
// can't pile up on the single SQLite handle behind Store.
const maxInFlightRequests = 64

// Server wires the chi.Router to the scheduler/store/config built at boot.
type Server struct {
	cfg       config.Config
	st        *store.Store
	sched     *scheduler.Scheduler
	audit     *audit.Logger
	stats     *stats.Tracker
	logger    *slog.Logger
	router    *chi.Mux
	activeReq int64
}

// New builds a Server with its route table installed.
func New(cfg config.Config, st *store.Store, sched *scheduler.Scheduler, auditLogger *audit.Logger, statsTracker *stats.Tracker, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		st:     st,
		sched:  sched,
		audit:  auditLogger,
		stats:  statsTracker,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the built router for http.Server / httptest use.
func (s *Server) Handler() http.Handler { return s.router }

// Addr formats the configured bind address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%s", s.cfg.Bind, s.cfg.Port)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.auditMiddleware)
	s.router.Use(s.apiKeyMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks/download", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/config", s.handleGetConfig)
		r.Put("/tasks/config", s.handlePutConfig)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Delete("/tasks/{id}", s.handleDeleteTask)
		r.Post("/tasks/{id}/pause", s.handleControl(s.sched.Pause))
		r.Post("/tasks/{id}/resume", s.handleControl(s.sched.Resume))
		r.Post("/tasks/{id}/cancel", s.handleControl(s.sched.Cancel))
		r.Post("/tasks/{id}/retry", s.handleControl(s.sched.Retry))
		r.Put("/auth/{source}", s.handlePutAuth)
		r.Get("/auth/{source}", s.handleGetAuth)
		r.Get("/stats", s.handleStats)
		r.Get("/diagnostics/speedtest", s.handleSpeedtest)
	})
}

func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt64(&s.activeReq, 1)
		defer atomic.AddInt64(&s.activeReq, -1)

		if current > maxInFlightRequests {
			writeError(w, http.StatusTooManyRequests, "server overloaded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware enforces X-Api-Key iff a key is configured, per spec.md
// §6: "X-Api-Key required iff configured".
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-Api-Key") != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing X-Api-Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auditMiddleware logs every request that reaches the router, including
// ones the later middlewares reject, by wrapping the ResponseWriter to
// capture the final status code.
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.audit.Log(audit.Entry{
			SourceIP:  sourceIP,
			UserAgent: r.UserAgent(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    rec.status,
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
