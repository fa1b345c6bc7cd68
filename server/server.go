// Package server exposes the controller fleet over HTTP: state reads and
// writes, deferred scheduling and chunked telemetry streams.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jhradil/pifleet/journal"
	"github.com/jhradil/pifleet/scheduler"
)

// Server routes HTTP requests to the backend, the scheduler and the
// streaming multiplexer.
type Server struct {
	router          chi.Router
	backend         *Backend
	sched           *scheduler.Scheduler
	journal         journal.Journal
	chunkingTimeout time.Duration
}

// New wires the routes and returns the server ready to use as an
// http.Handler.
func New(backend *Backend, sched *scheduler.Scheduler, jnl journal.Journal, chunkingTimeout time.Duration) *Server {
	s := &Server{
		backend:         backend,
		sched:           sched,
		journal:         jnl,
		chunkingTimeout: chunkingTimeout,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/", s.handleContract)
	r.Get("/health", s.handleHealth)
	r.Get("/controllers", s.handleControllers)

	r.Get("/get_state", s.handleGetStateAll)
	r.Get("/get_state/{cname}", s.handleGetState)
	r.Post("/set_state", s.handleSetStateAll)
	r.Post("/set_state/{cname}", s.handleSetState)

	r.Post("/set_state_deferred", s.handleSetStateDeferredAll)
	r.Post("/set_state_deferred/{cname}", s.handleSetStateDeferred)
	r.Get("/list_deferred", s.handleListDeferred)
	r.Get("/list_deferred/{cname}", s.handleListDeferred)
	r.Get("/cancel_deferred", s.handleCancelDeferred)

	r.Post("/downstream", s.handleDownstreamAll)
	r.Post("/downstream/{cname}", s.handleDownstream)
	r.Get("/downstream_ws/{cname}", s.handleDownstreamWS)

	r.Get("/journal", s.handleJournal)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router = r
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// corsMiddleware allows the bundled web frontend to be served from another
// origin during development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
