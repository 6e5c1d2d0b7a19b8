package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/re3/internal/logging"
	"github.com/me/re3/internal/matrix"
	"github.com/me/re3/internal/progress"
	"github.com/me/re3/internal/store"
)

// Server is the read-only progress API. It serves whatever the progress
// document and the record store currently hold; it never claims or mutates
// slices.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	startTime time.Time
	docs      progress.DocumentStore
	records   store.RecordStore
	matrix    *matrix.Matrix
}

// New creates a Server with all routes registered. records may be nil, in
// which case the record endpoint answers 404.
func New(docs progress.DocumentStore, records store.RecordStore, m *matrix.Matrix, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logging.Component(logger, "server"),
		startTime: time.Now(),
		docs:      docs,
		records:   records,
		matrix:    m,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/progress", s.handleProgress)

		r.Route("/slices", func(r chi.Router) {
			r.Get("/", s.handleListSlices)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSlice)
				r.Get("/records", s.handleListRecords)
			})
		})
	})
}
