package stateapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nclav-io/nclav/pkg/log"
	"github.com/nclav-io/nclav/pkg/metrics"
	"github.com/nclav-io/nclav/pkg/store"
)

// Server serves the remote-state + locking HTTP protocol over plain
// HTTP, backed by a store.StateStore.
type Server struct {
	store     store.StateStore
	authToken string
	router    chi.Router
	http      *http.Server
}

// NewServer builds a Server routing to the given store. authToken is
// required on every request except /healthz, /readyz, and /metrics; an
// empty authToken disables the check. Call Router() to embed the
// handler elsewhere, or Start to run it standalone.
func NewServer(st store.StateStore, authToken string) *Server {
	s := &Server{store: st, authToken: authToken}
	s.router = s.buildRouter()
	return s
}

// Router returns the HTTP handler, for embedding in another process or
// for use directly with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(requireToken(s.authToken))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/terraform/state/{enclaveID}/{partitionID}", func(r chi.Router) {
		r.Get("/", s.handleGetState)
		r.Post("/", s.handlePostState)
		r.Delete("/", s.handleDeleteState)
		r.Post("/lock", s.handleLock)
		r.Delete("/lock", s.handleUnlock)
	})

	return r
}

// Start listens on addr and serves until Stop is called or the
// listener fails.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithComponent("stateapi").Info().Str("addr", addr).Msg("listening")
	return s.http.Serve(lis)
}

// Stop gracefully shuts the server down, waiting for in-flight state
// uploads to finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("stateapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}
