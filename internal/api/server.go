// Package api serves the local control surface: status, overrides, search,
// transport commands and the live event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	zlog "github.com/rs/zerolog/log"

	"github.com/hifisync/hifisync/internal/app/engine"
	"github.com/hifisync/hifisync/internal/domain/catalog"
	"github.com/hifisync/hifisync/internal/domain/track"
	"github.com/hifisync/hifisync/internal/infra/config"
	"github.com/hifisync/hifisync/internal/store"
)

// Engine is the slice of the coordinator the control surface talks to.
type Engine interface {
	CurrentStatus(ctx context.Context) engine.Status
	Overrides(ctx context.Context) ([]store.Override, error)
	SetOverride(ctx context.Context, id track.Identity, candidateID string) error
	ClearOverride(ctx context.Context, key string) (bool, error)
	ResetAll(ctx context.Context) error
	Search(ctx context.Context, query string, limit int) ([]catalog.Candidate, error)
	SourceCommand(ctx context.Context, action string) error
	Subscribe(buffer int) (<-chan engine.Event, func())
}

// Server is the control API HTTP server.
type Server struct {
	router   chi.Router
	server   *http.Server
	handlers *Handlers
}

// NewServer creates the control API server bound to cfg.Addr.
func NewServer(cfg config.APIConfig, eng Engine) *Server {
	router := chi.NewRouter()

	s := &Server{
		router:   router,
		handlers: NewHandlers(eng),
	}
	s.setupMiddleware()
	s.setupRoutes()

	// No WriteTimeout: the event stream holds its connection open for as
	// long as the client listens.
	s.server = &http.Server{
		Addr:        cfg.Addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handlers.Status)
		r.Get("/overrides", s.handlers.ListOverrides)
		r.Put("/overrides", s.handlers.SetOverride)
		r.Delete("/overrides/{key}", s.handlers.ClearOverride)
		r.Post("/reset", s.handlers.Reset)
		r.Get("/search", s.handlers.Search)
		r.Post("/transport/{action}", s.handlers.Transport)
		r.Get("/events", s.handlers.Events)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Msgf("control api listening: addr=%s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "control api failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "control api shutdown failed")
	}

	zlog.Info().Msg("control api stopped")
	return nil
}

// requestLogger logs one line per request through the process logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zlog.Debug().Msgf("api request: method=%s path=%s status=%d duration_ms=%d",
			r.Method, r.URL.Path, ww.Status(), time.Since(start).Milliseconds())
	})
}
