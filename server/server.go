// Package server is the HTTP surface of the host: view reads and actor
// lifecycle operations for the control plane.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tarungka/prism/internal/config"
	"github.com/tarungka/prism/internal/logger"
	"github.com/tarungka/prism/internal/runtime"
	"github.com/tarungka/prism/internal/store"
)

// Server serves the view read API and the lifecycle API.
type Server struct {
	cfg     *config.Config
	manager *runtime.Manager
	store   *store.Store
	logger  zerolog.Logger

	httpServer *http.Server
}

func New(cfg *config.Config, manager *runtime.Manager, st *store.Store) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		store:   st,
		logger:  logger.GetLogger("server"),
	}
}

func (s *Server) Router() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.CleanPath)
	router.Use(middleware.Heartbeat("/health"))

	router.Get("/status", s.getStatuses)

	router.Route("/queries/{queryID}", func(r chi.Router) {
		r.Post("/", s.configureQuery)
		r.Put("/", s.reconfigureQuery)
		r.Delete("/", s.deprovisionQuery)
		r.Get("/", s.getQueryStatus)
	})

	router.Route("/views/{viewID}", func(r chi.Router) {
		r.Post("/config", s.configureView)
		r.Put("/config", s.reconfigureView)
		r.Delete("/config", s.deprovisionView)
		r.Get("/config", s.getViewStatus)

		r.Get("/", s.readView)
		r.Get("/{key}", s.readViewKey)
	})

	return router
}

// Run blocks until ctx is cancelled, then shuts the listener down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("port", s.cfg.Port).Msg("http server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
