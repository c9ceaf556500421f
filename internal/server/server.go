// Package server exposes the read-only operational HTTP surface (§2 item
// 15): a liveness probe and the last completed cycle's summary. It carries
// no mutation endpoints — the cycle driver is the only writer of state, and
// nothing here can influence a reconciliation cycle.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/lumenquant/confluence/internal/domain"
)

// SummaryProvider is satisfied by *cycle.Driver; kept as an interface here
// to avoid a dependency from server on the cycle package's internals.
type SummaryProvider interface {
	LastSummary() (domain.CycleSummary, bool)
}

// Server is the status HTTP server.
type Server struct {
	router   *chi.Mux
	http     *http.Server
	log      zerolog.Logger
	provider SummaryProvider
}

// Config configures a Server.
type Config struct {
	Addr     string
	Provider SummaryProvider
	DevMode  bool
	Log      zerolog.Logger
}

// New builds a Server bound to cfg.Addr. Call Start to begin serving.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "status-server").Logger(),
		provider: cfg.Provider,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(10 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Accept"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/status", s.handleStatus)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in the background. Call Shutdown to stop.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("status server stopped unexpectedly")
		}
	}()
	s.log.Info().Str("addr", s.http.Addr).Msg("status server listening")
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.provider.LastSummary()
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "no cycle completed yet"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}
