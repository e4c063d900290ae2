// Package server exposes a read-only HTTP status API over the progress
// ledger. It never touches the candle store.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/iceberg-data/remediation/internal/domain"
	"github.com/iceberg-data/remediation/internal/ledger"
)

// Config holds server configuration
type Config struct {
	Port   int
	Log    zerolog.Logger
	Ledger *ledger.Ledger
}

// Server is the status HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	ledger *ledger.Ledger
}

// New creates the status server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		ledger: cfg.Ledger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", s.handleRunSummary)
			r.Get("/failed", s.handleRunFailed)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting status server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down status server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunSummary(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	counts, err := s.ledger.Summary(r.Context(), runID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if len(counts) == 0 {
		s.respond(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	s.respond(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"total":  total,
		"counts": counts,
	})
}

func (s *Server) handleRunFailed(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	items, err := s.ledger.FailedItems(r.Context(), runID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		entry := map[string]any{
			"symbol":     item.Symbol,
			"trade_date": item.TradeDate.Format(domain.DateFormat),
			"mode":       item.Mode,
			"error":      item.ErrorMessage,
		}
		if item.Strike != nil {
			entry["strike"] = item.Strike.String()
		}
		if item.OptionType != nil {
			entry["option_type"] = *item.OptionType
		}
		if item.Chain {
			entry["scope"] = "option_chain"
		}
		out = append(out, entry)
	}
	s.respond(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"failed": out,
	})
}

func (s *Server) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("encoding response failed")
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("request failed")
	s.respond(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
