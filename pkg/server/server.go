// Package server exposes the loader's health and last-run status over
// HTTP when running in interval mode.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lessonlab/warehouse/pkg/loader"
)

// Status holds the most recent run outcome for the status endpoint.
type Status struct {
	mu   sync.RWMutex
	last *loader.RunStats
}

func NewStatus() *Status { return &Status{} }

func (s *Status) Record(stats *loader.RunStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = stats
}

func (s *Status) Last() *loader.RunStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

type Config struct {
	Logger *slog.Logger
	Addr   string
	Status *Status
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Addr == "" {
		return errors.New("listen address is required")
	}
	if cfg.Status == nil {
		return errors.New("status holder is required")
	}
	return nil
}

type Server struct {
	log  *slog.Logger
	cfg  Config
	http *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		last := cfg.Status.Last()
		if last == nil {
			http.Error(w, "no runs completed yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(last); err != nil {
			cfg.Logger.Error("failed to encode status", "error", err)
		}
	})

	return &Server{
		log: cfg.Logger,
		cfg: cfg,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) ListenAndServe() error {
	s.log.Info("status server listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
