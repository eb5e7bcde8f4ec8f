package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	agentd "github.com/tinkerbay/agentd"
	"github.com/tinkerbay/agentd/pkg/config"
	"github.com/tinkerbay/agentd/pkg/llms"
	"github.com/tinkerbay/agentd/pkg/observability"
)

// Server is the HTTP front: the websocket session endpoint plus health and
// metrics.
type Server struct {
	cfg      *config.Config
	provider llms.Provider
	manager  *Manager
	http     *http.Server
}

func New(cfg *config.Config) (*Server, error) {
	provider, err := llms.New(&cfg.LLM)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observability.SetGlobalMetrics(observability.NewPromMetrics(registry))

	s := &Server{
		cfg:      cfg,
		provider: provider,
		manager:  NewManager(cfg, provider),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/ws", s.handleWS)
	router.Get("/healthz", s.handleHealthz)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	slog.Info("Server listening", "addr", s.http.Addr, "model", s.provider.ModelName())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains HTTP, closes every live session and releases the provider.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Server shutting down")
	err := s.http.Shutdown(ctx)
	s.manager.CloseAll()
	if cerr := s.provider.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":%q,"sessions":%d}`, agentd.Version, s.manager.Count())
}
