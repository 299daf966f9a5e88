package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/deckctl/internal/models"
	"github.com/desertthunder/deckctl/internal/observability"
	"github.com/desertthunder/deckctl/internal/shared"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Middleware wraps an http.Handler and returns a new http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Source is what the server reports on.
type Source interface {
	Snapshot() models.AggregatedState
	CurrentTaskID() string
	StreamConnected() bool
}

// Server serves status and metrics for one controller.
type Server struct {
	source      Source
	metrics     *observability.Metrics
	logger      *log.Logger
	middlewares []Middleware
	http        *http.Server
}

// New creates a server. metrics may be nil, in which case /metrics answers 404.
func New(source Source, metrics *observability.Metrics, logger *log.Logger, middlewares ...Middleware) *Server {
	if logger == nil {
		logger = shared.DiscardLogger()
	}
	return &Server{
		source:      source,
		metrics:     metrics,
		logger:      shared.WithLogger(logger, "component", "server"),
		middlewares: middlewares,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	for _, mw := range s.middlewares {
		r.Use(mw)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if reg := s.metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return r
}

// Start listens on addr and serves in the background. It returns the bound address, which
// differs from addr when addr asks for port 0.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.http = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", "err", err)
		}
	}()

	s.logger.Info("status server listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Shutdown stops a started server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"task_id":          s.source.CurrentTaskID(),
		"stream_connected": s.source.StreamConnected(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	taskID := s.source.CurrentTaskID()
	if taskID == "" {
		respondJSON(w, http.StatusNotFound, map[string]any{"detail": shared.ErrNoCurrentTask.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"state":   s.source.Snapshot(),
	})
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
