package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mafkit/maf/bus"
	"github.com/mafkit/maf/store"
)

// Server exposes /metrics and /healthz on a dedicated listener.
type Server struct {
	addr       string
	bus        bus.EventBus
	store      *store.Store
	thresholds HealthThresholds
	logger     *slog.Logger

	mu       sync.Mutex
	running  bool
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer builds a metrics server. addr is a listen address such as
// ":9090".
func NewServer(addr string, b bus.EventBus, st *store.Store, thresholds HealthThresholds, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:       addr,
		bus:        b,
		store:      st,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Start binds the listener and serves in the background. Bind failures
// are returned synchronously.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("metrics: server already running")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewCollector(s.bus, s.store),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics: listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()

	s.logger.Info("metrics server started", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the HTTP server down, waiting up to timeout for in-flight
// requests.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// Addr returns the bound listen address, useful when addr was ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// healthResponse is the /healthz document.
type healthResponse struct {
	Healthy bool               `json:"healthy"`
	Bus     *bus.Statistics    `json:"bus,omitempty"`
	Store   *store.HealthReport `json:"store,omitempty"`
}

// handleHealthz reports bus statistics and the store health report.
// Unhealthy state answers 503 so load balancers can act on it.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Healthy: true}

	if s.bus != nil {
		stats := s.bus.Statistics()
		resp.Bus = &stats
		if !stats.Running {
			resp.Healthy = false
		}
	}
	if s.store != nil {
		report := s.store.HealthCheck(s.thresholds.StallAfter, s.thresholds.LongRunningAfter)
		resp.Store = &report
		if !report.Healthy {
			resp.Healthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("write healthz response failed", "error", err)
	}
}
