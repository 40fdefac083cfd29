package agent

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anstrom/scanorama-agent/internal/errors"
	"github.com/anstrom/scanorama-agent/internal/logging"
	"github.com/anstrom/scanorama-agent/internal/metrics"
)

// Server timeout constants.
const (
	readTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
	idleTimeout  = 60 * time.Second
)

// StatusProvider reports the agent state.
type StatusProvider interface {
	Snapshot() Snapshot
}

// StatusServer exposes health, status and Prometheus metrics over HTTP.
type StatusServer struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	router     *mux.Router
	provider   StatusProvider
	metrics    *metrics.PrometheusMetrics
	logger     *logging.Logger
	startTime  time.Time
}

// NewStatusServer creates a status server listening on addr.
func NewStatusServer(addr string, provider StatusProvider, m *metrics.PrometheusMetrics, logger *logging.Logger) *StatusServer {
	s := &StatusServer{
		addr:      addr,
		router:    mux.NewRouter(),
		provider:  provider,
		metrics:   m,
		logger:    logger.WithComponent("status"),
		startTime: time.Now(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Handler:      handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(s.router),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

func (s *StatusServer) setupRoutes() {
	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{})).
		Methods(http.MethodGet)
}

// Handler returns the routed handler.
func (s *StatusServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listen address and serves in the background.
func (s *StatusServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrap(errors.CodeConfiguration, "failed to start status server", err).
			WithContext("listen_addr", s.addr)
	}
	s.listener = listener

	s.logger.Info("Starting status server", "address", listener.Addr().String())
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *StatusServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts the server down.
func (s *StatusServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping status server")
	return s.httpServer.Shutdown(ctx)
}

func (s *StatusServer) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *StatusServer) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
