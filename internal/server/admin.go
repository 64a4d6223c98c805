// Package server hosts the admin surface shared by nodes and the
// coordinator: Prometheus metrics, HTTP health probes, the gRPC health
// service and any process specific routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ReadinessFunc returns nil when the process can take traffic.
type ReadinessFunc func(ctx context.Context) error

// AdminConfig holds configuration for the admin server
type AdminConfig struct {
	Addr        string
	MetricsPath string
	// GRPCHealthAddr enables grpc.health.v1 when non-empty.
	GRPCHealthAddr string
	// Service is the name reported by the gRPC health service.
	Service string
}

// AdminServer serves metrics and health over HTTP, and optionally gRPC health.
type AdminServer struct {
	cfg        AdminConfig
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger

	mu        sync.RWMutex
	readiness ReadinessFunc
	listener  net.Listener

	grpcServer   *grpc.Server
	grpcListener net.Listener
	healthSrv    *health.Server
}

// NewAdminServer creates a new admin server. Routes can be added through
// Router until Start is called.
func NewAdminServer(cfg AdminConfig, gatherer prometheus.Gatherer, logger *zap.Logger) *AdminServer {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	router := mux.NewRouter()
	s := &AdminServer{
		cfg:    cfg,
		router: router,
		httpServer: &http.Server{
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger:    logger,
		healthSrv: health.NewServer(),
	}

	router.Use(s.observe)
	router.Handle(cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health/live", s.livenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", s.readinessHandler).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusNotFound, map[string]string{"status": "error", "message": "endpoint not found"})
	})

	return s
}

// Router exposes the router for process specific routes.
func (s *AdminServer) Router() *mux.Router {
	return s.router
}

// SetReadiness installs the probe behind /health/ready.
func (s *AdminServer) SetReadiness(fn ReadinessFunc) {
	s.mu.Lock()
	s.readiness = fn
	s.mu.Unlock()
}

// SetServing flips the gRPC health status of the configured service.
func (s *AdminServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus(s.cfg.Service, status)
	s.healthSrv.SetServingStatus("", status)
}

// Start binds the listeners and serves in the background.
func (s *AdminServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Starting admin server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	if s.cfg.GRPCHealthAddr != "" {
		gln, err := net.Listen("tcp", s.cfg.GRPCHealthAddr)
		if err != nil {
			_ = s.httpServer.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCHealthAddr, err)
		}
		s.grpcListener = gln
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.healthSrv)
		s.logger.Info("Starting gRPC health server", zap.String("addr", gln.Addr().String()))
		go func() {
			if err := s.grpcServer.Serve(gln); err != nil {
				s.logger.Error("gRPC health server failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// Addr returns the bound HTTP address, useful when started on port 0.
func (s *AdminServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// GRPCAddr returns the bound gRPC health address, or "" when disabled.
func (s *AdminServer) GRPCAddr() string {
	if s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Shutdown gracefully stops both servers.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	s.healthSrv.Shutdown()
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func (s *AdminServer) livenessHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *AdminServer) readinessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.readiness
	s.mu.RUnlock()

	if fn != nil {
		if err := fn(r.Context()); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"reason": err.Error(),
			})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
