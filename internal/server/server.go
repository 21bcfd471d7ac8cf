// Package server exposes the export queue to operators: a read-only admin
// HTTP API (with /metrics) and a gRPC health service that follows the
// controller's readiness.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var log = slog.Default()

// ServiceName is the gRPC health service name.
const ServiceName = "exportq"

// Options configures the listeners. An empty address disables that listener.
type Options struct {
	HTTPAddr       string
	GRPCAddr       string
	Gatherer       prometheus.Gatherer // nil uses the default registry
	Version        string
	HealthInterval time.Duration // how often readiness is copied to the health service
}

// Server runs the admin HTTP and gRPC health listeners.
type Server struct {
	backend Backend
	opts    Options

	httpSrv *http.Server
	grpcSrv *grpc.Server
	health  *health.Server

	mu       sync.Mutex
	httpAddr net.Addr
	grpcAddr net.Addr
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Server for backend.
func New(backend Backend, opts Options) *Server {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = time.Second
	}
	return &Server{
		backend: backend,
		opts:    opts,
		health:  health.NewServer(),
		stopCh:  make(chan struct{}),
	}
}

// Start opens the configured listeners and serves in the background.
func (s *Server) Start() error {
	if s.opts.HTTPAddr != "" {
		lis, err := net.Listen("tcp", s.opts.HTTPAddr)
		if err != nil {
			return err
		}
		s.httpSrv = &http.Server{
			Handler:           s.NewRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.mu.Lock()
		s.httpAddr = lis.Addr()
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Info("admin HTTP server listening", "addr", lis.Addr().String())
			if err := s.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin HTTP server error", "error", err)
			}
		}()
	}

	if s.opts.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			if s.httpSrv != nil {
				s.httpSrv.Close()
			}
			return err
		}
		s.grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcSrv, s.health)
		reflection.Register(s.grpcSrv)
		s.mu.Lock()
		s.grpcAddr = lis.Addr()
		s.mu.Unlock()

		s.syncHealth()
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			log.Info("gRPC health server listening", "addr", lis.Addr().String())
			if err := s.grpcSrv.Serve(lis); err != nil {
				log.Error("gRPC server error", "error", err)
			}
		}()
		go s.healthLoop()
	}
	return nil
}

// healthLoop copies controller readiness into the health service.
func (s *Server) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.syncHealth()
		}
	}
}

func (s *Server) syncHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.backend.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// HTTPAddr returns the bound admin address, or nil before Start.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address, or nil before Start.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

// Shutdown stops both listeners. In-flight HTTP requests get until ctx is
// done to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return nil
	default:
		close(s.stopCh)
	}

	var err error
	if s.grpcSrv != nil {
		s.health.Shutdown()
		s.grpcSrv.GracefulStop()
	}
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.wg.Wait()
	log.Info("servers stopped")
	return err
}
