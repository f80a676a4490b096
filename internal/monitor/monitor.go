// Package monitor exposes scrape health over the standard gRPC health
// protocol. The overall service reflects store reachability; each employer
// has a "scrape.<employer>" service reflecting its last run.
package monitor

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix prefixes per-employer health service names.
const ServicePrefix = "scrape."

// Pinger is satisfied by store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server owns a gRPC server carrying only the health service.
type Server struct {
	health *health.Server
	grpc   *grpc.Server
	log    *zap.Logger
}

// New creates a health server. Every service starts NOT_SERVING until
// reported otherwise.
func New(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
		log:    log.Named("monitor"),
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// ServiceName returns the health service name for an employer.
func ServiceName(employer string) string {
	return ServicePrefix + strings.ToLower(strings.Join(strings.Fields(employer), "-"))
}

// ReportEmployer records the outcome of an employer run.
func (s *Server) ReportEmployer(name string, succeeded bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !succeeded {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName(name), status)
}

// SetReady sets the overall service status.
func (s *Server) SetReady(ready bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Health returns the underlying health server, e.g. for in-process checks.
func (s *Server) Health() healthpb.HealthServer {
	return s.health
}

// Serve listens on port and serves until Stop is called.
func (s *Server) Serve(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("monitor listen: %w", err)
	}
	s.log.Info("Health service listening", zap.String("address", lis.Addr().String()))
	return s.ServeListener(lis)
}

// ServeListener serves on an existing listener.
func (s *Server) ServeListener(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// WatchStore pings p every interval and mirrors the result into the overall
// status until ctx is done.
func (s *Server) WatchStore(ctx context.Context, p Pinger, interval time.Duration) {
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := p.Ping(pingCtx)
		if err != nil {
			s.log.Warn("Store ping failed", zap.Error(err))
		}
		s.SetReady(err == nil)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
