// Package grpcserver exposes the standard gRPC health service for the two
// pipeline stages.
package grpcserver

import (
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/chemalyze/internal/logging"
	"github.com/example/chemalyze/internal/preflight"
)

// Service names reported by the health server.
const (
	ServiceRecognition = "chemalyze.Recognition"
	ServiceAnalysis    = "chemalyze.Analysis"
)

// HealthServer serves grpc.health.v1 backed by preflight checks.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	checks func() []preflight.Status
	logger *zap.Logger
}

// NewHealthServer builds a gRPC server whose health status is derived from
// checks. The overall ("") service is SERVING only when every check passes.
func NewHealthServer(checks func() []preflight.Status, logger *zap.Logger) *HealthServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &HealthServer{
		server: srv,
		health: hs,
		checks: checks,
		logger: logger.Named("grpc_health"),
	}
	s.Refresh()
	return s
}

// Refresh re-runs the checks and updates the published statuses.
func (s *HealthServer) Refresh() {
	statuses := s.checks()
	for _, status := range statuses {
		service := serviceName(status.Name)
		if service == "" {
			continue
		}
		s.health.SetServingStatus(service, servingStatus(status.Available))
	}
	s.health.SetServingStatus("", servingStatus(preflight.AllAvailable(statuses)))
}

// Serve accepts connections on listener until Stop is called.
func (s *HealthServer) Serve(listener net.Listener) error {
	s.logger.Info("gRPC health listening", zap.String("addr", listener.Addr().String()))
	if err := s.server.Serve(listener); err != nil {
		return logging.NewOperationError("grpcserver.serve", "", err)
	}
	return nil
}

// Drain marks every service NOT_SERVING for good while the server keeps
// answering, so health checks see the instance leave before HTTP stops.
func (s *HealthServer) Drain() {
	s.health.Shutdown()
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

func serviceName(stage string) string {
	switch stage {
	case "recognition":
		return ServiceRecognition
	case "analysis":
		return ServiceAnalysis
	default:
		return ""
	}
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
