package grpcserver

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NarrationService is the health-checked service name.
const NarrationService = "museum.narration"

// statusSource reports whether narration can run.
type statusSource interface {
	NarrationEnabled() bool
}

// NewHealthServer returns a health server that reports NarrationService (and the
// overall server) as SERVING only when the chat credential is configured.
func NewHealthServer(src statusSource) *health.Server {
	hs := health.NewServer()
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if src.NarrationEnabled() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(NarrationService, status)
	return hs
}

// Register attaches the health service to srv.
func Register(srv *grpc.Server, hs *health.Server) {
	healthpb.RegisterHealthServer(srv, hs)
}
