package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"kadra.org/internal/obs"
)

const grpcServiceName = "kadra.v1.Api"

// NewGRPCServer exposes the standard gRPC health service so load balancers
// and sidecars can probe readiness over gRPC. It polls the same readiness
// check the HTTP /readyz endpoint uses until ctx is done.
func NewGRPCServer(ctx context.Context, ready ReadyProbe) *grpc.Server {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	setStatus := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if err := ready.Check(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			obs.SetReady(false)
		} else {
			obs.SetReady(true)
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(grpcServiceName, status)
	}
	setStatus()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-ticker.C:
				setStatus()
			}
		}
	}()
	return srv
}
