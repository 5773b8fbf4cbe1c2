// ABOUTME: gRPC health service reporting whether this relay instance is consuming from the broker.
// ABOUTME: Load balancers and `support-relay health` check it alongside the HTTP endpoints.

package gateway

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthService is the service name reported next to the overall "" status.
const HealthService = "support.relay.Relay"

// createHealthServer builds the gRPC server carrying only the health service,
// NOT_SERVING until the broker bridge starts.
func createHealthServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return server, hs
}

func (g *Gateway) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(HealthService, status)
}

// watchReadiness keeps the health status in step with the broker connection
// until shutdown.
func (g *Gateway) watchReadiness() {
	ticker := time.NewTicker(g.readinessInterval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-g.connCtx.Done():
			return
		case <-ticker.C:
			ready := g.bridge.Ready()
			if ready == serving {
				continue
			}
			serving = ready
			g.setServing(ready)
			if ready {
				g.logger.Info("broker connection restored, serving")
			} else {
				g.logger.Warn("broker not ready, reporting NOT_SERVING")
			}
		}
	}
}
