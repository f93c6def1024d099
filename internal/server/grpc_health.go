package server

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/tekscripts/bypassgate/internal/observability"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// grpcServiceName is reported alongside the overall ("") status.
const grpcServiceName = "bypassgate"

// grpcHealth serves grpc.health.v1 and mirrors the HTTP readiness state.
type grpcHealth struct {
	addr   string
	server *grpc.Server
	status *health.Server
	logger *slog.Logger
}

func newGRPCHealth(addr string, checker *observability.HealthChecker, logger *slog.Logger) *grpcHealth {
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	g := &grpcHealth{addr: addr, server: gs, status: hs, logger: logger}
	checker.OnReadyChange(g.setReady)
	return g
}

func (g *grpcHealth) setReady(ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	g.status.SetServingStatus("", st)
	g.status.SetServingStatus(grpcServiceName, st)
}

// Serve blocks until Stop.
func (g *grpcHealth) Serve() error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("grpc health listen: %w", err)
	}
	g.logger.Info("gRPC health server starting", "address", g.addr)
	if err := g.server.Serve(ln); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return nil
}

// Stop marks every service as not serving and stops the server.
func (g *grpcHealth) Stop() {
	g.status.Shutdown()
	g.server.GracefulStop()
}
