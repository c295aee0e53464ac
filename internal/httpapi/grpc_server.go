package httpapi

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"famsave.org/internal/obs"
)

// GRPCServer exposes grpc.health.v1.Health with a status driven by the
// readiness probe.
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness readinessChecker
}

// NewGRPCServer creates the gRPC server and registers the health service as
// NOT_SERVING until the first successful probe.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	s := &GRPCServer{
		server: grpc.NewServer(
			grpc.ChainUnaryInterceptor(unaryRecovery, unaryLogging),
		),
		health:    health.NewServer(),
		readiness: r,
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

// Probe runs the readiness check once and publishes the result.
func (s *GRPCServer) Probe(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		obs.Logger().Warn("readiness check failed", zap.Error(err))
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(st == healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

// WatchReadiness probes every interval until ctx is done.
func (s *GRPCServer) WatchReadiness(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		s.Probe(probeCtx)
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Serve blocks serving on lis.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Stop marks the service NOT_SERVING and drains in-flight calls.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

func unaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("grpc_method", info.FullMethod),
		zap.String("grpc_code", status.Code(err).String()),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		obs.Logger().Warn("grpc request failed", append(fields, zap.Error(err))...)
	} else {
		obs.Logger().Debug("grpc request completed", fields...)
	}
	return resp, err
}

func unaryRecovery(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			obs.Logger().Error("panic recovered in grpc handler",
				zap.String("grpc_method", info.FullMethod),
				zap.Any("panic", r),
				zap.Stack("stacktrace"),
			)
			err = status.Error(codes.Internal, "internal server error")
		}
	}()
	return handler(ctx, req)
}
