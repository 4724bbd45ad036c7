package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/example/emotune/internal/logging"
)

// ServiceName is the health-check service reflecting classifier readiness.
const ServiceName = "emotune.Classifier"

// Server exposes the standard grpc health protocol for orchestrators.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	ready  func() bool
	logger *zap.Logger
}

// New builds a health server. ready is consulted on every Refresh.
func New(ready func() bool, logger *zap.Logger) *Server {
	named := logger.Named("grpc")
	srv := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(named)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	s := &Server{grpc: srv, health: hs, ready: ready, logger: named}
	s.Refresh()
	return s
}

// Refresh publishes the current classifier status.
func (s *Server) Refresh() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.ready() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop drains in-flight calls, forcing a stop when ctx expires first.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("grpc graceful stop timed out, forcing")
		s.grpc.Stop()
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("code", status.Code(err).String()),
			zap.Duration("cost", time.Since(start)),
		}
		if err != nil {
			logging.WithOperation(logger, info.FullMethod, "").Warn("rpc failed", append(fields, zap.Error(err))...)
			return resp, err
		}
		logging.WithOperation(logger, info.FullMethod, "").Debug("rpc", fields...)
		return resp, nil
	}
}
