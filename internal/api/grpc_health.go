package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/logging"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthService is the gRPC health service name that follows connectivity.
const HealthService = "fieldsync.Sync"

// ConnectivitySource reports and announces online state.
type ConnectivitySource interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// GRPCServer serves the standard gRPC health protocol. HealthService is
// SERVING while the device is online.
type GRPCServer struct {
	server      *grpc.Server
	health      *health.Server
	listener    net.Listener
	unsubscribe func()
	log         zerolog.Logger
}

func NewGRPCServer(cfg config.APIConfig, conn ConnectivitySource, logger *zerolog.Logger) (*GRPCServer, error) {
	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}

	auth := NewAuthInterceptor(cfg)
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(LoggingUnaryInterceptor(logger), auth.Unary()),
		grpc.ChainStreamInterceptor(auth.Stream()),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	serverLogger := logging.Component(logger, "grpc")

	s := &GRPCServer{
		server:   grpcServer,
		health:   hs,
		listener: lis,
		log:      serverLogger,
	}

	online := true
	if conn != nil {
		online = conn.Online()
		s.unsubscribe = conn.Subscribe(s.setServing)
	}
	s.setServing(online)
	return s, nil
}

func (s *GRPCServer) setServing(online bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if online {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, st)
	s.log.Debug().Str("service", HealthService).Str("status", st.String()).Msg("Health status updated")
}

func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *GRPCServer) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Msg("gRPC API listening")
	return s.server.Serve(s.listener)
}

func (s *GRPCServer) Shutdown(ctx context.Context) {
	if s.server == nil {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
	case <-time.After(10 * time.Second):
		s.log.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
	}
}
