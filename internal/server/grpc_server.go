package server

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServerConfig holds configuration for the standing gRPC server.
type GRPCServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
}

// PartitionHealthView is the subset of a partition the gRPC server's
// health reporting needs.
type PartitionHealthView interface {
	ID() string
	IsDead() bool
}

// PartitionHealthLister supplies the partitions to report health for.
type PartitionHealthLister interface {
	All() []PartitionHealthView
}

// PartitionHealthListerFunc adapts a plain func() []PartitionHealthView
// into a PartitionHealthLister.
type PartitionHealthListerFunc func() []PartitionHealthView

// All implements PartitionHealthLister.
func (f PartitionHealthListerFunc) All() []PartitionHealthView { return f() }

// GRPCServer is a standing grpc.Server exposing the standard gRPC health
// checking protocol, one service name per hosted partition. There is no
// application-level service registered on it; the replication wire codec
// that would normally ride alongside health checking is an out-of-scope
// external collaborator.
type GRPCServer struct {
	server     *grpc.Server
	healthSrv  *health.Server
	listenAddr string
	logger     *zap.Logger
	stopChan   chan struct{}
}

// NewGRPCServer constructs a GRPCServer with the standard health service
// and reflection registered.
func NewGRPCServer(cfg *GRPCServerConfig, logger *zap.Logger) *GRPCServer {
	s := grpc.NewServer(
		grpc.MaxConcurrentStreams(uint32(cfg.MaxConnections)),
	)

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(s, healthSrv)
	reflection.Register(s)

	return &GRPCServer{
		server:     s,
		healthSrv:  healthSrv,
		listenAddr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
}

// Start listens and serves in the background.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("grpc server: failed to listen: %w", err)
	}

	s.logger.Info("starting grpc health server", zap.String("addr", s.listenAddr))
	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("grpc server stopped serving", zap.Error(err))
		}
	}()
	return nil
}

// RunHealthReporter periodically syncs each hosted partition's serving
// status into the gRPC health service, keyed by partition id, until
// stopped. A dead partition reports NOT_SERVING so a load balancer or
// orchestrator stops routing new replication streams to it.
func (s *GRPCServer) RunHealthReporter(lister PartitionHealthLister, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.syncHealth(lister)
	for {
		select {
		case <-ticker.C:
			s.syncHealth(lister)
		case <-s.stopChan:
			return
		}
	}
}

func (s *GRPCServer) syncHealth(lister PartitionHealthLister) {
	for _, p := range lister.All() {
		status := healthpb.HealthCheckResponse_SERVING
		if p.IsDead() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.healthSrv.SetServingStatus(p.ID(), status)
	}
}

// Stop gracefully stops the gRPC server and the health reporter loop.
func (s *GRPCServer) Stop() {
	close(s.stopChan)
	s.healthSrv.Shutdown()
	s.server.GracefulStop()
}
