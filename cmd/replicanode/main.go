package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/replicamon/internal/cluster"
	"github.com/devrev/pairdb/replicamon/internal/config"
	"github.com/devrev/pairdb/replicamon/internal/health"
	"github.com/devrev/pairdb/replicamon/internal/metrics"
	"github.com/devrev/pairdb/replicamon/internal/partition"
	"github.com/devrev/pairdb/replicamon/internal/persistence"
	"github.com/devrev/pairdb/replicamon/internal/replication"
	"github.com/devrev/pairdb/replicamon/internal/server"
	"github.com/devrev/pairdb/replicamon/internal/util/workerpool"
)

func main() {
	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("partitions", len(cfg.Partitions)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := replication.NewRegistry()
	handler := replication.NewHandler(registry, logger)

	tracker := persistence.New(handler, cfg.Persistence.PollInterval, logger)

	persistPool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "failover-persist",
		MaxWorkers: cfg.WorkerPool.MaxWorkers,
		QueueSize:  cfg.WorkerPool.QueueSize,
		Logger:     logger,
	})
	defer persistPool.Stop(10 * time.Second)

	m := metrics.NewMetrics(cfg.Server.NodeID)

	var membership *cluster.Membership
	if cfg.Gossip.Enabled {
		membership, err = cluster.New(cluster.Config{
			Enabled:        cfg.Gossip.Enabled,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, cfg.Server.NodeID, logger)
		if err != nil {
			logger.Error("failed to initialize cluster membership", zap.Error(err))
		} else {
			defer membership.Shutdown()
			logger.Info("cluster membership initialized")
		}
	}

	for _, pc := range cfg.Partitions {
		var logPath string
		if pc.FailoverLogDir != "" {
			logPath = filepath.Join(pc.FailoverLogDir, pc.ID+".failover.json")
		}

		p, err := partition.New(partition.Config{
			ID:                 pc.ID,
			FailoverCapacity:   pc.FailoverCapacity,
			FailoverLogPath:    logPath,
			InitialHighSeqno:   pc.InitialHighSeqno,
			PersistedSeqnoFunc: tracker.PersistedSeqnoFunc(pc.ID),
		}, logger)
		if err != nil {
			logger.Fatal("failed to initialize partition", zap.String("partition", pc.ID), zap.Error(err))
		}
		p.Failover().SetPersistPool(persistPool)
		registry.Add(p)

		if membership != nil {
			membership.UpdatePartitionState(pc.ID, cluster.RoleReplica, p.Monitor().GetHighPreparedSeqno())
		}

		logger.Info("partition hosted", zap.String("partition", pc.ID))
	}

	go tracker.Run(ctx, func() []string {
		ids := make([]string, 0, len(registry.All()))
		for _, p := range registry.All() {
			ids = append(ids, p.ID())
		}
		return ids
	})

	go reportMetricsLoop(ctx, registry, membership, m)

	healthLister := health.PartitionSource(func() []health.PartitionView {
		parts := registry.All()
		views := make([]health.PartitionView, 0, len(parts))
		for _, p := range parts {
			views = append(views, p)
		}
		return views
	})
	healthChecker := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: cfg.Server.NodeID}, healthLister, logger)
	go healthChecker.Start(ctx)

	if cfg.Health.Enabled {
		go func() {
			if err := healthChecker.StartHealthServer(cfg.Health.Addr); err != nil {
				logger.Error("health server failed", zap.Error(err))
			}
		}()
	}

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{Port: cfg.Metrics.Port}, m, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Error("failed to start metrics server", zap.Error(err))
		}
	}

	grpcServer := server.NewGRPCServer(&server.GRPCServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MaxConnections: cfg.Server.MaxConnections,
	}, logger)
	if err := grpcServer.Start(); err != nil {
		logger.Fatal("failed to start grpc server", zap.Error(err))
	}
	grpcHealthLister := server.PartitionHealthListerFunc(func() []server.PartitionHealthView {
		parts := registry.All()
		views := make([]server.PartitionHealthView, 0, len(parts))
		for _, p := range parts {
			views = append(views, p)
		}
		return views
	})
	go grpcServer.RunHealthReporter(grpcHealthLister, 5*time.Second)

	logger.Info("replicanode started", zap.String("node_id", cfg.Server.NodeID))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully...")
	healthChecker.SetReadiness(false)
	cancel()
	grpcServer.Stop()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("failed to stop metrics server", zap.Error(err))
		}
	}
}

// reportMetricsLoop periodically pushes every hosted partition's
// durability/failover stats into the metrics registry.
func reportMetricsLoop(ctx context.Context, registry *replication.Registry, membership *cluster.Membership, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	// A dead partition rejects every later call, so it raised exactly one
	// ProgrammerError: count it once, not once per tick.
	recordedDead := make(map[string]bool)

	for {
		select {
		case <-ticker.C:
			for _, p := range registry.All() {
				m.ObserveMonitorStats(p.ID(), p.Monitor().GetHighPreparedSeqno(), p.Monitor().GetHighCompletedSeqno(), p.Monitor().GetNumTracked())
				m.ObserveFailoverStats(p.ID(), p.Failover().GetNumEntries(), p.Failover().GetNumErroneousEntriesErased())
				if p.IsDead() && !recordedDead[p.ID()] {
					recordedDead[p.ID()] = true
					m.RecordProgrammerError(p.ID())
				}
			}
			if membership != nil {
				n := membership.NumMembers()
				m.UpdateGossipStats(n, n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func initLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}
