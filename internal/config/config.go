package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds gRPC server configuration.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxConnections  int           `yaml:"max_connections"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PartitionConfig configures one hosted shard's durability monitor and
// failover log.
type PartitionConfig struct {
	ID               string `yaml:"id"`
	FailoverCapacity int    `yaml:"failover_capacity"`
	FailoverLogDir   string `yaml:"failover_log_dir"`
	InitialHighSeqno int64  `yaml:"initial_high_seqno"`
}

// PersistenceConfig configures the persisted-seqno tracker standing in
// for the storage layer's flusher thread.
type PersistenceConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// GossipConfig holds cluster membership gossip configuration.
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics server configuration.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// HealthConfig holds the liveness/readiness HTTP server configuration.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WorkerPoolConfig sizes the shared async-persistence worker pool.
type WorkerPoolConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// ReplicaNodeConfig is the complete configuration for a replicanode
// process hosting one or more partitions.
type ReplicaNodeConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Partitions  []PartitionConfig `yaml:"partitions"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Health      HealthConfig      `yaml:"health"`
	WorkerPool  WorkerPoolConfig  `yaml:"worker_pool"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(filePath string) (*ReplicaNodeConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ReplicaNodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *ReplicaNodeConfig) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50052
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	for i := range cfg.Partitions {
		if cfg.Partitions[i].FailoverCapacity == 0 {
			cfg.Partitions[i].FailoverCapacity = 25
		}
	}

	if cfg.Persistence.PollInterval == 0 {
		cfg.Persistence.PollInterval = 5 * time.Second
	}

	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	if cfg.Health.Addr == "" {
		cfg.Health.Addr = ":9091"
	}

	if cfg.WorkerPool.MaxWorkers == 0 {
		cfg.WorkerPool.MaxWorkers = 4
	}
	if cfg.WorkerPool.QueueSize == 0 {
		cfg.WorkerPool.QueueSize = 64
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *ReplicaNodeConfig) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if len(c.Partitions) == 0 {
		return fmt.Errorf("at least one partition must be configured")
	}
	seen := make(map[string]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		if p.ID == "" {
			return fmt.Errorf("partitions[].id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate partition id %q", p.ID)
		}
		seen[p.ID] = true
		if p.FailoverCapacity < 1 {
			return fmt.Errorf("partition %q: failover_capacity must be at least 1", p.ID)
		}
	}
	return nil
}
