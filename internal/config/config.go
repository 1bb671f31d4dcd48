package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Audit       AuditConfig       `yaml:"audit"`
	Events      EventConfig       `yaml:"events"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Replication ReplicationConfig `yaml:"replication"`
	WarmPool    WarmPoolConfig    `yaml:"warm_pool"`
	Standby     StandbyConfig     `yaml:"standby"`
	Failover    FailoverConfig    `yaml:"failover"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory" or "badger"
	Path    string `yaml:"path"`
}

type ObjectStoreConfig struct {
	Mode      string `yaml:"mode"` // "local" or "s3"
	LocalPath string `yaml:"local_path"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type EventConfig struct {
	BufferSize int    `yaml:"buffer_size"`
	NATSURL    string `yaml:"nats_url"`
	Subject    string `yaml:"subject"`
}

type MonitorConfig struct {
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	IdleThresholdPct  float64       `yaml:"idle_threshold_pct"`
	IdleDuration      time.Duration `yaml:"idle_duration"`
	LivenessThreshold int           `yaml:"liveness_threshold"`
}

type SnapshotConfig struct {
	ChunkCount    int           `yaml:"chunk_count"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	ChunkTimeout  time.Duration `yaml:"chunk_timeout"`
	ZstdLevel     int           `yaml:"zstd_level"`
	RetentionAge  time.Duration `yaml:"retention_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ReplicationConfig struct {
	Interval       time.Duration `yaml:"interval"`
	BandwidthBytes int           `yaml:"bandwidth_bytes"` // per second, 0 = unlimited
	RoundTimeout   time.Duration `yaml:"round_timeout"`
}

type WarmPoolConfig struct {
	ActivationTimeout time.Duration `yaml:"activation_timeout"`
	MinResourceClass  string        `yaml:"min_resource_class"`
	Replenish         bool          `yaml:"replenish"`
}

type StandbyConfig struct {
	FallbackLocation string        `yaml:"fallback_location"`
	FallbackProvider string        `yaml:"fallback_provider"`
	MaxStaleness     time.Duration `yaml:"max_staleness"`
}

type FailoverConfig struct {
	HibernationGrace time.Duration `yaml:"hibernation_grace"`
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
	StrategyOrder    []string      `yaml:"strategy_order"`
}

// Default returns the configuration used when no file is supplied.
// Thresholds here are tunable defaults, not contracts.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			MetricsPort: 9090,
			LogLevel:    "info",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		ObjectStore: ObjectStoreConfig{
			Mode:      "local",
			LocalPath: "/var/lib/bastion/chunks",
			Bucket:    "bastion-snapshots",
		},
		Events: EventConfig{
			BufferSize: 10000,
			Subject:    "bastion.events",
		},
		Monitor: MonitorConfig{
			ProbeInterval:     30 * time.Second,
			IdleThresholdPct:  5.0,
			IdleDuration:      3 * time.Minute,
			LivenessThreshold: 3,
		},
		Snapshot: SnapshotConfig{
			ChunkCount:    32,
			RetryAttempts: 5,
			RetryDelay:    200 * time.Millisecond,
			ChunkTimeout:  2 * time.Minute,
			ZstdLevel:     3,
			RetentionAge:  7 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Replication: ReplicationConfig{
			Interval:     30 * time.Second,
			RoundTimeout: 5 * time.Minute,
		},
		WarmPool: WarmPoolConfig{
			ActivationTimeout: 90 * time.Second,
			Replenish:         true,
		},
		Standby: StandbyConfig{
			MaxStaleness: 60 * time.Second,
		},
		Failover: FailoverConfig{
			HibernationGrace: 10 * time.Minute,
			ProvisionTimeout: 5 * time.Minute,
			StrategyOrder:    []string{"warmpool", "standby", "snapshot"},
		},
	}
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work
func (c *Config) Validate() error {
	if c.Snapshot.ChunkCount <= 0 {
		return fmt.Errorf("snapshot chunk_count must be positive, got %d", c.Snapshot.ChunkCount)
	}
	if c.Snapshot.RetryAttempts <= 0 {
		return fmt.Errorf("snapshot retry_attempts must be positive, got %d", c.Snapshot.RetryAttempts)
	}
	if c.Monitor.LivenessThreshold <= 0 {
		return fmt.Errorf("monitor liveness_threshold must be positive, got %d", c.Monitor.LivenessThreshold)
	}
	if c.Monitor.IdleThresholdPct < 0 || c.Monitor.IdleThresholdPct > 100 {
		return fmt.Errorf("monitor idle_threshold_pct must be 0-100, got %v", c.Monitor.IdleThresholdPct)
	}
	if c.Replication.Interval <= 0 {
		return fmt.Errorf("replication interval must be positive, got %v", c.Replication.Interval)
	}
	switch c.ObjectStore.Mode {
	case "local", "s3":
	default:
		return fmt.Errorf("object_store mode must be local or s3, got %q", c.ObjectStore.Mode)
	}
	return nil
}
