package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeServerConfig holds the client listener configuration
type NodeServerConfig struct {
	Host string `yaml:"host"`
	// AdvertiseHost is the address other nodes and the coordinator use to
	// reach this node. Defaults to Host, or 127.0.0.1 when Host is a wildcard.
	AdvertiseHost   string        `yaml:"advertise_host"`
	Port            int           `yaml:"port"`
	MaxConnections  int           `yaml:"max_connections"`
	QueueSize       int           `yaml:"queue_size"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxFrameSize    int           `yaml:"max_frame_size"`
}

// NodeCoordinatorConfig holds coordinator client configuration
type NodeCoordinatorConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

// Addr returns host:port of the coordinator.
func (c NodeCoordinatorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds persistent store configuration
type StorageConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
	// MaxDiskUsage is a fraction in [0,1]; file writes are refused above it.
	MaxDiskUsage float64     `yaml:"max_disk_usage"`
	Redis        RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis backend configuration
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	Strategy string `yaml:"strategy"`
	Capacity int    `yaml:"capacity"`
}

// RateLimitConfig holds client request rate limiting; zero disables it
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// NodeConfig represents the complete configuration for a storage node
type NodeConfig struct {
	Server      NodeServerConfig      `yaml:"server"`
	Coordinator NodeCoordinatorConfig `yaml:"coordinator"`
	Storage     StorageConfig         `yaml:"storage"`
	Cache       CacheConfig           `yaml:"cache"`
	Gossip      GossipConfig          `yaml:"gossip"`
	Metrics     MetricsConfig         `yaml:"metrics"`
	Logging     LoggingConfig         `yaml:"logging"`
	RateLimit   RateLimitConfig       `yaml:"rate_limit"`
}

// LoadNodeConfig loads configuration from a file
func LoadNodeConfig(filePath string) (*NodeConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseNodeConfig(data)
}

// ParseNodeConfig parses YAML, applies defaults and validates.
func ParseNodeConfig(data []byte) (*NodeConfig, error) {
	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	SetNodeDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultNodeConfig returns a configuration with every default applied.
func DefaultNodeConfig() *NodeConfig {
	var cfg NodeConfig
	SetNodeDefaults(&cfg)
	return &cfg
}

// SetNodeDefaults sets default values for unspecified configuration
func SetNodeDefaults(cfg *NodeConfig) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.AdvertiseHost == "" {
		switch cfg.Server.Host {
		case "0.0.0.0", "::", "":
			cfg.Server.AdvertiseHost = "127.0.0.1"
		default:
			cfg.Server.AdvertiseHost = cfg.Server.Host
		}
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 256
	}
	if cfg.Server.QueueSize == 0 {
		cfg.Server.QueueSize = cfg.Server.MaxConnections
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 5 * time.Minute
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.MaxFrameSize == 0 {
		cfg.Server.MaxFrameSize = 128 * 1024
	}

	if cfg.Coordinator.Host == "" {
		cfg.Coordinator.Host = "127.0.0.1"
	}
	if cfg.Coordinator.Port == 0 {
		cfg.Coordinator.Port = 4000
	}
	if cfg.Coordinator.RetryInterval == 0 {
		cfg.Coordinator.RetryInterval = 2 * time.Second
	}
	if cfg.Coordinator.MaxRetries == 0 {
		cfg.Coordinator.MaxRetries = 10
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/ringdb"
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.95
	}
	if cfg.Storage.Redis.Host == "" {
		cfg.Storage.Redis.Host = "localhost"
	}
	if cfg.Storage.Redis.Port == 0 {
		cfg.Storage.Redis.Port = 6379
	}

	if cfg.Cache.Strategy == "" {
		cfg.Cache.Strategy = "lru"
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 1024
	}

	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.RequestsPerSecond)
		if cfg.RateLimit.Burst < 1 {
			cfg.RateLimit.Burst = 1
		}
	}

	defaultGossip(&cfg.Gossip)
	defaultMetrics(&cfg.Metrics, 9101)
	defaultLogging(&cfg.Logging)
}

// Validate validates the configuration
func (c *NodeConfig) Validate() error {
	// Port 0 asks the kernel for a free port
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	if c.Coordinator.Port < 1 || c.Coordinator.Port > 65535 {
		return fmt.Errorf("coordinator.port must be between 1 and 65535")
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	if c.Server.MaxFrameSize < 64 {
		return fmt.Errorf("server.max_frame_size must be at least 64 bytes")
	}
	if c.Storage.MaxDiskUsage < 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be between 0 and 1")
	}
	switch c.Storage.Backend {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf("storage.backend must be one of: memory, file, redis")
	}
	switch c.Cache.Strategy {
	case "none", "fifo", "lru":
	default:
		return fmt.Errorf("cache.strategy must be one of: none, fifo, lru")
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must not be negative")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative")
	}
	return nil
}
