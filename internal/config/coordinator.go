package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// CoordinatorConfig represents the coordinator service configuration
type CoordinatorConfig struct {
	Server           CoordinatorServerConfig `mapstructure:"server"`
	Ring             RingConfig              `mapstructure:"ring"`
	FailureDetection FailureDetectionConfig  `mapstructure:"failure_detection"`
	Rebalance        RebalanceConfig         `mapstructure:"rebalance"`
	Database         DatabaseConfig          `mapstructure:"database"`
	Gossip           GossipConfig            `mapstructure:"gossip"`
	Metrics          MetricsConfig           `mapstructure:"metrics"`
	Logging          LoggingConfig           `mapstructure:"logging"`
}

// CoordinatorServerConfig represents the node-facing listener
type CoordinatorServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxFrameSize     int           `mapstructure:"max_frame_size"`
}

// RingConfig represents hash ring configuration
type RingConfig struct {
	ReplicaFactor int `mapstructure:"replica_factor"`
}

// FailureDetectionConfig represents node liveness configuration
type FailureDetectionConfig struct {
	// PollInterval bounds how long a queued node message waits for the event loop.
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	FailureTimeout    time.Duration `mapstructure:"failure_timeout"`
}

// RebalanceConfig represents rebalance orchestration timeouts
type RebalanceConfig struct {
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
}

// DatabaseConfig represents the PostgreSQL ring journal configuration
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN renders a pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d pool_max_conn_lifetime=%s",
		d.Host, d.Port, d.Database, d.User, d.Password, d.MaxConnections, d.MinConnections, d.ConnMaxLifetime,
	)
}

// DefaultCoordinatorConfig returns default configuration values
func DefaultCoordinatorConfig() *CoordinatorConfig {
	cfg := &CoordinatorConfig{
		Server: CoordinatorServerConfig{
			Host:             "0.0.0.0",
			Port:             4000,
			HandshakeTimeout: 5 * time.Second,
			MaxFrameSize:     128 * 1024,
		},
		Ring: RingConfig{
			ReplicaFactor: 2,
		},
		FailureDetection: FailureDetectionConfig{
			PollInterval:      100 * time.Millisecond,
			HeartbeatInterval: 2 * time.Second,
			FailureTimeout:    10 * time.Second,
		},
		Rebalance: RebalanceConfig{
			CallTimeout:     10 * time.Second,
			TransferTimeout: 5 * time.Minute,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "ringdb",
			User:            "coordinator",
			MaxConnections:  10,
			MinConnections:  1,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
	defaultGossip(&cfg.Gossip)
	defaultMetrics(&cfg.Metrics, 9100)
	defaultLogging(&cfg.Logging)
	return cfg
}

// LoadCoordinatorConfig loads configuration from file and environment variables
func LoadCoordinatorConfig(configPath string) (*CoordinatorConfig, error) {
	cfg := DefaultCoordinatorConfig()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		// The file is optional; defaults and environment still apply
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
		} else if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *CoordinatorConfig) {
	if host := os.Getenv("RINGDB_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("RINGDB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if rf := os.Getenv("RINGDB_REPLICA_FACTOR"); rf != "" {
		if n, err := strconv.Atoi(rf); err == nil {
			cfg.Ring.ReplicaFactor = n
		}
	}

	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
		cfg.Database.Enabled = true
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Database.Port = p
		}
	}
	if dbName := os.Getenv("DATABASE_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Database.Password = dbPassword
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// Validate validates the configuration
func (c *CoordinatorConfig) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 0 and 65535")
	}
	if c.Ring.ReplicaFactor < 0 {
		return errors.New("ring.replica_factor must not be negative")
	}
	if c.FailureDetection.PollInterval <= 0 {
		return errors.New("failure_detection.poll_interval must be positive")
	}
	if c.FailureDetection.HeartbeatInterval <= 0 {
		return errors.New("failure_detection.heartbeat_interval must be positive")
	}
	if c.FailureDetection.FailureTimeout <= c.FailureDetection.HeartbeatInterval {
		return errors.New("failure_detection.failure_timeout must exceed heartbeat_interval")
	}
	if c.Rebalance.CallTimeout <= 0 || c.Rebalance.TransferTimeout <= 0 {
		return errors.New("rebalance timeouts must be positive")
	}
	if c.Database.Enabled {
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}
