package config

import "time"

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	BindAddr       string        `yaml:"bind_addr" mapstructure:"bind_addr"`
	BindPort       int           `yaml:"bind_port" mapstructure:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes" mapstructure:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval" mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
}

// MetricsConfig holds the admin HTTP (metrics and health) configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host" mapstructure:"host"`
	Port    int    `yaml:"port" mapstructure:"port"`
	Path    string `yaml:"path" mapstructure:"path"`
	// GRPCHealthPort serves grpc.health.v1 when non-zero.
	GRPCHealthPort int `yaml:"grpc_health_port" mapstructure:"grpc_health_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

func defaultGossip(g *GossipConfig) {
	if g.BindAddr == "" {
		g.BindAddr = "0.0.0.0"
	}
	if g.GossipInterval == 0 {
		g.GossipInterval = 200 * time.Millisecond
	}
	if g.ProbeTimeout == 0 {
		g.ProbeTimeout = 500 * time.Millisecond
	}
	if g.ProbeInterval == 0 {
		g.ProbeInterval = time.Second
	}
}

func defaultMetrics(m *MetricsConfig, port int) {
	if m.Host == "" {
		m.Host = "0.0.0.0"
	}
	if m.Port == 0 {
		m.Port = port
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
}

func defaultLogging(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}
