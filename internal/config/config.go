package config

import "time"

// RelayConfig is the root configuration for a relay daemon instance.
type RelayConfig struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Connections ConnectionsConfig `yaml:"connections"`
	Queue       QueueConfig       `yaml:"queue"`
	Storage     StorageConfig     `yaml:"storage"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Batcher     BatcherConfig     `yaml:"batcher"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// InstanceConfig identifies this relay.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ConnectionsConfig holds WebSocket connection manager settings.
type ConnectionsConfig struct {
	MaxConnections     int           `yaml:"max_connections"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	MaxGap             int64         `yaml:"max_gap"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ClientVersion      string        `yaml:"client_version"`
	Capabilities       []string      `yaml:"capabilities"`
}

// QueueConfig holds outbound queue settings.
type QueueConfig struct {
	Capacity   int     `yaml:"capacity"`
	FlushRate  float64 `yaml:"flush_rate"`
	FlushBurst int     `yaml:"flush_burst"`
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver   string   `yaml:"driver"`
	SQLite   SQLite   `yaml:"sqlite"`
	Postgres DBConfig `yaml:"postgres"`
}

// SQLite holds the sqlite store settings.
type SQLite struct {
	Path string `yaml:"path"`
}

// DBConfig holds a single Postgres connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// DiscoveryConfig holds backend port sweep settings.
type DiscoveryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	PortStart     int           `yaml:"port_start"`
	PortEnd       int           `yaml:"port_end"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Concurrency   int           `yaml:"concurrency"`
}

// BatcherConfig holds capture-event batching settings.
type BatcherConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}
