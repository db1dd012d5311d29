package config

import "time"

// Default values for optional configuration fields. The port range matches
// the backend's auto-discovery window.
const (
	DefaultMaxConnections     = 8
	DefaultConnectTimeout     = 5 * time.Second
	DefaultAckTimeout         = 5 * time.Second
	DefaultHeartbeatInterval  = 15 * time.Second
	DefaultMaxGap             = 50
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultQueueCapacity      = 500
	DefaultQueueFlushRate     = 200
	DefaultQueueFlushBurst    = 50
	DefaultStorageDriver      = "sqlite"
	DefaultSQLitePath         = "tabrelay.db"
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultDiscoveryHost      = "localhost"
	DefaultPortStart          = 8875
	DefaultPortEnd            = 8895
	DefaultProbeTimeout       = 2 * time.Second
	DefaultSweepInterval      = 30 * time.Second
	DefaultSweepConcurrency   = 4
	DefaultBatchMaxEntries    = 100
	DefaultBatchFlushInterval = 250 * time.Millisecond
	DefaultMetricsPort        = 9091
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

func (c *RelayConfig) applyDefaults() {
	// Connections defaults
	if c.Connections.MaxConnections == 0 {
		c.Connections.MaxConnections = DefaultMaxConnections
	}
	if c.Connections.ConnectTimeout == 0 {
		c.Connections.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connections.AckTimeout == 0 {
		c.Connections.AckTimeout = DefaultAckTimeout
	}
	if c.Connections.HeartbeatInterval == 0 {
		c.Connections.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connections.MaxGap == 0 {
		c.Connections.MaxGap = DefaultMaxGap
	}
	if c.Connections.ReconnectBaseDelay == 0 {
		c.Connections.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connections.ReconnectMaxDelay == 0 {
		c.Connections.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if len(c.Connections.Capabilities) == 0 {
		c.Connections.Capabilities = []string{"logs", "batch", "gap_recovery"}
	}

	// Queue defaults
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = DefaultQueueCapacity
	}
	if c.Queue.FlushRate == 0 {
		c.Queue.FlushRate = DefaultQueueFlushRate
	}
	if c.Queue.FlushBurst == 0 {
		c.Queue.FlushBurst = DefaultQueueFlushBurst
	}

	// Storage defaults
	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultStorageDriver
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = DefaultSQLitePath
	}
	applyDBDefaults(&c.Storage.Postgres)

	// Discovery defaults
	if c.Discovery.Host == "" {
		c.Discovery.Host = DefaultDiscoveryHost
	}
	if c.Discovery.PortStart == 0 {
		c.Discovery.PortStart = DefaultPortStart
	}
	if c.Discovery.PortEnd == 0 {
		c.Discovery.PortEnd = DefaultPortEnd
	}
	if c.Discovery.ProbeTimeout == 0 {
		c.Discovery.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Discovery.SweepInterval == 0 {
		c.Discovery.SweepInterval = DefaultSweepInterval
	}
	if c.Discovery.Concurrency == 0 {
		c.Discovery.Concurrency = DefaultSweepConcurrency
	}

	// Batcher defaults
	if c.Batcher.MaxEntries == 0 {
		c.Batcher.MaxEntries = DefaultBatchMaxEntries
	}
	if c.Batcher.FlushInterval == 0 {
		c.Batcher.FlushInterval = DefaultBatchFlushInterval
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
