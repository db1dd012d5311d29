package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Connections.MaxConnections < 1 {
		return errors.New("connections.max_connections must be >= 1")
	}
	if c.Connections.MaxGap < 1 {
		return errors.New("connections.max_gap must be >= 1")
	}
	if c.Connections.ReconnectBaseDelay > c.Connections.ReconnectMaxDelay {
		return fmt.Errorf("connections.reconnect_base_delay (%v) cannot exceed reconnect_max_delay (%v)",
			c.Connections.ReconnectBaseDelay, c.Connections.ReconnectMaxDelay)
	}

	if c.Queue.Capacity < 1 {
		return errors.New("queue.capacity must be >= 1")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required")
		}
	case "postgres":
		if err := c.Storage.Postgres.validate("storage.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.driver must be memory, sqlite or postgres, got %q", c.Storage.Driver)
	}

	if c.Discovery.PortStart < 1 || c.Discovery.PortStart > 65535 {
		return fmt.Errorf("discovery.port_start must be between 1 and 65535, got %d", c.Discovery.PortStart)
	}
	if c.Discovery.PortEnd < c.Discovery.PortStart || c.Discovery.PortEnd > 65535 {
		return fmt.Errorf("discovery.port_end must be between port_start and 65535, got %d", c.Discovery.PortEnd)
	}
	if c.Discovery.Concurrency < 1 {
		return errors.New("discovery.concurrency must be >= 1")
	}

	if c.Batcher.MaxEntries < 1 {
		return errors.New("batcher.max_entries must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
