package database

import (
	"errors"
	"time"
)

// Config holds durable store settings.
type Config struct {
	Driver          Dialect       `json:"driver"`
	DatabasePath    string        `json:"database_path"`
	DatabaseURL     string        `json:"database_url"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	// WriteRetryDelay is the pause before the single retry of a failed write.
	// Zero disables the retry.
	WriteRetryDelay time.Duration `json:"write_retry_delay"`
}

// DefaultConfig returns SQLite settings sized for one classroom.
func DefaultConfig() *Config {
	return &Config{
		Driver:          DialectSQLite,
		DatabasePath:    "./data/livepoll.db",
		MaxConnections:  10, // SQLite recommended limit for concurrent access
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		WriteTimeout:    30 * time.Second,
		WriteRetryDelay: 0,
	}
}

// Validate ensures the configuration is usable for the selected driver.
func (c *Config) Validate() error {
	switch c.Driver {
	case DialectSQLite:
		if c.DatabasePath == "" {
			return errors.New("database path cannot be empty")
		}
	case DialectPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database url cannot be empty for postgres")
		}
	default:
		return errors.New("database driver must be sqlite3 or postgres")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be greater than 0")
	}
	if c.WriteRetryDelay < 0 {
		return errors.New("write retry delay cannot be negative")
	}
	return nil
}

// DataSourceName returns the driver-specific connection string.
func (c *Config) DataSourceName() string {
	if c.Driver == DialectPostgres {
		return c.DatabaseURL
	}
	// TECHNICAL: busy timeout and WAL keep readers unblocked by the single writer
	return c.DatabasePath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}
