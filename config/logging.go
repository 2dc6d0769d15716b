package config

import (
	"fmt"
)

// LoggingConfig defines settings for cycle log storage and rotation.
type LoggingConfig struct {
	// Backend selects the log store type: "none", "jsonl", "sqlite" or "postgres".
	Backend string `json:"backend"`
	// Path is the file location of the jsonl and sqlite stores.
	Path string `json:"path"`
	// DSN is the connection string of the postgres store.
	DSN string `json:"dsn"`
	// MaxSizeMB triggers rotation when the file exceeds this size in megabytes.
	// Zero disables rotation.
	MaxSizeMB int `json:"max_size_mb"`
	// MaxBackups limits the number of rotated files to keep.
	MaxBackups int `json:"max_backups"`
	// MaxAgeDays removes rotated files older than this number of days.
	MaxAgeDays int `json:"max_age_days"`
}

// SetDefaults applies sane defaults.
func (c *LoggingConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "jsonl"
	}
	if c.Path == "" {
		switch c.Backend {
		case "sqlite":
			c.Path = "cycles.db"
		default:
			c.Path = "cycles.jsonl"
		}
	}
}

// Validate checks mandatory fields.
func (c LoggingConfig) Validate() error {
	switch c.Backend {
	case "none":
		return nil
	case "jsonl", "sqlite":
		if c.Path == "" {
			return fmt.Errorf("path is required")
		}
	case "postgres":
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("rotation settings must not be negative")
	}
	return nil
}
