package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/loadguard/api"
	"github.com/kilianp07/loadguard/core/allocation"
	"github.com/kilianp07/loadguard/core/metrics"
	"github.com/kilianp07/loadguard/core/topology"
	"github.com/kilianp07/loadguard/infra/monitoring"
	"github.com/kilianp07/loadguard/infra/mqtt"
	"github.com/kilianp07/loadguard/infra/redisstate"
)

type Config struct {
	Allocation allocation.Config `json:"allocation"`
	Topology   topology.Config   `json:"topology"`
	MQTT       mqtt.Config       `json:"mqtt"`
	Metrics    metrics.Config    `json:"metrics"`
	Logging    LoggingConfig     `json:"logging"`
	Redis      redisstate.Config `json:"redis"`
	API        api.Config        `json:"api"`
	Sentry     monitoring.Config `json:"sentry"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults applies the defaults of every section.
func (c *Config) SetDefaults() {
	c.Allocation.SetDefaults()
	c.Topology.SetDefaults()
	c.MQTT.SetDefaults()
	c.Logging.SetDefaults()
	c.Redis.SetDefaults()
}

// Validate checks every section. The MQTT section is only checked once a
// broker is configured so that offline commands can run without one.
func (c Config) Validate() error {
	if err := c.Allocation.Validate(); err != nil {
		return fmt.Errorf("allocation: %w", err)
	}
	if err := c.Topology.Validate(); err != nil {
		return fmt.Errorf("topology: %w", err)
	}
	if c.MQTT.Broker != "" {
		if err := c.MQTT.Validate(); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
