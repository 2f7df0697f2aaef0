// Package config defines the simworld configuration model and its loaders.
//
// Configuration can come from a YAML file (with hot reload), Consul, etcd,
// or ZooKeeper. Values support ${VAR} / ${VAR:-default} environment
// expansion, and a .env file is honored at startup.
package config

import (
	"fmt"
)

// Config is the root configuration document.
type Config struct {
	Server        ServerConfig        `yaml:"server,omitempty" json:"server,omitempty"`
	Logger        LoggerConfig        `yaml:"logger,omitempty" json:"logger,omitempty"`
	Store         StoreConfig         `yaml:"store,omitempty" json:"store,omitempty"`
	Gateway       GatewayConfig       `yaml:"gateway,omitempty" json:"gateway,omitempty"`
	Vector        VectorConfig        `yaml:"vector,omitempty" json:"vector,omitempty"`
	Simulation    SimulationConfig    `yaml:"simulation,omitempty" json:"simulation,omitempty"`
	Retrieval     RetrievalConfig     `yaml:"retrieval,omitempty" json:"retrieval,omitempty"`
	Reflection    ReflectionConfig    `yaml:"reflection,omitempty" json:"reflection,omitempty"`
	Planner       PlannerConfig       `yaml:"planner,omitempty" json:"planner,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logger.SetDefaults()
	c.Store.SetDefaults()
	c.Gateway.SetDefaults()
	c.Vector.SetDefaults()
	c.Simulation.SetDefaults()
	c.Retrieval.SetDefaults()
	c.Reflection.SetDefaults()
	c.Planner.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks every section. Defaults must be applied first.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"logger", c.Logger.Validate},
		{"store", c.Store.Validate},
		{"gateway", c.Gateway.Validate},
		{"vector", c.Vector.Validate},
		{"simulation", c.Simulation.Validate},
		{"retrieval", c.Retrieval.Validate},
		{"reflection", c.Reflection.Validate},
		{"planner", c.Planner.Validate},
		{"observability", c.Observability.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	return nil
}

// ProcessConfigPipeline runs defaults then validation, returning the
// processed config.
func ProcessConfigPipeline(cfg *Config) (*Config, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns a fully defaulted configuration suitable for zero-config
// startup with the in-memory store.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
