// Package config loads and validates the YAML tenant configuration:
// pipelines, shared queues, semaphores, and per-project job lists. The
// parsed configuration is turned into a types.Layout plus pipeline
// definitions for the scheduler.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gantrycd/gantry/pkg/types"
)

// Load reads and parses a tenant configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses tenant configuration from YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToLayout builds the static layout described by the configuration.
func (c *Config) ToLayout() *types.Layout {
	layout := types.NewLayout()
	for _, q := range c.Queues {
		layout.Queues[q.Name] = q
	}
	for _, s := range c.Semaphores {
		layout.Semaphores[s.Name] = s
	}
	for _, p := range c.Projects {
		layout.ProjectConfigs[p.Name] = p
	}
	return layout
}

// PipelineConfigByName returns the named pipeline config, or nil.
func (c *Config) PipelineConfigByName(name string) *PipelineConfig {
	for _, p := range c.Pipelines {
		if p.Name == name {
			return p
		}
	}
	return nil
}
