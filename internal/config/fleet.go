package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FleetWorker describes one worker in a fleet bootstrap file.
type FleetWorker struct {
	Name       string `yaml:"name"`
	Address    string `yaml:"address"`
	AgentToken string `yaml:"agent_token"`
	MaxStreams int    `yaml:"max_streams"`
	Active     *bool  `yaml:"active"`
}

// FleetBootstrap is a static fleet definition ensure-registered at startup.
// It stands in for external provisioning tooling in small deployments.
type FleetBootstrap struct {
	Workers []FleetWorker `yaml:"workers"`
}

// LoadFleetBootstrap parses a fleet bootstrap YAML file.
func LoadFleetBootstrap(path string) (*FleetBootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet bootstrap file: %w", err)
	}

	var fleet FleetBootstrap
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("failed to parse fleet bootstrap file: %w", err)
	}

	for i, w := range fleet.Workers {
		if w.Name == "" || w.Address == "" {
			return nil, fmt.Errorf("fleet bootstrap worker %d: name and address are required", i)
		}
		if w.MaxStreams <= 0 {
			return nil, fmt.Errorf("fleet bootstrap worker %q: max_streams must be positive", w.Name)
		}
	}

	return &fleet, nil
}
