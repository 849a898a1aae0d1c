// Package config handles reading and writing .foreman/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level structure for .foreman/config.yaml.
type Config struct {
	Version   int             `yaml:"version"`
	Project   ProjectConfig   `yaml:"project"`
	Models    ModelsConfig    `yaml:"models"`
	Execution ExecutionConfig `yaml:"execution"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// ProjectConfig holds project metadata supplied during init.
type ProjectConfig struct {
	Name string `yaml:"name"`
	Dir  string `yaml:"dir"`
}

// ModelsConfig names the model used for each session type.
type ModelsConfig struct {
	Initializer string `yaml:"initializer"`
	Coding      string `yaml:"coding"`
	Review      string `yaml:"review"`
}

// ForSessionType returns the configured model for the given session type,
// or "" if the type is unknown.
func (m ModelsConfig) ForSessionType(sessionType string) string {
	switch sessionType {
	case "initializer":
		return m.Initializer
	case "coding":
		return m.Coding
	case "review":
		return m.Review
	}
	return ""
}

// ExecutionConfig controls the auto-continue loop and session supervision.
type ExecutionConfig struct {
	MaxIterations       int `yaml:"max_iterations"`
	IterationDelay      int `yaml:"iteration_delay"`       // seconds between sessions
	HeartbeatInterval   int `yaml:"heartbeat_interval"`    // seconds
	MaxRetries          int `yaml:"max_retries"`           // identical-command limit per session
	SandboxStartRetries int `yaml:"sandbox_start_retries"` // initializer sessions only
	CheckpointEvery     int `yaml:"checkpoint_every"`      // tool results between snapshots
}

// SandboxConfig controls the per-session execution sandbox.
type SandboxConfig struct {
	Type           string   `yaml:"type"` // "docker" | "none"
	Image          string   `yaml:"image"`
	Network        string   `yaml:"network"`
	Memory         string   `yaml:"memory"`
	CPUs           float64  `yaml:"cpus"`
	Ports          []string `yaml:"ports"`
	StartupTimeout int      `yaml:"startup_timeout"` // seconds
}

// NotifyConfig holds the pause-notification webhook.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

const configDir = ".foreman"
const configFile = "config.yaml"

// Dir returns the .foreman directory path under the given project root.
func Dir(projectRoot string) string {
	return filepath.Join(projectRoot, configDir)
}

// ReadConfig reads .foreman/config.yaml from the given project directory.
// dir is the project root (not .foreman/ itself).
// Returns an error if the file is not found or YAML is malformed.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configDir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

// WriteConfig writes cfg to .foreman/config.yaml in the given project directory.
// Creates the .foreman/ directory if it does not exist.
func WriteConfig(dir string, cfg *Config) error {
	dirPath := filepath.Join(dir, configDir)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dirPath, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Models: ModelsConfig{
			Initializer: "opus",
			Coding:      "sonnet",
			Review:      "sonnet",
		},
		Execution: ExecutionConfig{
			MaxIterations:       20,
			IterationDelay:      5,
			HeartbeatInterval:   30,
			MaxRetries:          3,
			SandboxStartRetries: 3,
			CheckpointEvery:     10,
		},
		Sandbox: SandboxConfig{
			Type:           "docker",
			Image:          "foreman-agent:latest",
			Network:        "bridge",
			Memory:         "4g",
			CPUs:           2,
			StartupTimeout: 60,
		},
	}
}
