// Package config provides configuration loading and management for maskregistration.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"maskregistration/internal/logging"
	"maskregistration/pkg/registration"
	"maskregistration/pkg/resample"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Registration parameters
	Registration struct {
		// Direction is the target slice order: auto, normal or reverse
		Direction string `yaml:"direction"`

		// SubpixelFactor is the z upsampling ratio used to keep thin structures
		SubpixelFactor int `yaml:"subpixelFactor"`

		// NumCores specifies how many CPU cores the resampler may use
		NumCores int `yaml:"numCores"`

		// TempDir is where the mask pseudo-acquisition is written. Empty
		// means the system default.
		TempDir string `yaml:"tempDir"`

		// SurfaceWarnings reports unrepairable series anomalies and mask
		// truncation instead of ignoring them
		SurfaceWarnings bool `yaml:"surfaceWarnings"`
	} `yaml:"registration"`

	// Logging parameters
	Logging logging.Config `yaml:"logging"`

	// Preview parameters
	Preview struct {
		// Alpha is the opacity of the label overlay
		Alpha float64 `yaml:"alpha"`

		// Interpolation used for the intensity image: nearest or linear
		Interpolation string `yaml:"interpolation"`
	} `yaml:"preview"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Registration.Direction = "auto"
	cfg.Registration.SubpixelFactor = 1
	cfg.Registration.NumCores = runtime.NumCPU()
	cfg.Registration.SurfaceWarnings = false

	cfg.Logging.MaxSize = 10
	cfg.Logging.MaxAge = 30

	cfg.Preview.Alpha = 0.4
	cfg.Preview.Interpolation = "linear"

	return cfg
}

// Validate checks the values a user can get wrong in a config file and
// normalizes the direction and interpolation names
func (c *Config) Validate() error {
	direction, err := registration.ParseDirection(c.Registration.Direction)
	if err != nil {
		return fmt.Errorf("invalid registration direction: %w", err)
	}
	c.Registration.Direction = direction.String()

	if c.Preview.Interpolation != "" {
		interp, err := resample.ParseInterpolator(c.Preview.Interpolation)
		if err != nil {
			return fmt.Errorf("invalid preview interpolation: %w", err)
		}
		c.Preview.Interpolation = interp.String()
	}

	if c.Registration.SubpixelFactor < 1 {
		return fmt.Errorf("subpixel factor must be >= 1, got %d", c.Registration.SubpixelFactor)
	}
	if c.Preview.Alpha < 0 || c.Preview.Alpha > 1 {
		return fmt.Errorf("preview alpha must be within [0, 1], got %g", c.Preview.Alpha)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if cfg.Registration.NumCores <= 0 {
		cfg.Registration.NumCores = runtime.NumCPU()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
