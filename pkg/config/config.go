// Package config provides configuration loading and management for robustmni.
// It handles loading configuration from YAML files, applies ROBUSTMNI_*
// environment overrides and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"robustmni/internal/models"
	"robustmni/pkg/engine"
	"robustmni/pkg/normalization"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Engine locates the ANTs binaries
	Engine struct {
		// RegistrationBinary is the antsRegistration executable
		RegistrationBinary string `yaml:"registrationBinary" env:"ROBUSTMNI_ANTS_REGISTRATION"`

		// InitializerBinary is the antsAffineInitializer executable
		InitializerBinary string `yaml:"initializerBinary" env:"ROBUSTMNI_ANTS_INITIALIZER"`

		// ApplyTransformsBinary is the antsApplyTransforms executable
		ApplyTransformsBinary string `yaml:"applyTransformsBinary" env:"ROBUSTMNI_ANTS_APPLY_TRANSFORMS"`

		// NumThreads is handed to the engine for each invocation
		NumThreads int `yaml:"numThreads" env:"ROBUSTMNI_NUM_THREADS"`

		// StdoutLog and StderrLog name the per-invocation log files
		StdoutLog string `yaml:"stdoutLog"`
		StderrLog string `yaml:"stderrLog"`
	} `yaml:"engine"`

	// Catalog holds the registration presets
	Catalog struct {
		// PresetDir is the preset directory; empty uses the built-in presets
		PresetDir string `yaml:"presetDir" env:"ROBUSTMNI_PRESET_DIR"`
	} `yaml:"catalog"`

	// Templates locates the template datasets
	Templates struct {
		Root string `yaml:"root" env:"ROBUSTMNI_TEMPLATES_ROOT"`
	} `yaml:"templates"`

	// Normalization parameters
	Normalization struct {
		// WorkDir is the parent of the per-run working directories
		WorkDir string `yaml:"workDir" env:"ROBUSTMNI_WORK_DIR"`

		// ValidationPolicy is "fail-fast" or "next-preset"
		ValidationPolicy string `yaml:"validationPolicy" env:"ROBUSTMNI_VALIDATION_POLICY"`

		// OverlapThreshold is the mask overlap percentage a result must exceed
		OverlapThreshold float64 `yaml:"overlapThreshold" env:"ROBUSTMNI_OVERLAP_THRESHOLD"`

		ExplicitMasking bool   `yaml:"explicitMasking" env:"ROBUSTMNI_EXPLICIT_MASKING"`
		Flavor          string `yaml:"flavor" env:"ROBUSTMNI_FLAVOR"`
		Template        string `yaml:"template" env:"ROBUSTMNI_TEMPLATE"`
		Resolution      int    `yaml:"resolution" env:"ROBUSTMNI_RESOLUTION"`

		// QCSnapshots writes an overlap image for every validation
		QCSnapshots bool `yaml:"qcSnapshots" env:"ROBUSTMNI_QC_SNAPSHOTS"`
	} `yaml:"normalization"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose" env:"ROBUSTMNI_VERBOSE"`

		// LogLevel is one of debug, info, warn or error
		LogLevel string `yaml:"logLevel" env:"ROBUSTMNI_LOG_LEVEL"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Engine.RegistrationBinary = "antsRegistration"
	cfg.Engine.InitializerBinary = "antsAffineInitializer"
	cfg.Engine.ApplyTransformsBinary = "antsApplyTransforms"
	cfg.Engine.NumThreads = runtime.NumCPU() // Use all available cores by default
	cfg.Engine.StdoutLog = engine.DefaultLogFiles.Stdout
	cfg.Engine.StderrLog = engine.DefaultLogFiles.Stderr

	cfg.Templates.Root = "templates"

	cfg.Normalization.WorkDir = "work"
	cfg.Normalization.ValidationPolicy = string(normalization.FailFast)
	cfg.Normalization.OverlapThreshold = 50
	cfg.Normalization.ExplicitMasking = true
	cfg.Normalization.Flavor = string(models.FlavorPrecise)
	cfg.Normalization.Template = models.TemplateICBM152Linear
	cfg.Normalization.Resolution = 1
	cfg.Normalization.QCSnapshots = false

	cfg.Output.Verbose = false
	cfg.Output.LogLevel = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, the defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that are not checked per request.
func (c *Config) Validate() error {
	if _, err := normalization.ParsePolicy(c.Normalization.ValidationPolicy); err != nil {
		return err
	}
	if c.Normalization.OverlapThreshold <= 0 || c.Normalization.OverlapThreshold >= 100 {
		return fmt.Errorf("overlap threshold must be in (0, 100), got %g", c.Normalization.OverlapThreshold)
	}
	if c.Engine.NumThreads < 1 {
		return fmt.Errorf("numThreads must be positive, got %d", c.Engine.NumThreads)
	}
	switch c.Output.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Output.LogLevel)
	}
	return nil
}

// Request builds a request for the moving images with the configured defaults.
func (c *Config) Request(moving ...string) *models.Request {
	req := models.NewRequest(moving...)
	req.NumThreads = c.Engine.NumThreads
	req.ExplicitMasking = c.Normalization.ExplicitMasking
	req.Flavor = models.Flavor(c.Normalization.Flavor)
	req.Template = c.Normalization.Template
	req.TemplateResolution = c.Normalization.Resolution
	return req
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
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
