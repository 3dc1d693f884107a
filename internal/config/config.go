// Package config holds the run configuration. Everything is fixed at process
// start: defaults, then an optional YAML file, then ESXI_UPGRADE_* environment
// overrides. There is no runtime reconfiguration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"sigs.k8s.io/yaml"

	"github.com/allend2092/ESXi-Host-Upgrade/internal/util"
)

const (
	// envPrefix namespaces the environment overrides, e.g.
	// ESXI_UPGRADE_PROFILE.
	envPrefix = "esxi_upgrade"

	// DefaultPackageFilename is the depot archive expected in the package
	// directory.
	DefaultPackageFilename = "VMware-ESXi-8.0U3-24022510-depot.zip"
	// DefaultProfile is the image profile applied from the depot.
	DefaultProfile = "ESXi-8.0U3-24022510-standard"

	// DefaultMaintenanceTimeout bounds the wait for maintenance-mode
	// confirmation.
	DefaultMaintenanceTimeout = 45 * time.Second
	// DefaultMaintenancePollInterval is the fixed confirmation poll cadence.
	DefaultMaintenancePollInterval = 3 * time.Second
	// DefaultShutdownTimeout bounds one graceful guest shutdown before the
	// forced power-off fallback.
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultShutdownPollInterval is the power-state re-check cadence while
	// waiting on a graceful shutdown.
	DefaultShutdownPollInterval = time.Second
)

type Config struct {
	// PackageDir is the directory expected to contain the depot archive.
	// Defaults to the run's working directory, matching the convention of
	// launching the tool from the datastore folder holding the depot.
	PackageDir string `json:"package-dir,omitempty" envconfig:"package_dir"`
	// PackageFilename is the depot archive name.
	PackageFilename string `json:"package-filename,omitempty" envconfig:"package_filename"`
	// Profile is the image profile to apply.
	Profile string `json:"profile,omitempty" envconfig:"profile"`

	// MaintenanceTimeout bounds the maintenance-mode confirmation wait.
	MaintenanceTimeout util.Duration `json:"maintenance-timeout,omitempty" envconfig:"maintenance_timeout"`
	// MaintenancePollInterval is the confirmation poll cadence.
	MaintenancePollInterval util.Duration `json:"maintenance-poll-interval,omitempty" envconfig:"maintenance_poll_interval"`
	// ShutdownTimeout bounds one graceful guest shutdown.
	ShutdownTimeout util.Duration `json:"shutdown-timeout,omitempty" envconfig:"shutdown_timeout"`
	// ShutdownPollInterval is the graceful-shutdown re-check cadence.
	ShutdownPollInterval util.Duration `json:"shutdown-poll-interval,omitempty" envconfig:"shutdown_poll_interval"`

	// LogLevel can be any zap level name; anything unparsable falls back to
	// "info".
	LogLevel string `json:"log-level,omitempty" envconfig:"log_level"`
}

func NewDefault() *Config {
	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}
	return &Config{
		PackageDir:              dir,
		PackageFilename:         DefaultPackageFilename,
		Profile:                 DefaultProfile,
		MaintenanceTimeout:      util.Duration{Duration: DefaultMaintenanceTimeout},
		MaintenancePollInterval: util.Duration{Duration: DefaultMaintenancePollInterval},
		ShutdownTimeout:         util.Duration{Duration: DefaultShutdownTimeout},
		ShutdownPollInterval:    util.Duration{Duration: DefaultShutdownPollInterval},
		LogLevel:                "info",
	}
}

// ParseConfigFile overlays the YAML config file onto the current values.
func (cfg *Config) ParseConfigFile(cfgFile string) error {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}
	return nil
}

// ParseEnv overlays ESXI_UPGRADE_* environment variables onto the current
// values.
func (cfg *Config) ParseEnv() error {
	return envconfig.Process(envPrefix, cfg)
}

// Validate checks that the required fields are set and the timing budgets
// are usable.
func (cfg *Config) Validate() error {
	requiredFields := []struct {
		value string
		name  string
	}{
		{cfg.PackageDir, "package-dir"},
		{cfg.PackageFilename, "package-filename"},
		{cfg.Profile, "profile"},
	}
	for _, field := range requiredFields {
		if field.value == "" {
			return fmt.Errorf("%s is required", field.name)
		}
	}

	durations := []struct {
		value util.Duration
		name  string
	}{
		{cfg.MaintenanceTimeout, "maintenance-timeout"},
		{cfg.MaintenancePollInterval, "maintenance-poll-interval"},
		{cfg.ShutdownTimeout, "shutdown-timeout"},
		{cfg.ShutdownPollInterval, "shutdown-poll-interval"},
	}
	for _, d := range durations {
		if d.value.Duration <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if cfg.MaintenancePollInterval.Duration > cfg.MaintenanceTimeout.Duration {
		return fmt.Errorf("maintenance-poll-interval exceeds maintenance-timeout")
	}
	if cfg.ShutdownPollInterval.Duration > cfg.ShutdownTimeout.Duration {
		return fmt.Errorf("shutdown-poll-interval exceeds shutdown-timeout")
	}
	return nil
}

func (cfg *Config) String() string {
	contents, err := json.Marshal(cfg)
	if err != nil {
		return "<error>"
	}
	return string(contents)
}
