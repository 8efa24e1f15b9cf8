// Package config manages the netwarden application configuration.
// It handles loading, validating, and providing access to configuration
// settings from YAML files. It includes defaults for all settings and
// implements thread-safe access to configuration values.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port            int      `yaml:"port"`
		Host            string   `yaml:"host"`
		AllowedOrigins  []string `yaml:"allowedOrigins"`
		ReadTimeout     int      `yaml:"readTimeout"`
		WriteTimeout    int      `yaml:"writeTimeout"`
		ShutdownTimeout int      `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	Scanner struct {
		TargetNetwork       string `yaml:"targetNetwork"`
		Interval            string `yaml:"interval"`
		ProfileTTL          string `yaml:"profileTTL"`
		OfflineAfter        string `yaml:"offlineAfter"`
		TopPorts            int    `yaml:"topPorts"`
		MaxConcurrentProbes int    `yaml:"maxConcurrentProbes"`
		DiscoveryTimeout    string `yaml:"discoveryTimeout"`
		ProbeTimeout        string `yaml:"probeTimeout"`
		OutputDir           string `yaml:"outputDir"`
		OutputRetentionDays int    `yaml:"outputRetentionDays"`
		VendorLookupURL     string `yaml:"vendorLookupURL"`
		VendorLookupTimeout string `yaml:"vendorLookupTimeout"`
	} `yaml:"scanner"`

	Database struct {
		Path            string `yaml:"path"`
		BackupDir       string `yaml:"backupDir"`
		JournalMode     string `yaml:"journalMode"`
		SynchronousMode string `yaml:"synchronousMode"`
		BusyTimeoutMS   int    `yaml:"busyTimeoutMs"`
	} `yaml:"database"`

	Enforcement struct {
		Enabled          bool     `yaml:"enabled"`
		Chains           []string `yaml:"chains"`
		MaxRemovalPasses int      `yaml:"maxRemovalPasses"`
		CommandTimeout   string   `yaml:"commandTimeout"`
	} `yaml:"enforcement"`

	Events struct {
		TailLimitDefault int `yaml:"tailLimitDefault"`
		TailLimitMax     int `yaml:"tailLimitMax"`
	} `yaml:"events"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		OutputPath string `yaml:"outputPath"`
	} `yaml:"logging"`

	Maintenance struct {
		Schedule           string `yaml:"schedule"`
		DatabaseOptimize   bool   `yaml:"databaseOptimize"`
		DatabaseBackup     bool   `yaml:"databaseBackup"`
		CleanupOutputFiles bool   `yaml:"cleanupOutputFiles"`
	} `yaml:"maintenance"`

	path string
	mu   sync.RWMutex
}

var (
	instance *Config
	once     sync.Once
)

// GetConfig returns the singleton configuration instance
func GetConfig() *Config {
	once.Do(func() {
		instance = &Config{}
		setDefaults(instance)
	})
	return instance
}

// New returns a standalone configuration populated with defaults. It is used
// by tests that must not share the singleton.
func New() *Config {
	c := &Config{}
	setDefaults(c)
	return c
}

// LoadConfig loads configuration from a YAML file
func (c *Config) LoadConfig(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Save path for potential reloading
	c.path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("configuration file does not exist: %s", path)
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}

	// Create directories if they don't exist
	dirs := []string{
		c.Scanner.OutputDir,
		c.Database.BackupDir,
		filepath.Dir(c.Database.Path),
		filepath.Dir(c.Logging.OutputPath),
	}

	for _, dir := range dirs {
		if dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info().Str("path", path).Msg("Configuration loaded successfully")
	return nil
}

// Reload reloads the configuration from the file
func (c *Config) Reload() error {
	if c.path == "" {
		return errors.New("configuration was not loaded from a file")
	}
	return c.LoadConfig(c.path)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Scanner.TargetNetwork == "" {
		return errors.New("scanner target network is required")
	}

	durations := map[string]string{
		"scan interval":         c.Scanner.Interval,
		"profile TTL":           c.Scanner.ProfileTTL,
		"offline threshold":     c.Scanner.OfflineAfter,
		"discovery timeout":     c.Scanner.DiscoveryTimeout,
		"probe timeout":         c.Scanner.ProbeTimeout,
		"vendor lookup timeout": c.Scanner.VendorLookupTimeout,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %s", name, v)
		}
	}

	if c.Scanner.TopPorts <= 0 {
		return fmt.Errorf("invalid top ports count: %d", c.Scanner.TopPorts)
	}

	if c.Scanner.MaxConcurrentProbes <= 0 {
		return fmt.Errorf("invalid max concurrent probes: %d", c.Scanner.MaxConcurrentProbes)
	}

	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Enforcement.MaxRemovalPasses <= 0 {
		return fmt.Errorf("invalid max removal passes: %d", c.Enforcement.MaxRemovalPasses)
	}

	if c.Events.TailLimitMax < c.Events.TailLimitDefault {
		return fmt.Errorf("event tail limit max %d below default %d",
			c.Events.TailLimitMax, c.Events.TailLimitDefault)
	}

	return nil
}

// GetScanInterval returns the scan interval as a parsed duration
func (c *Config) GetScanInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mustDuration(c.Scanner.Interval, time.Minute)
}

// GetProfileTTL returns the re-profiling throttle as a parsed duration
func (c *Config) GetProfileTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mustDuration(c.Scanner.ProfileTTL, 5*time.Minute)
}

// GetOfflineAfter returns the offline promotion threshold as a parsed duration
func (c *Config) GetOfflineAfter() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mustDuration(c.Scanner.OfflineAfter, 3*time.Minute)
}

// GetDiscoveryTimeout returns the bound on one discovery sweep
func (c *Config) GetDiscoveryTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mustDuration(c.Scanner.DiscoveryTimeout, 3*time.Minute)
}

// GetProbeTimeout returns the bound on one deep profile run
func (c *Config) GetProbeTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mustDuration(c.Scanner.ProbeTimeout, 4*time.Minute)
}

// GetVendorLookupTimeout returns the bound on one vendor lookup call
func (c *Config) GetVendorLookupTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mustDuration(c.Scanner.VendorLookupTimeout, 3*time.Second)
}

// GetEnforcementCommandTimeout returns the bound on one firewall command
func (c *Config) GetEnforcementCommandTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mustDuration(c.Enforcement.CommandTimeout, 10*time.Second)
}

// mustDuration parses v, falling back to def on empty or malformed input.
// Validate has already rejected malformed values for loaded configs.
func mustDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// setDefaults initializes the configuration with default values
func setDefaults(c *Config) {
	// Server defaults
	c.Server.Port = 8080
	c.Server.Host = "127.0.0.1"
	c.Server.AllowedOrigins = []string{"*"}
	c.Server.ReadTimeout = 30
	c.Server.WriteTimeout = 30
	c.Server.ShutdownTimeout = 10

	// Scanner defaults
	c.Scanner.TargetNetwork = "192.168.1.0/24"
	c.Scanner.Interval = "60s"
	c.Scanner.ProfileTTL = "5m"
	c.Scanner.OfflineAfter = "3m"
	c.Scanner.TopPorts = 50
	c.Scanner.MaxConcurrentProbes = 4
	c.Scanner.DiscoveryTimeout = "3m"
	c.Scanner.ProbeTimeout = "4m"
	c.Scanner.OutputDir = "./data/scans"
	c.Scanner.OutputRetentionDays = 7
	c.Scanner.VendorLookupURL = "https://api.macvendors.com"
	c.Scanner.VendorLookupTimeout = "3s"

	// Database defaults
	c.Database.Path = "./data/netwarden.db"
	c.Database.BackupDir = "./data/backups"
	c.Database.JournalMode = "WAL"
	c.Database.SynchronousMode = "NORMAL"
	c.Database.BusyTimeoutMS = 10000

	// Enforcement defaults
	c.Enforcement.Enabled = true
	c.Enforcement.Chains = []string{"INPUT", "FORWARD"}
	c.Enforcement.MaxRemovalPasses = 6
	c.Enforcement.CommandTimeout = "10s"

	// Event defaults
	c.Events.TailLimitDefault = 25
	c.Events.TailLimitMax = 200

	// Logging defaults
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Logging.OutputPath = "./data/logs/netwarden.log"

	// Maintenance defaults
	c.Maintenance.Schedule = "0 2 * * *" // 2 AM daily
	c.Maintenance.DatabaseOptimize = true
	c.Maintenance.DatabaseBackup = false
	c.Maintenance.CleanupOutputFiles = true
}
