// Package config handles Bifrost configuration via YAML files and environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--outbox-dir, --log-level, etc.)
//  2. Environment variables (BIFROST_*)
//  3. Config file (config.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("Outbox dir: %s\n", cfg.Outbox.DataDir)
//
// Environment Variables (all use BIFROST_ prefix):
//
// Sync:
//   - BIFROST_SERVER_URL="wss://sync.example.com"
//   - BIFROST_CONNECT_TIMEOUT=8s
//   - BIFROST_SCHEMA_TIMEOUT=5s
//
// Outbox:
//   - BIFROST_OUTBOX_ENABLED=true
//   - BIFROST_OUTBOX_DIR="./data/outbox"
//   - BIFROST_OUTBOX_IN_MEMORY=false
//   - BIFROST_OUTBOX_SYNC_WRITES=false
//
// Logging:
//   - BIFROST_LOG_LEVEL="INFO"
//   - BIFROST_LOG_FORMAT="CONSOLE"
//
// For the complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Bifrost configuration.
//
// Configuration is organized into logical sections:
//   - Sync: connection and schema handshake settings
//   - Outbox: the durable pending-mutation queue
//   - Logging: logging configuration
//
// Use LoadFromEnv() or LoadFromFile() to create a Config, then call
// Validate() before wiring it into the client.
type Config struct {
	// Sync settings for the server connection
	Sync SyncConfig

	// Outbox settings for the durable mutation queue
	Outbox OutboxConfig

	// Logging
	Logging LoggingConfig
}

// SyncConfig holds connection and handshake settings.
type SyncConfig struct {
	// ServerURL is the sync endpoint the connection layer dials.
	// Env: BIFROST_SERVER_URL
	ServerURL string

	// ConnectTimeout bounds how long subscribe and transact calls wait for
	// the connection to authenticate before failing.
	// Env: BIFROST_CONNECT_TIMEOUT (default: 8s)
	ConnectTimeout time.Duration

	// SchemaTimeout bounds how long calls wait for the attribute catalog.
	// Operations proceed without the catalog after the timeout; writes to
	// unknown attributes are dropped until it arrives.
	// Env: BIFROST_SCHEMA_TIMEOUT (default: 5s)
	SchemaTimeout time.Duration
}

// OutboxConfig holds settings for the durable pending-mutation queue.
type OutboxConfig struct {
	// Enabled controls whether mutations are journaled to local storage.
	// When disabled, pending mutations live only in the connection layer
	// and do not survive a restart.
	// Env: BIFROST_OUTBOX_ENABLED (default: true)
	Enabled bool

	// DataDir is the directory for the queue's storage.
	// Env: BIFROST_OUTBOX_DIR (default: ./data/outbox)
	DataDir string

	// InMemory keeps the queue off disk. Intended for tests and ephemeral
	// clients; pending mutations are lost on exit.
	// Env: BIFROST_OUTBOX_IN_MEMORY (default: false)
	InMemory bool

	// SyncWrites fsyncs every enqueue. Safer but slower; the default
	// relies on the storage engine's write-ahead log.
	// Env: BIFROST_OUTBOX_SYNC_WRITES (default: false)
	SyncWrites bool
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (DEBUG, INFO, WARN, ERROR)
	Level string
	// Format (CONSOLE, JSON)
	Format string
}

// LoadDefaults returns a Config with all built-in safe defaults.
// This is the base configuration before any overrides are applied.
//
// Precedence (lowest to highest):
//  1. Built-in defaults (this function)
//  2. Config file (YAML)
//  3. Environment variables
//  4. Command-line arguments (applied by the caller)
func LoadDefaults() *Config {
	config := &Config{}

	// Sync defaults
	config.Sync.ServerURL = ""
	config.Sync.ConnectTimeout = 8 * time.Second
	config.Sync.SchemaTimeout = 5 * time.Second

	// Outbox defaults
	config.Outbox.Enabled = true
	config.Outbox.DataDir = "./data/outbox"
	config.Outbox.InMemory = false
	config.Outbox.SyncWrites = false

	// Logging defaults
	config.Logging.Level = "INFO"
	config.Logging.Format = "CONSOLE"

	return config
}

// LoadFromEnv loads configuration from environment variables.
//
// All values have sensible defaults, so LoadFromEnv() can be called without
// any environment variables set.
func LoadFromEnv() *Config {
	config := LoadDefaults()
	applyEnvVars(config)
	return config
}

// applyEnvVars applies environment variable overrides to an existing config.
// Environment variables take precedence over config file values.
func applyEnvVars(config *Config) {
	// Sync settings
	if v := getEnv("BIFROST_SERVER_URL", ""); v != "" {
		config.Sync.ServerURL = v
	}
	if v := getEnvDuration("BIFROST_CONNECT_TIMEOUT", 0); v > 0 {
		config.Sync.ConnectTimeout = v
	}
	if v := getEnvDuration("BIFROST_SCHEMA_TIMEOUT", 0); v > 0 {
		config.Sync.SchemaTimeout = v
	}

	// Outbox settings
	if getEnv("BIFROST_OUTBOX_ENABLED", "") == "false" {
		config.Outbox.Enabled = false
	}
	if v := getEnv("BIFROST_OUTBOX_DIR", ""); v != "" {
		config.Outbox.DataDir = v
	}
	if getEnvBool("BIFROST_OUTBOX_IN_MEMORY", false) {
		config.Outbox.InMemory = true
	}
	if getEnvBool("BIFROST_OUTBOX_SYNC_WRITES", false) {
		config.Outbox.SyncWrites = true
	}

	// Logging settings
	if v := getEnv("BIFROST_LOG_LEVEL", ""); v != "" {
		config.Logging.Level = v
	}
	if v := getEnv("BIFROST_LOG_FORMAT", ""); v != "" {
		config.Logging.Format = v
	}
}

// ApplyEnvVars applies environment variable overrides to an existing config.
// This is the exported version for use in main.go.
func ApplyEnvVars(config *Config) {
	applyEnvVars(config)
}

// YAMLConfig represents the YAML configuration file structure.
// All fields mirror the environment variable configuration options.
type YAMLConfig struct {
	// Sync configuration
	Sync struct {
		ServerURL      string `yaml:"server_url"`
		ConnectTimeout string `yaml:"connect_timeout"`
		SchemaTimeout  string `yaml:"schema_timeout"`
	} `yaml:"sync"`

	// Outbox configuration
	Outbox struct {
		Enabled    *bool  `yaml:"enabled"`
		Dir        string `yaml:"dir"`
		InMemory   bool   `yaml:"in_memory"`
		SyncWrites bool   `yaml:"sync_writes"`
	} `yaml:"outbox"`

	// Logging configuration
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// LoadFromFile loads configuration with proper precedence:
//  1. Built-in defaults (lowest priority)
//  2. YAML config file
//  3. Environment variables (highest priority before CLI args)
//
// Command-line arguments are applied by the caller after this.
//
// Example YAML:
//
//	sync:
//	  server_url: "wss://sync.example.com"
//	  connect_timeout: "8s"
//	outbox:
//	  dir: "./data/outbox"
//	logging:
//	  level: "DEBUG"
//	  format: "JSON"
func LoadFromFile(configPath string) (*Config, error) {
	// Step 1: Start with built-in defaults
	config := LoadDefaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, just return env config
		if os.IsNotExist(err) {
			applyEnvVars(config)
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var yamlCfg YAMLConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// === Sync Settings ===
	if yamlCfg.Sync.ServerURL != "" {
		config.Sync.ServerURL = yamlCfg.Sync.ServerURL
	}
	if yamlCfg.Sync.ConnectTimeout != "" {
		if d, err := time.ParseDuration(yamlCfg.Sync.ConnectTimeout); err == nil {
			config.Sync.ConnectTimeout = d
		}
	}
	if yamlCfg.Sync.SchemaTimeout != "" {
		if d, err := time.ParseDuration(yamlCfg.Sync.SchemaTimeout); err == nil {
			config.Sync.SchemaTimeout = d
		}
	}

	// === Outbox Settings ===
	if yamlCfg.Outbox.Enabled != nil {
		config.Outbox.Enabled = *yamlCfg.Outbox.Enabled
	}
	if yamlCfg.Outbox.Dir != "" {
		config.Outbox.DataDir = yamlCfg.Outbox.Dir
	}
	if yamlCfg.Outbox.InMemory {
		config.Outbox.InMemory = true
	}
	if yamlCfg.Outbox.SyncWrites {
		config.Outbox.SyncWrites = true
	}

	// === Logging Settings ===
	if yamlCfg.Logging.Level != "" {
		config.Logging.Level = yamlCfg.Logging.Level
	}
	if yamlCfg.Logging.Format != "" {
		config.Logging.Format = yamlCfg.Logging.Format
	}

	// Step 3: Apply environment variable overrides (higher priority than config file)
	applyEnvVars(config)

	return config, nil
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. ~/.bifrost/config.yaml (user home directory - highest priority)
//  2. Same directory as the binary (config.yaml, bifrost.yaml)
//  3. Current working directory (config.yaml, bifrost.yaml)
func FindConfigFile() string {
	var candidates []string

	// Priority 1: User home directory ~/.bifrost/config.yaml
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".bifrost", "config.yaml"))
	}

	// Priority 2: Same directory as the binary
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "config.yaml"),
			filepath.Join(exeDir, "bifrost.yaml"),
		)
	}

	// Priority 3: Current working directory
	candidates = append(candidates,
		"config.yaml",
		"bifrost.yaml",
	)

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Validate checks the configuration for logical errors and invalid values.
//
// Call Validate() after loading and before using the Config.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	if c.Sync.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect timeout: %v", c.Sync.ConnectTimeout)
	}
	if c.Sync.SchemaTimeout <= 0 {
		return fmt.Errorf("invalid schema timeout: %v", c.Sync.SchemaTimeout)
	}

	if c.Outbox.Enabled && !c.Outbox.InMemory && c.Outbox.DataDir == "" {
		return fmt.Errorf("outbox enabled but no data directory configured")
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	switch strings.ToUpper(c.Logging.Format) {
	case "CONSOLE", "JSON":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	return nil
}

// String returns a safe string representation of the Config.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	log.Printf("Starting with config: %s", cfg)
//
// Returns a string suitable for logging and debugging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, ConnectTimeout: %v, SchemaTimeout: %v, OutboxDir: %s, LogLevel: %s}",
		c.Sync.ServerURL,
		c.Sync.ConnectTimeout,
		c.Sync.SchemaTimeout,
		c.Outbox.DataDir,
		c.Logging.Level,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
