package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "NETENGINE_",
	}
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Load from file if exists
	if l.configPath != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		// Try default locations
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				if err := l.loadFile(cfg); err != nil {
					return nil, fmt.Errorf("load config file %s: %w", path, err)
				}
				break
			}
		}
	}

	// Override with environment variables
	if err := l.loadEnv(cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	// Validate final config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"netengine.json",
		".netengine.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "netengine", "config.json"),
			filepath.Join(homeDir, ".netengine", "config.json"),
		)
	}

	return paths
}

// loadFile reads config from JSON file.
func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	return nil
}

// loadEnv overrides config from environment variables.
func (l *Loader) loadEnv(cfg *Config) error {
	// Engine settings
	if v := os.Getenv(l.envPrefix + "OPERATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse OPERATION_TIMEOUT: %w", err)
		}
		cfg.Engine.OperationTimeout = d
	}

	if v := os.Getenv(l.envPrefix + "MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse MAX_RETRIES: %w", err)
		}
		cfg.Engine.MaxRetries = n
	}

	if v := os.Getenv(l.envPrefix + "RETRY_ON_NETWORK_ERROR"); v != "" {
		cfg.Engine.RetryOnNetworkError = v == "true" || v == "1"
	}

	if v := os.Getenv(l.envPrefix + "WIFI_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse WIFI_CONCURRENCY: %w", err)
		}
		cfg.Engine.WiFiConcurrency = n
	}

	if v := os.Getenv(l.envPrefix + "WWAN_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse WWAN_CONCURRENCY: %w", err)
		}
		cfg.Engine.WWANConcurrency = n
	}

	if v := os.Getenv(l.envPrefix + "REMOTE_HOST"); v != "" {
		cfg.Engine.RemoteHost = v
	}

	if v := os.Getenv(l.envPrefix + "LOCAL_TEST_DATA"); v != "" {
		cfg.Engine.SupportLocalTestData = v == "true" || v == "1"
	}

	// Storage settings
	if v := os.Getenv(l.envPrefix + "DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
		// Update dependent paths
		cfg.Storage.DownloadDir = filepath.Join(v, "downloads")
		cfg.Cache.Path = filepath.Join(v, "cache.db")
	}

	// Cache settings
	if v := os.Getenv(l.envPrefix + "CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}

	// Crypto settings
	if v := os.Getenv(l.envPrefix + "CRYPTO_PASSPHRASE"); v != "" {
		cfg.Crypto.Passphrase = v
	}

	// Log settings
	if v := os.Getenv(l.envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}

	if v := os.Getenv(l.envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}

	if v := os.Getenv(l.envPrefix + "LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	return nil
}
