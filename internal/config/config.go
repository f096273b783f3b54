package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Engine behavior
	Engine EngineConfig `json:"engine"`

	// Transport settings
	API APIConfig `json:"api"`

	// Response cache
	Cache CacheConfig `json:"cache"`

	// Downloaded-file encryption
	Crypto CryptoConfig `json:"crypto"`

	// Local storage paths
	Storage StorageConfig `json:"storage"`

	// Logging
	Log LogConfig `json:"log"`
}

// EngineConfig controls the operation queue.
type EngineConfig struct {
	OperationTimeout     time.Duration `json:"operation_timeout"`      // Per-operation wall clock
	RetryOnNetworkError  bool          `json:"retry_on_network_error"` // Engine-wide default
	MaxRetries           int           `json:"max_retries"`            // 0 = unlimited
	WiFiConcurrency      int           `json:"wifi_concurrency"`       // Cap on WiFi-class network
	WWANConcurrency      int           `json:"wwan_concurrency"`       // Cap on cellular-class network
	SuspendInBackground  bool          `json:"suspend_in_background"`  // Freeze admission on background
	SupportLocalTestData bool          `json:"support_local_test_data"`
	RemoteHost           string        `json:"remote_host,omitempty"` // Non-default origin, no token
	ReachabilityInterval time.Duration `json:"reachability_interval"` // Monitor poll period
}

// APIConfig for transport behavior.
type APIConfig struct {
	UserAgent        string            `json:"user_agent"`
	CustomHeaders    map[string]string `json:"custom_headers,omitempty"`
	EnablePipelining bool              `json:"enable_pipelining"` // HTTP/2 multiplexing
}

// CacheConfig for the GET response cache.
type CacheConfig struct {
	Path string        `json:"path"` // SQLite file, empty disables caching
	TTL  time.Duration `json:"ttl"`  // Max age before a cached response is stale
}

// CryptoConfig for downloaded-file encryption.
type CryptoConfig struct {
	Passphrase string `json:"passphrase,omitempty"`
	Salt       string `json:"salt,omitempty"`
	Iterations int    `json:"iterations"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir     string `json:"data_dir"`     // Base directory for all data
	DownloadDir string `json:"download_dir"` // Default destination for downloads
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
	File   string `json:"file"`   // Log file path (empty = stdout)
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".netengine"

	return &Config{
		Engine: EngineConfig{
			OperationTimeout:     180 * time.Second,
			RetryOnNetworkError:  false,
			MaxRetries:           0,
			WiFiConcurrency:      5,
			WWANConcurrency:      2,
			SuspendInBackground:  true,
			SupportLocalTestData: false,
			ReachabilityInterval: 5 * time.Second,
		},
		API: APIConfig{
			UserAgent:        defaultUserAgent(),
			EnablePipelining: true,
		},
		Cache: CacheConfig{
			Path: filepath.Join(dataDir, "cache.db"),
			TTL:  5 * time.Minute,
		},
		Crypto: CryptoConfig{
			Iterations: 100000,
		},
		Storage: StorageConfig{
			DataDir:     dataDir,
			DownloadDir: filepath.Join(dataDir, "downloads"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Engine.OperationTimeout <= 0 {
		return errors.New("engine.operation_timeout must be positive")
	}

	if c.Engine.MaxRetries < 0 {
		return errors.New("engine.max_retries must not be negative")
	}

	if c.Engine.WiFiConcurrency <= 0 {
		return errors.New("engine.wifi_concurrency must be positive")
	}

	if c.Engine.WWANConcurrency <= 0 {
		return errors.New("engine.wwan_concurrency must be positive")
	}

	if c.Engine.ReachabilityInterval <= 0 {
		return errors.New("engine.reachability_interval must be positive")
	}

	if c.Cache.Path != "" && c.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive when caching is enabled")
	}

	if c.Crypto.Iterations <= 0 {
		return errors.New("crypto.iterations must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.DownloadDir,
	}

	if c.Cache.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Cache.Path))
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

func defaultUserAgent() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("netengine/1.0 (%s)", host)
}
