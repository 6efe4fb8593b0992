// Package config loads the application configuration from a TOML file, with
// embedded defaults for anything not set.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config holds all application configuration.
type Config struct {
	Client    ClientConfig    `toml:"client"`
	Transport TransportConfig `toml:"transport"`
	Analysis  AnalysisConfig  `toml:"analysis"`
	Storage   StorageConfig   `toml:"storage"`
	Server    ServerConfig    `toml:"server"`
}

// ClientConfig contains the analysis-server endpoint and local state paths.
type ClientConfig struct {
	ServerURL    string `toml:"server_url"`
	DatabasePath string `toml:"database_path"`
	UserID       string `toml:"user_id"`
}

// TransportConfig contains keepalive and reconnection settings.
type TransportConfig struct {
	PingIntervalSeconds        int `toml:"ping_interval_seconds"`
	PongWaitSeconds            int `toml:"pong_wait_seconds"`
	ReconnectShortDelaySeconds int `toml:"reconnect_short_delay_seconds"`
	ReconnectLongDelaySeconds  int `toml:"reconnect_long_delay_seconds"`
	ReconnectQuickRetries      int `toml:"reconnect_quick_retries"`
}

// AnalysisConfig contains protocol-handler settings.
type AnalysisConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// StorageConfig contains object storage connection settings.
type StorageConfig struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
}

// ServerConfig contains dev analysis server settings.
type ServerConfig struct {
	Port         string `toml:"port"`
	Model        string `toml:"model"` // "local" or "google"
	DatabasePath string `toml:"database_path"`
}

// PingInterval returns the keepalive interval as a duration.
func (t TransportConfig) PingInterval() time.Duration {
	return time.Duration(t.PingIntervalSeconds) * time.Second
}

// PongWait returns the read deadline extension as a duration.
func (t TransportConfig) PongWait() time.Duration {
	return time.Duration(t.PongWaitSeconds) * time.Second
}

// Timeout returns the analysis watchdog deadline as a duration.
func (a AnalysisConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// LoadConfig reads and parses a TOML configuration file from the specified
// path, validating the values the client cannot run without.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Client.ServerURL == "" {
		return nil, fmt.Errorf("client server_url is not set in config file")
	}
	if config.Client.DatabasePath == "" {
		config.Client.DatabasePath = "nutriscan.db"
	}

	return config, nil
}

// DefaultConfig returns a Config with the embedded example defaults.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile writes the embedded example config to path for the user
// to edit. Refuses to overwrite an existing file.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the path to the configuration file.
func GetConfigPath() string {
	// First try environment variable
	if path := os.Getenv("NUTRISCAN_CONFIG"); path != "" {
		return path
	}

	// Then try config directory
	configDir := "config"
	if _, err := os.Stat(configDir); err == nil {
		return filepath.Join(configDir, "config.toml")
	}

	// Finally, try current directory
	return "config.toml"
}
