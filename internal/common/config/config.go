// Package config provides configuration management for Companion.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Companion.
type Config struct {
	Server       ServerConfig                  `mapstructure:"server"`
	Docker       DockerConfig                  `mapstructure:"docker"`
	Worktree     WorktreeConfig                `mapstructure:"worktree"`
	Auth         AuthConfig                    `mapstructure:"auth"`
	NATS         NATSConfig                    `mapstructure:"nats"`
	Logging      LoggingConfig                 `mapstructure:"logging"`
	Timeouts     TimeoutConfig                 `mapstructure:"timeouts"`
	StateDir     string                        `mapstructure:"stateDir"`
	Environments map[string]EnvironmentProfile `mapstructure:"environments"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	// Enabled controls whether containerized sessions are available.
	// Default: true (containers are used when a session requests an image)
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"apiVersion"`
	HostAuthDir string `mapstructure:"hostAuthDir"` // host directory with CLI auth material, mounted read-only
	// EditorPort is the in-container port the session editor listens on;
	// it is published alongside any requested ports. 0 disables it.
	EditorPort int `mapstructure:"editorPort"`
}

// WorktreeConfig holds Git worktree configuration for concurrent sessions.
type WorktreeConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BasePath      string `mapstructure:"basePath"`      // Base directory for worktrees (default: ~/.companion/worktrees)
	DefaultBranch string `mapstructure:"defaultBranch"` // Fallback base branch (default: main)
	BranchPrefix  string `mapstructure:"branchPrefix"`  // Prefix for companion-synthesized branches
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// TokenFile is the path of the persisted bearer token (default: <stateDir>/auth.json).
	TokenFile string `mapstructure:"tokenFile"`
	// TrustLocalhost skips token checks for loopback clients.
	TrustLocalhost bool `mapstructure:"trustLocalhost"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory announce bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TimeoutConfig holds the operation deadlines, in milliseconds.
type TimeoutConfig struct {
	PluginMs        int `mapstructure:"pluginMs"`
	ImagePullWaitMs int `mapstructure:"imagePullWaitMs"`
	InitScriptMs    int `mapstructure:"initScriptMs"`
	ContainerExecMs int `mapstructure:"containerExecMs"`
	QuickExecMs     int `mapstructure:"quickExecMs"`
	ContainerBootMs int `mapstructure:"containerBootMs"`
}

// EnvironmentProfile is a named container environment a session can request.
type EnvironmentProfile struct {
	Image      string            `mapstructure:"image"`
	Ports      []int             `mapstructure:"ports"`
	Volumes    []string          `mapstructure:"volumes"` // host:container[:ro]
	InitScript string            `mapstructure:"initScript"`
	Env        map[string]string `mapstructure:"env"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PluginTimeout returns the default plugin timeout as a time.Duration.
func (t *TimeoutConfig) PluginTimeout() time.Duration {
	return time.Duration(t.PluginMs) * time.Millisecond
}

// ImagePullWait returns the image pull deadline as a time.Duration.
func (t *TimeoutConfig) ImagePullWait() time.Duration {
	return time.Duration(t.ImagePullWaitMs) * time.Millisecond
}

// InitScriptTimeout returns the init script deadline as a time.Duration.
func (t *TimeoutConfig) InitScriptTimeout() time.Duration {
	return time.Duration(t.InitScriptMs) * time.Millisecond
}

// ContainerExecTimeout returns the container exec deadline as a time.Duration.
func (t *TimeoutConfig) ContainerExecTimeout() time.Duration {
	return time.Duration(t.ContainerExecMs) * time.Millisecond
}

// QuickExecTimeout returns the short exec deadline as a time.Duration.
func (t *TimeoutConfig) QuickExecTimeout() time.Duration {
	return time.Duration(t.QuickExecMs) * time.Millisecond
}

// ContainerBootTimeout returns the container boot deadline as a time.Duration.
func (t *TimeoutConfig) ContainerBootTimeout() time.Duration {
	return time.Duration(t.ContainerBootMs) * time.Millisecond
}

// ExpandedStateDir returns the state directory with ~ expanded.
func (c *Config) ExpandedStateDir() (string, error) {
	return expandHome(c.StateDir)
}

// StateFile returns the path of a persisted state file under the state directory.
func (c *Config) StateFile(name string) (string, error) {
	dir, err := c.ExpandedStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("COMPANION_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8315)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.hostAuthDir", "~/.claude")
	v.SetDefault("docker.editorPort", 13337)

	// Worktree defaults
	v.SetDefault("worktree.enabled", true)
	v.SetDefault("worktree.basePath", "~/.companion/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.branchPrefix", "companion/")

	// Auth defaults
	v.SetDefault("auth.tokenFile", "")
	v.SetDefault("auth.trustLocalhost", true)

	// NATS defaults - empty URL means use in-memory announce bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "companion")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Operation deadlines
	v.SetDefault("timeouts.pluginMs", 3000)
	v.SetDefault("timeouts.imagePullWaitMs", 300000)
	v.SetDefault("timeouts.initScriptMs", 120000)
	v.SetDefault("timeouts.containerExecMs", 30000)
	v.SetDefault("timeouts.quickExecMs", 8000)
	v.SetDefault("timeouts.containerBootMs", 20000)

	v.SetDefault("stateDir", "~/.companion")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COMPANION_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.companion/, or /etc/companion/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("COMPANION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".companion"))
	}
	v.AddConfigPath("/etc/companion/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.StateDir == "" {
		errs = append(errs, "stateDir must not be empty")
	}

	if cfg.Docker.EditorPort < 0 || cfg.Docker.EditorPort > 65535 {
		errs = append(errs, "docker.editorPort must be between 0 and 65535")
	}

	for name, profile := range cfg.Environments {
		for _, port := range profile.Ports {
			if port < 1 || port > 65535 {
				errs = append(errs, fmt.Sprintf("environments.%s: port %d out of range", name, port))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
