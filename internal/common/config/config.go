// Package config provides configuration management for the backplane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the backplane.
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Database DatabaseConfig    `mapstructure:"database"`
	NATS     NATSConfig        `mapstructure:"nats"`
	Events   EventsConfig      `mapstructure:"events"`
	Docker   DockerConfig      `mapstructure:"docker"`
	Agent    AgentConfig       `mapstructure:"agent"`
	PTY      PTYConfig         `mapstructure:"pty"`
	Files    FileGatewayConfig `mapstructure:"files"`
	Logging  LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the Container Registry's backing store configuration.
// The registry is a small single-table store, so only sqlite is supported.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration for the optional cross-process
// event bus mirror. An empty URL means the event bus stays purely in-process.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates subscribers across deployments/instances when the
	// NATS mirror is enabled. Empty value means no namespace segment: events
	// are mirrored under "backplane.events.<topic>".
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
	Image          string `mapstructure:"image"`
}

// ResourceTierConfig is one entry of the free/pro/enterprise resource table.
type ResourceTierConfig struct {
	MemoryBytes int64 `mapstructure:"memoryBytes"`
	CPUQuota    int64 `mapstructure:"cpuQuota"`
	CPUPeriod   int64 `mapstructure:"cpuPeriod"`
}

// AgentConfig holds container-orchestration and agent-session configuration.
type AgentConfig struct {
	// ProjectsRoot is the fixed in-container directory under which
	// container-native project folders live.
	ProjectsRoot string `mapstructure:"projectsRoot"`

	// QueryTimeout is the hard wall-clock deadline for an agent session.
	QueryTimeout time.Duration `mapstructure:"queryTimeout"`

	// IdleReapInterval is how often the idle reaper sweeps containers.
	IdleReapInterval time.Duration `mapstructure:"idleReapInterval"`

	// IdleThreshold is how long a container may sit unused before reaping.
	IdleThreshold time.Duration `mapstructure:"idleThreshold"`

	// Tiers maps resource tier name to its memory/CPU limits.
	Tiers map[string]ResourceTierConfig `mapstructure:"tiers"`

	// AnthropicBaseURL, AnthropicAuthToken, AnthropicModel are forwarded into
	// container env when set, never logged.
	AnthropicBaseURL   string `mapstructure:"anthropicBaseUrl"`
	AnthropicAuthToken string `mapstructure:"anthropicAuthToken"`
	AnthropicModel     string `mapstructure:"anthropicModel"`

	// Entrypoints maps a chat provider name to the in-container SDK runtime
	// module invoked with a base64 query payload.
	Entrypoints map[string]string `mapstructure:"entrypoints"`
}

// PTYConfig holds PTY session broker configuration.
type PTYConfig struct {
	BufferCap   int           `mapstructure:"bufferCap"`
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`

	// ProviderCLI maps a chat provider name (claude/cursor/codex) to the
	// in-container binary invoked for a provider-backed shell session.
	ProviderCLI map[string]string `mapstructure:"providerCli"`
}

// FileGatewayConfig holds workspace file gateway configuration.
type FileGatewayConfig struct {
	MaxWriteBytes int64         `mapstructure:"maxWriteBytes"`
	WriteTimeout  time.Duration `mapstructure:"writeTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BACKPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "./backplane.db")

	// NATS defaults - empty URL means use the in-memory event bus only.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "backplane-cluster")
	v.SetDefault("nats.clientId", "backplane")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "backplane-network")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())
	v.SetDefault("docker.image", "backplane/agent-runtime:latest")

	v.SetDefault("agent.projectsRoot", "/home/node/.claude/projects")
	v.SetDefault("agent.queryTimeout", 5*time.Minute)
	v.SetDefault("agent.idleReapInterval", 30*time.Minute)
	v.SetDefault("agent.idleThreshold", 2*time.Hour)
	v.SetDefault("agent.tiers.free.memoryBytes", int64(512*1024*1024))
	v.SetDefault("agent.tiers.free.cpuQuota", int64(50000))
	v.SetDefault("agent.tiers.free.cpuPeriod", int64(100000))
	v.SetDefault("agent.tiers.pro.memoryBytes", int64(2*1024*1024*1024))
	v.SetDefault("agent.tiers.pro.cpuQuota", int64(150000))
	v.SetDefault("agent.tiers.pro.cpuPeriod", int64(100000))
	v.SetDefault("agent.tiers.enterprise.memoryBytes", int64(8*1024*1024*1024))
	v.SetDefault("agent.tiers.enterprise.cpuQuota", int64(400000))
	v.SetDefault("agent.tiers.enterprise.cpuPeriod", int64(100000))
	v.SetDefault("agent.anthropicBaseUrl", "")
	v.SetDefault("agent.anthropicAuthToken", "")
	v.SetDefault("agent.anthropicModel", "")
	v.SetDefault("agent.entrypoints.claude", "/opt/agent-runtime/claude-sdk.js")
	v.SetDefault("agent.entrypoints.cursor", "/opt/agent-runtime/cursor-sdk.js")
	v.SetDefault("agent.entrypoints.codex", "/opt/agent-runtime/codex-sdk.js")

	v.SetDefault("pty.bufferCap", 5000)
	v.SetDefault("pty.idleTimeout", 30*time.Minute)
	v.SetDefault("pty.providerCli.claude", "claude")
	v.SetDefault("pty.providerCli.cursor", "cursor-agent")
	v.SetDefault("pty.providerCli.codex", "codex")

	v.SetDefault("files.maxWriteBytes", int64(10*1024*1024))
	v.SetDefault("files.writeTimeout", 3*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// defaultDockerVolumePath returns the platform-appropriate host directory
// under which per-user container volumes are created.
func defaultDockerVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "backplane", "volumes")
	}
	return "/var/lib/backplane/volumes"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BACKPLANE_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BACKPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("docker.host", "DOCKER_HOST")
	_ = v.BindEnv("logging.level", "BACKPLANE_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "BACKPLANE_EVENTS_NAMESPACE")
	_ = v.BindEnv("agent.anthropicBaseUrl", "ANTHROPIC_BASE_URL")
	_ = v.BindEnv("agent.anthropicAuthToken", "ANTHROPIC_AUTH_TOKEN")
	_ = v.BindEnv("agent.anthropicModel", "ANTHROPIC_MODEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/backplane/")

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

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	for _, name := range []string{"free", "pro", "enterprise"} {
		tier, ok := cfg.Agent.Tiers[name]
		if !ok || tier.MemoryBytes <= 0 || tier.CPUQuota <= 0 || tier.CPUPeriod <= 0 {
			errs = append(errs, fmt.Sprintf("agent.tiers.%s must declare positive memoryBytes, cpuQuota, cpuPeriod", name))
		}
	}

	if cfg.PTY.BufferCap <= 0 {
		errs = append(errs, "pty.bufferCap must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
