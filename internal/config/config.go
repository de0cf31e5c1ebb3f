// Package config provides configuration management for ffmpegeasy using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "FFMPEGEASY"

// PairTokenLength is the exact length of a token accepted by pairing.
const PairTokenLength = 25

// Default configuration values.
const (
	defaultServerPort        = 4000
	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	defaultSharedToken       = "dev-token"
	defaultLivenessWindow    = 30 * time.Second
	defaultEvictionSchedule  = "*/5 * * * * *"
	defaultEventBuffer       = 100
	defaultMaxUploadMemory   = 32 * 1024 * 1024 // 32MB
)

var httpURLPattern = regexp.MustCompile(`^https?://`)

// Config holds all configuration for the coordinator.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Transfer    TransferConfig    `mapstructure:"transfer"`
}

// ServerConfig holds HTTP server configuration.
// Read and write timeouts default to zero because transfer proxy streams
// can run for as long as an encode takes.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format         string `mapstructure:"format"` // json, text
	AddSource      bool   `mapstructure:"add_source"`
	TimeFormat     string `mapstructure:"time_format"`
	RequestLogging bool   `mapstructure:"request_logging"`
}

// CoordinatorConfig holds scheduling and agent-facing configuration.
type CoordinatorConfig struct {
	// SharedToken is always accepted for agent registration.
	SharedToken string `mapstructure:"shared_token"`
	// PairedTokens are additional tokens admitted at startup.
	PairedTokens []string `mapstructure:"paired_tokens"`
	// PublicBaseURL is the externally reachable base used to build lease URLs.
	// Empty means http://localhost:<server.port>.
	PublicBaseURL string `mapstructure:"public_base_url"`
	// LivenessWindow is how long an agent may go without a heartbeat before eviction.
	LivenessWindow time.Duration `mapstructure:"liveness_window"`
	// EvictionSchedule is a 6-field cron expression for the stale-agent sweep.
	EvictionSchedule string `mapstructure:"eviction_schedule"`
	// EventBuffer is the per-subscriber buffer of the event stream.
	EventBuffer int `mapstructure:"event_buffer"`
}

// TransferConfig holds transfer proxy and upload configuration.
type TransferConfig struct {
	// MaxUploadMemory bounds the multipart form held in memory by /api/upload.
	MaxUploadMemory ByteSize `mapstructure:"max_upload_memory"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with FFMPEGEASY_ and use underscores for nesting.
// Example: FFMPEGEASY_SERVER_PORT=4000.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/ffmpegeasy")
		v.AddConfigPath("$HOME/.ffmpegeasy")
	}

	BindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates the coordinator configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHooks()); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// BindEnv enables FFMPEGEASY_ environment overrides on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// decodeHooks lets ByteSize fields accept "32MB" style strings.
func decodeHooks() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// SetDefaults configures default values for all coordinator options.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", time.Duration(0))
	v.SetDefault("server.read_header_timeout", defaultReadHeaderTimeout)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.idle_timeout", defaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	setLoggingDefaults(v)

	// Coordinator defaults
	v.SetDefault("coordinator.shared_token", defaultSharedToken)
	v.SetDefault("coordinator.paired_tokens", []string{})
	v.SetDefault("coordinator.public_base_url", "")
	v.SetDefault("coordinator.liveness_window", defaultLivenessWindow)
	v.SetDefault("coordinator.eviction_schedule", defaultEvictionSchedule)
	v.SetDefault("coordinator.event_buffer", defaultEventBuffer)

	// Transfer defaults
	v.SetDefault("transfer.max_upload_memory", defaultMaxUploadMemory)
}

func setLoggingDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.request_logging", true)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}

	if strings.TrimSpace(c.Coordinator.SharedToken) == "" {
		return fmt.Errorf("coordinator.shared_token is required")
	}
	for _, tok := range c.Coordinator.PairedTokens {
		if len(strings.TrimSpace(tok)) != PairTokenLength {
			return fmt.Errorf("coordinator.paired_tokens entries must be %d characters", PairTokenLength)
		}
	}
	if c.Coordinator.PublicBaseURL != "" && !httpURLPattern.MatchString(c.Coordinator.PublicBaseURL) {
		return fmt.Errorf("coordinator.public_base_url must start with http:// or https://")
	}
	if c.Coordinator.LivenessWindow <= 0 {
		return fmt.Errorf("coordinator.liveness_window must be positive")
	}
	if strings.TrimSpace(c.Coordinator.EvictionSchedule) == "" {
		return fmt.Errorf("coordinator.eviction_schedule is required")
	}
	if c.Coordinator.EventBuffer < 1 {
		return fmt.Errorf("coordinator.event_buffer must be at least 1")
	}

	if c.Transfer.MaxUploadMemory < 0 {
		return fmt.Errorf("transfer.max_upload_memory must not be negative")
	}

	return nil
}

// Validate checks the logging level and format.
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseURL returns the public base URL, defaulting to the local listen port.
func (c *Config) BaseURL() string {
	if c.Coordinator.PublicBaseURL != "" {
		return strings.TrimRight(c.Coordinator.PublicBaseURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d", c.Server.Port)
}
