package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Agent defaults.
const (
	defaultCoordinatorURL      = "ws://localhost:4000/agent"
	defaultHeartbeatInterval   = 10 * time.Second
	defaultReconnectDelay      = 5 * time.Second
	defaultReconnectMaxDelay   = 60 * time.Second
	defaultJobTimeout          = 30 * time.Minute
	defaultUploadAttempts      = 3
	defaultUploadRetryDelay    = 2 * time.Second
	defaultUploadTimeout       = 15 * time.Minute
	defaultSweepSchedule       = "0 */10 * * * *"
	defaultSweepMaxAge         = 2 * time.Hour
	defaultAgentTempDirSubpath = "ffmpegeasy"
)

// AgentConfig holds all configuration for an ffmpegeasy-agent process.
type AgentConfig struct {
	Agent       AgentIdentityConfig `mapstructure:"agent"`
	Coordinator AgentLinkConfig     `mapstructure:"coordinator"`
	Executor    ExecutorConfig      `mapstructure:"executor"`
	Logging     LoggingConfig       `mapstructure:"logging"`
}

// AgentIdentityConfig describes how the agent presents itself.
type AgentIdentityConfig struct {
	// ID defaults to <hostname>-<pid> when empty.
	ID string `mapstructure:"id"`
	// Name is the display name shown by the coordinator.
	Name string `mapstructure:"name"`
	// Concurrency is the number of simultaneous leases; 0 means the CPU count.
	Concurrency int `mapstructure:"concurrency"`
}

// AgentLinkConfig holds the agent's connection to the coordinator.
type AgentLinkConfig struct {
	URL               string        `mapstructure:"url"`
	Token             string        `mapstructure:"token"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
}

// ExecutorConfig holds encoder and upload settings.
type ExecutorConfig struct {
	// FFmpegPath overrides binary discovery when set.
	FFmpegPath       string        `mapstructure:"ffmpeg_path"`
	TempDir          string        `mapstructure:"temp_dir"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	UploadAttempts   int           `mapstructure:"upload_attempts"`
	UploadRetryDelay time.Duration `mapstructure:"upload_retry_delay"`
	UploadTimeout    time.Duration `mapstructure:"upload_timeout"`
	SweepSchedule    string        `mapstructure:"sweep_schedule"`
	SweepMaxAge      time.Duration `mapstructure:"sweep_max_age"`
}

// LoadAgent reads agent configuration from file and environment variables.
// The search paths and environment prefix match the coordinator.
func LoadAgent(configPath string) (*AgentConfig, error) {
	v := viper.New()
	SetAgentDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("agent")
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
			return nil, fmt.Errorf("reading agent config file: %w", err)
		}
	}

	return AgentFromViper(v)
}

// AgentFromViper unmarshals and validates the agent configuration held by v.
func AgentFromViper(v *viper.Viper) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := v.Unmarshal(&cfg, decodeHooks()); err != nil {
		return nil, fmt.Errorf("unmarshaling agent config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

// SetAgentDefaults configures default values for all agent options.
func SetAgentDefaults(v *viper.Viper) {
	v.SetDefault("agent.id", "")
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.concurrency", 0)

	v.SetDefault("coordinator.url", defaultCoordinatorURL)
	v.SetDefault("coordinator.token", defaultSharedToken)
	v.SetDefault("coordinator.heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("coordinator.reconnect_delay", defaultReconnectDelay)
	v.SetDefault("coordinator.reconnect_max_delay", defaultReconnectMaxDelay)

	v.SetDefault("executor.ffmpeg_path", "")
	v.SetDefault("executor.temp_dir", filepath.Join(os.TempDir(), defaultAgentTempDirSubpath))
	v.SetDefault("executor.job_timeout", defaultJobTimeout)
	v.SetDefault("executor.upload_attempts", defaultUploadAttempts)
	v.SetDefault("executor.upload_retry_delay", defaultUploadRetryDelay)
	v.SetDefault("executor.upload_timeout", defaultUploadTimeout)
	v.SetDefault("executor.sweep_schedule", defaultSweepSchedule)
	v.SetDefault("executor.sweep_max_age", defaultSweepMaxAge)

	setLoggingDefaults(v)
}

// Validate checks the agent configuration for errors.
func (c *AgentConfig) Validate() error {
	if c.Agent.Concurrency < 0 {
		return fmt.Errorf("agent.concurrency must not be negative")
	}

	u, err := url.Parse(c.Coordinator.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("coordinator.url must be an absolute URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("coordinator.url scheme must be one of: ws, wss, http, https")
	}
	if strings.TrimSpace(c.Coordinator.Token) == "" {
		return fmt.Errorf("coordinator.token is required")
	}
	if c.Coordinator.HeartbeatInterval <= 0 {
		return fmt.Errorf("coordinator.heartbeat_interval must be positive")
	}
	if c.Coordinator.ReconnectDelay <= 0 {
		return fmt.Errorf("coordinator.reconnect_delay must be positive")
	}
	if c.Coordinator.ReconnectMaxDelay < c.Coordinator.ReconnectDelay {
		return fmt.Errorf("coordinator.reconnect_max_delay must not be less than reconnect_delay")
	}

	if c.Executor.TempDir == "" {
		return fmt.Errorf("executor.temp_dir is required")
	}
	if c.Executor.JobTimeout <= 0 {
		return fmt.Errorf("executor.job_timeout must be positive")
	}
	if c.Executor.UploadAttempts < 1 {
		return fmt.Errorf("executor.upload_attempts must be at least 1")
	}
	if c.Executor.UploadRetryDelay < 0 {
		return fmt.Errorf("executor.upload_retry_delay must not be negative")
	}

	return c.Logging.Validate()
}

// AgentID returns the configured agent ID or <hostname>-<pid>.
func (c *AgentConfig) AgentID() string {
	if c.Agent.ID != "" {
		return c.Agent.ID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
