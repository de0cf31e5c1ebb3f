// Package cmd implements the CLI commands for ffmpegeasy-agent.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gregwargamer/ffmppegui/internal/config"
	"github.com/gregwargamer/ffmppegui/internal/observability"
	"github.com/gregwargamer/ffmppegui/internal/version"
)

var (
	cfgFile string

	// agentViper is separate from the coordinator's so an all-in-one host
	// can run both with different files.
	agentViper = viper.New()
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     version.AgentName,
	Short:   "Transcoding worker for ffmpegeasy",
	Version: version.Short(),
	Long: `ffmpegeasy-agent connects to an ffmpegeasy coordinator and runs the
ffmpeg jobs it leases.

Configuration is read from agent.yaml and FFMPEGEASY_ environment variables:
  FFMPEGEASY_COORDINATOR_URL    - coordinator URL (http://host:4000 or ws://host:4000/agent)
  FFMPEGEASY_COORDINATOR_TOKEN  - shared or paired agent token
  FFMPEGEASY_AGENT_NAME         - human-readable agent name
  FFMPEGEASY_AGENT_CONCURRENCY  - simultaneous jobs (0 = CPU cores)

Example:
  FFMPEGEASY_COORDINATOR_URL=http://192.168.1.100:4000 \
  FFMPEGEASY_COORDINATOR_TOKEN=mytoken \
  ffmpegeasy-agent serve`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./agent.yaml or /etc/ffmpegeasy/agent.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

func initConfig() {
	config.SetAgentDefaults(agentViper)

	if cfgFile != "" {
		agentViper.SetConfigFile(cfgFile)
	} else {
		agentViper.SetConfigName("agent")
		agentViper.SetConfigType("yaml")
		agentViper.AddConfigPath(".")
		agentViper.AddConfigPath("./configs")
		agentViper.AddConfigPath("/etc/ffmpegeasy")
		if home, err := os.UserHomeDir(); err == nil {
			agentViper.AddConfigPath(home + "/.ffmpegeasy")
		}
	}

	config.BindEnv(agentViper)

	if err := agentViper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", agentViper.ConfigFileUsed())
	} else {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}
}

// initLogging configures the slog logger for the agent.
func initLogging() error {
	level := agentViper.GetString("logging.level")
	format := agentViper.GetString("logging.format")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}

	logCfg := config.LoggingConfig{
		Level:      strings.ToLower(level),
		Format:     strings.ToLower(format),
		AddSource:  agentViper.GetBool("logging.add_source"),
		TimeFormat: agentViper.GetString("logging.time_format"),
	}
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}
	agentViper.Set("logging.level", logCfg.Level)
	agentViper.Set("logging.format", logCfg.Format)

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	logger = observability.WithApp(logger, version.AgentName)
	observability.SetDefault(logger)

	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
// A bound flag only wins over env and file values when set explicitly.
func mustBindPFlag(vp *viper.Viper, key string, flag *pflag.Flag) {
	if err := vp.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
