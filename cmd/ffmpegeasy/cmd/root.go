// Package cmd implements the CLI commands for ffmpegeasy.
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
	// cfgFile holds the config file path from CLI flag.
	cfgFile string

	// v holds coordinator configuration: defaults, file, then environment.
	v = viper.New()
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     version.ApplicationName,
	Short:   "Distributed ffmpeg transcoding coordinator",
	Version: version.Short(),
	Long: `ffmpegeasy plans batch ffmpeg conversions of local media and hands
them out to ffmpegeasy-agent workers.

Agents connect over a websocket, stream their inputs from the coordinator
and push finished outputs back, so workers need no shared filesystem.
Jobs are dispatched largest first to the least loaded agent.`,
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

	// These flags are not bound to viper. They override config and env only
	// when set explicitly, keeping flag > env > file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/ffmpegeasy/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/ffmpegeasy")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.ffmpegeasy")
		}
	}

	config.BindEnv(v)

	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	} else {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}
}

// initLogging configures the default slog logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (FFMPEGEASY_LOGGING_LEVEL, FFMPEGEASY_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, json)
func initLogging() error {
	logCfg := loggingConfig(v, rootCmd)

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	logger = observability.WithApp(logger, version.ApplicationName)
	observability.SetDefault(logger)
	observability.SetRequestLogging(logCfg.RequestLogging)

	return nil
}

// loggingConfig resolves logging settings from vp with explicit flag overrides.
func loggingConfig(vp *viper.Viper, c *cobra.Command) config.LoggingConfig {
	level := vp.GetString("logging.level")
	format := vp.GetString("logging.format")

	if c.PersistentFlags().Changed("log-level") {
		level, _ = c.PersistentFlags().GetString("log-level")
	}
	if c.PersistentFlags().Changed("log-format") {
		format, _ = c.PersistentFlags().GetString("log-format")
	}

	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}

	logCfg := config.LoggingConfig{
		Level:          strings.ToLower(level),
		Format:         strings.ToLower(format),
		AddSource:      vp.GetBool("logging.add_source"),
		TimeFormat:     vp.GetString("logging.time_format"),
		RequestLogging: vp.GetBool("logging.request_logging"),
	}

	// "warning" is accepted as an alias for "warn".
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	// Keep the resolved values so config validation sees them.
	vp.Set("logging.level", logCfg.Level)
	vp.Set("logging.format", logCfg.Format)

	return logCfg
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
// A bound flag only wins over env and file values when set explicitly.
func mustBindPFlag(vp *viper.Viper, key string, flag *pflag.Flag) {
	if err := vp.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
