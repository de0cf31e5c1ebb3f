package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gregwargamer/ffmppegui/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing ffmpegeasy configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

With no config file or environment overrides this prints the defaults, so
the output can seed a configuration template:

  ffmpegeasy config dump > config.yaml

Environment variables use the FFMPEGEASY_ prefix and underscores for nesting.
Example: coordinator.shared_token -> FFMPEGEASY_COORDINATOR_SHARED_TOKEN`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	data, err := config.Dump(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# ffmpegeasy coordinator configuration")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 1h")
	fmt.Fprintln(out, "# Size format: 32MB, 1GB")
	fmt.Fprintln(out, "# Schedules are 6-field cron expressions (with seconds).")
	fmt.Fprintln(out)
	fmt.Fprint(out, string(data))
	return nil
}
