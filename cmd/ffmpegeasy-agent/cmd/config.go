package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gregwargamer/ffmppegui/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective agent configuration",
	Long: `Dump the effective agent configuration in YAML format.

  ffmpegeasy-agent config dump > agent.yaml`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.AgentFromViper(agentViper)
		if err != nil {
			return err
		}
		data, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "# ffmpegeasy-agent configuration")
		fmt.Fprintln(out)
		fmt.Fprint(out, string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}
