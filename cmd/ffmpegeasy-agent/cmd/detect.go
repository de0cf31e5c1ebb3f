package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gregwargamer/ffmppegui/internal/agent"
	"github.com/gregwargamer/ffmppegui/internal/ffmpeg"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// detectCmd represents the detect command
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect FFmpeg and host capabilities",
	Long: `Detect the FFmpeg installation and report what this agent would
announce to the coordinator: binary, version, encoders, default concurrency
and current host stats.

Examples:
  ffmpegeasy-agent detect --pretty
  ffmpegeasy-agent detect > capabilities.json`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
	detectCmd.Flags().Duration("timeout", 30*time.Second, "detection timeout")
	detectCmd.Flags().String("ffmpeg", "", "ffmpeg binary (overrides executor.ffmpeg_path)")
}

// DetectionResult contains the full detection output.
type DetectionResult struct {
	FFmpeg      *ffmpeg.BinaryInfo `json:"ffmpeg"`
	Concurrency int                `json:"default_concurrency"`
	Stats       *types.SystemStats `json:"stats"`
}

func runDetect(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	pretty, _ := cmd.Flags().GetBool("pretty")

	bin := agentViper.GetString("executor.ffmpeg_path")
	if cmd.Flags().Changed("ffmpeg") {
		bin, _ = cmd.Flags().GetString("ffmpeg")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	info, err := ffmpeg.NewBinaryDetector(bin).Detect(ctx)
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}

	result := DetectionResult{
		FFmpeg:      info,
		Concurrency: agent.DefaultConcurrency(ctx),
		Stats:       agent.NewStatsCollector(agentViper.GetString("executor.temp_dir")).Collect(ctx),
	}

	var output []byte
	if pretty {
		output, err = json.MarshalIndent(result, "", "  ")
	} else {
		output, err = json.Marshal(result)
	}
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(output))
	return nil
}
