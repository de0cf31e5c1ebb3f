package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gregwargamer/ffmppegui/internal/agent"
	"github.com/gregwargamer/ffmppegui/internal/config"
	"github.com/gregwargamer/ffmppegui/internal/ffmpeg"
	"github.com/gregwargamer/ffmppegui/internal/scheduler"
	"github.com/gregwargamer/ffmppegui/internal/version"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the transcoding agent",
	Long: `Start the ffmpegeasy-agent worker.

The agent will:
1. Detect the ffmpeg binary and its encoders
2. Connect to the coordinator websocket and register
3. Send heartbeats with host stats
4. Run leased jobs: stream the input, encode, upload the output

A rejected token stops the agent with a non-zero exit. Any other lost
connection is retried with exponential backoff.

Examples:
  ffmpegeasy-agent serve --coordinator-url http://192.168.1.100:4000 --token mytoken
  FFMPEGEASY_AGENT_NAME=gpu-worker-1 ffmpegeasy-agent serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("coordinator-url", "", "coordinator URL (overrides FFMPEGEASY_COORDINATOR_URL)")
	serveCmd.Flags().String("token", "", "agent token (overrides FFMPEGEASY_COORDINATOR_TOKEN)")
	serveCmd.Flags().String("id", "", "agent ID (default <hostname>-<pid>)")
	serveCmd.Flags().String("name", "", "agent display name (default hostname)")
	serveCmd.Flags().Int("concurrency", 0, "max concurrent jobs (0 = CPU cores)")
	serveCmd.Flags().String("ffmpeg", "", "ffmpeg binary path")
	serveCmd.Flags().String("temp-dir", "", "directory for in-progress outputs")

	for flag, key := range map[string]string{
		"coordinator-url": "coordinator.url",
		"token":           "coordinator.token",
		"id":              "agent.id",
		"name":            "agent.name",
		"concurrency":     "agent.concurrency",
		"ffmpeg":          "executor.ffmpeg_path",
		"temp-dir":        "executor.temp_dir",
	} {
		mustBindPFlag(agentViper, key, serveCmd.Flags().Lookup(flag))
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.AgentFromViper(agentViper)
	if err != nil {
		return err
	}

	logger := slog.Default()

	info := version.GetInfo()
	logger.Info("ffmpegeasy-agent starting",
		slog.String("version", info.Version),
		slog.String("commit", info.Commit),
		slog.String("go", info.GoVersion),
		slog.String("platform", info.Platform),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detectCtx, detectCancel := context.WithTimeout(ctx, 30*time.Second)
	binInfo, err := ffmpeg.NewBinaryDetector(cfg.Executor.FFmpegPath).Detect(detectCtx)
	detectCancel()
	if err != nil {
		return fmt.Errorf("detecting FFmpeg: %w", err)
	}

	logger.Info("ffmpeg binary detected",
		slog.String("version", binInfo.Version),
		slog.String("ffmpeg", binInfo.FFmpegPath),
		slog.Int("encoders", len(binInfo.Encoders)),
	)

	concurrency := cfg.Agent.Concurrency
	if concurrency == 0 {
		concurrency = agent.DefaultConcurrency(ctx)
	}
	agentID := types.AgentID(cfg.AgentID())
	name := cfg.Agent.Name
	if name == "" {
		name, _ = os.Hostname()
	}

	uploader := agent.NewUploader(
		cfg.Executor.UploadAttempts,
		cfg.Executor.UploadRetryDelay,
		cfg.Executor.UploadTimeout,
		logger,
	)

	executor, err := agent.NewExecutor(agent.ExecutorOptions{
		AgentID:     agentID,
		Concurrency: concurrency,
		FFmpegPath:  binInfo.FFmpegPath,
		TempDir:     cfg.Executor.TempDir,
		JobTimeout:  cfg.Executor.JobTimeout,
	}, uploader, logger)
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	client := agent.NewClient(agent.ClientConfig{
		URL:               cfg.Coordinator.URL,
		Token:             cfg.Coordinator.Token,
		ID:                agentID,
		Name:              name,
		Concurrency:       concurrency,
		Encoders:          binInfo.Encoders,
		HeartbeatInterval: cfg.Coordinator.HeartbeatInterval,
		ReconnectDelay:    cfg.Coordinator.ReconnectDelay,
		ReconnectMaxDelay: cfg.Coordinator.ReconnectMaxDelay,
	}, executor, logger)
	client.SetStatsCollector(agent.NewStatsCollector(executor.TempDir()))
	executor.SetMessenger(client)

	sweeper := agent.NewSweeper(executor.TempDir(), cfg.Executor.SweepMaxAge, executor.InFlight, logger)
	sweeper.Sweep(ctx)

	sched := scheduler.New().WithLogger(logger)
	if err := sched.AddTask("sweep-temp-outputs", cfg.Executor.SweepSchedule, func(taskCtx context.Context) {
		sweeper.Sweep(taskCtx)
	}); err != nil {
		return fmt.Errorf("scheduling temp sweep: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	logger.Info("agent configured",
		slog.String("agent_id", agentID.String()),
		slog.String("agent_name", name),
		slog.Int("concurrency", concurrency),
		slog.String("temp_dir", executor.TempDir()),
		slog.String("coordinator", cfg.Coordinator.URL),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	runErr := client.Run(ctx)

	logger.Info("initiating graceful shutdown")
	executor.CancelAll("agent shutting down")
	executor.Wait()

	if errors.Is(runErr, agent.ErrUnauthorized) {
		return runErr
	}
	if runErr != nil {
		return fmt.Errorf("running agent: %w", runErr)
	}

	logger.Info("shutdown complete")
	return nil
}
