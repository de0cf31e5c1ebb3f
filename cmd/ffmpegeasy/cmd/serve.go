package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gregwargamer/ffmppegui/internal/config"
	"github.com/gregwargamer/ffmppegui/internal/coordinator"
	"github.com/gregwargamer/ffmppegui/internal/events"
	internalhttp "github.com/gregwargamer/ffmppegui/internal/http"
	"github.com/gregwargamer/ffmppegui/internal/http/handlers"
	"github.com/gregwargamer/ffmppegui/internal/picker"
	"github.com/gregwargamer/ffmppegui/internal/plan"
	"github.com/gregwargamer/ffmppegui/internal/scheduler"
	"github.com/gregwargamer/ffmppegui/internal/transfer"
	"github.com/gregwargamer/ffmppegui/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ffmpegeasy coordinator",
	Long: `Start the coordinator HTTP server.

The server provides:
- REST API for scanning, submitting and inspecting jobs (/api/...)
- Agent control websocket at /agent
- Transfer proxy for agent inputs and outputs at /stream/...
- Server-sent job and agent events at /api/events
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "host to bind to")
	serveCmd.Flags().Int("port", 4000, "port to listen on")
	serveCmd.Flags().String("shared-token", "", "agent token always accepted for registration")
	serveCmd.Flags().String("public-url", "", "externally reachable base URL used in lease URLs")

	mustBindPFlag(v, "server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag(v, "server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag(v, "coordinator.shared_token", serveCmd.Flags().Lookup("shared-token"))
	mustBindPFlag(v, "coordinator.public_base_url", serveCmd.Flags().Lookup("public-url"))
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	logger := slog.Default()

	info := version.GetInfo()
	logger.Info("ffmpegeasy starting",
		slog.String("version", info.Version),
		slog.String("commit", info.Commit),
		slog.String("go", info.GoVersion),
		slog.String("platform", info.Platform),
	)

	hub := events.NewHub(cfg.Coordinator.EventBuffer, logger)

	svc := coordinator.New(coordinator.Options{
		SharedToken:    cfg.Coordinator.SharedToken,
		PairedTokens:   cfg.Coordinator.PairedTokens,
		PublicBaseURL:  cfg.BaseURL(),
		LivenessWindow: cfg.Coordinator.LivenessWindow,
		Events:         hub,
		Logger:         logger,
	})
	defer svc.Close()

	if cfg.Coordinator.SharedToken == "dev-token" {
		logger.Warn("using the default shared agent token; set coordinator.shared_token for anything but local use")
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	registerRoutes(server, cfg, svc, hub, logger)

	sched := scheduler.New().WithLogger(logger)
	// The periodic pass also retries jobs an agent handed back.
	if err := sched.AddTask("evict-stale-agents", cfg.Coordinator.EvictionSchedule, func(context.Context) {
		svc.EvictStale(time.Now())
		svc.Dispatch()
	}); err != nil {
		return fmt.Errorf("scheduling agent eviction: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	logger.Info("coordinator ready",
		slog.String("address", cfg.Server.Address()),
		slog.String("public_base_url", svc.PublicBaseURL()),
		slog.Duration("liveness_window", cfg.Coordinator.LivenessWindow),
		slog.Int("paired_tokens", len(cfg.Coordinator.PairedTokens)),
	)

	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func registerRoutes(server *internalhttp.Server, cfg *config.Config, svc *coordinator.Service, hub *events.Hub, logger *slog.Logger) {
	api := server.API()
	router := server.Router()

	handlers.NewHealthHandler(version.Version).WithService(svc).Register(api)
	handlers.NewJobHandler(svc).Register(api)
	handlers.NewScanHandler(plan.NewPlanner(plan.NewDirScanner(), logger)).Register(api)
	handlers.NewNodesHandler(svc).Register(api)
	handlers.NewSettingsHandler(svc).Register(api)
	handlers.NewPickHandler(picker.New(logger)).Register(api)

	handlers.NewUploadHandler(cfg.Transfer.MaxUploadMemory.Bytes(), logger).RegisterRoutes(router)
	handlers.NewEventsHandler(hub, logger).RegisterSSE(router)

	router.Handle("/agent", coordinator.NewWebSocketHandler(svc, logger))
	transfer.NewProxy(svc, logger).Register(router)
}
