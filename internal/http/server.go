// Package http wires the coordinator's chi router, huma API and middleware.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gregwargamer/ffmppegui/internal/config"
	"github.com/gregwargamer/ffmppegui/internal/http/middleware"
)

// Server is the coordinator's HTTP front end. Typed operations go on API,
// streaming routes (transfer proxy, SSE, agent websocket) on Router.
type Server struct {
	cfg    config.ServerConfig
	router *chi.Mux
	api    huma.API
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the router and middleware chain. version is reported in
// the OpenAPI document.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	r := chi.NewRouter()
	r.Use(
		chimiddleware.RealIP,
		middleware.RequestID,
		middleware.NewLoggingMiddleware(logger),
		middleware.Recovery(logger),
		middleware.CORS(cfg.CORSOrigins),
		// SSE, media transfers and the agent websocket stay unbuffered.
		middleware.SkipCompressionForStreams(chimiddleware.Compress(5)),
	)

	hc := huma.DefaultConfig("ffmpegeasy API", version)
	hc.Info.Description = "Plan, dispatch and track distributed ffmpeg jobs."

	return &Server{
		cfg:    cfg,
		router: r,
		api:    humachi.New(r, hc),
		logger: logger,
		srv: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

// API returns the huma API for typed operations.
func (s *Server) API() huma.API { return s.api }

// Router returns the chi router for raw routes.
func (s *Server) Router() *chi.Mux { return s.router }

// ListenAndServe binds the configured address and serves until ctx is
// cancelled, then drains connections for up to ShutdownTimeout. A bind
// failure is returned before anything is served.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("http server listening", slog.String("address", ln.Addr().String()))

	served := make(chan error, 1)
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	select {
	case err := <-served:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("http server draining", slog.Duration("timeout", s.cfg.ShutdownTimeout))
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
