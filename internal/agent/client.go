// Package agent implements the ffmpegeasy worker: a websocket control
// client that registers with the coordinator and an executor that runs the
// leases it receives.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gregwargamer/ffmppegui/internal/observability"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

var (
	// ErrUnauthorized is returned by Run when the coordinator rejects the token.
	ErrUnauthorized = errors.New("coordinator rejected agent token")
	// ErrNotConnected is returned by Send while no session is registered.
	ErrNotConnected = errors.New("not connected to coordinator")
)

const (
	writeWait = 10 * time.Second
	// readWait must exceed the coordinator's ping period.
	readWait = 90 * time.Second
)

// LeaseHandler runs the leases the coordinator assigns.
type LeaseHandler interface {
	HandleLease(ctx context.Context, lease types.LeasePayload)
	Cancel(jobID types.JobID, reason string) bool
	CancelAll(reason string)
	ActiveJobs() int
}

// ClientConfig holds connection settings for the control client.
type ClientConfig struct {
	URL               string
	Token             string
	ID                types.AgentID
	Name              string
	Concurrency       int
	Encoders          []string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

// Client maintains the control connection to the coordinator.
type Client struct {
	cfg     ClientConfig
	handler LeaseHandler
	stats   *StatsCollector
	dialer  *websocket.Dialer
	logger  *slog.Logger

	mu    sync.RWMutex
	conn  *websocket.Conn
	state types.AgentState

	writeMu sync.Mutex
}

// NewClient creates a control client.
func NewClient(cfg ClientConfig, handler LeaseHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectDelay {
		cfg.ReconnectMaxDelay = max(60*time.Second, cfg.ReconnectDelay)
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger:  observability.WithComponent(logger, "agent-client"),
		state:   types.AgentStateDisconnected,
	}
}

// SetStatsCollector sets the stats collector for heartbeat reporting.
func (c *Client) SetStatsCollector(collector *StatsCollector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = collector
}

// State returns the current connection state.
func (c *Client) State() types.AgentState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s types.AgentState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// WebSocketURL converts a coordinator URL to its control endpoint. http and
// https become ws and wss; an empty path becomes /agent.
func WebSocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parsing coordinator url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported coordinator url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("coordinator url has no host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/agent"
	}
	return u.String(), nil
}

// Send writes one message on the current session.
func (c *Client) Send(t types.MessageType, payload any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := types.NewEnvelope(t, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("writing %s: %w", t, err)
	}
	return nil
}

// Run connects, registers and serves leases until ctx is cancelled or the
// coordinator rejects the token. Lost connections are retried with
// exponential backoff that resets after a successful registration.
func (c *Client) Run(ctx context.Context) error {
	target, err := WebSocketURL(c.cfg.URL)
	if err != nil {
		return err
	}

	delay := c.cfg.ReconnectDelay
	for {
		registered, err := c.session(ctx, target)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			c.logger.Error("coordinator rejected the agent token; check coordinator.token or pair it on the coordinator",
				slog.String("url", target))
			return err
		}
		if registered {
			delay = c.cfg.ReconnectDelay
		}

		attrs := []any{slog.Duration("delay", delay)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		c.logger.Warn("connection lost, retrying", attrs...)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, c.cfg.ReconnectMaxDelay)
	}
}

// session runs one connection. It reports whether registration succeeded.
func (c *Client) session(ctx context.Context, target string) (bool, error) {
	c.setState(types.AgentStateConnecting)
	c.logger.Info("connecting to coordinator", slog.String("url", target))

	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.setState(types.AgentStateDisconnected)
		return false, fmt.Errorf("dialing coordinator: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		c.mu.Lock()
		c.conn = nil
		if c.state != types.AgentStateUnauthorized {
			c.state = types.AgentStateDisconnected
		}
		c.mu.Unlock()
		_ = conn.Close()
		wg.Wait()
		c.handler.CancelAll("coordinator connection lost")
	}()

	c.mu.Lock()
	c.conn = conn
	c.state = types.AgentStateRegistering
	c.mu.Unlock()

	// Unblock the read loop on shutdown.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sessCtx.Done()
		if ctx.Err() != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down"),
				time.Now().Add(writeWait))
			c.writeMu.Unlock()
		}
		_ = conn.Close()
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	if err := c.Send(types.MessageRegister, types.RegisterPayload{
		ID:          c.cfg.ID,
		Name:        c.cfg.Name,
		Concurrency: c.cfg.Concurrency,
		Encoders:    c.cfg.Encoders,
		Token:       c.cfg.Token,
	}); err != nil {
		return false, err
	}

	registered := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, types.CloseUnauthorized) {
				c.setState(types.AgentStateUnauthorized)
				return registered, ErrUnauthorized
			}
			return registered, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		env, err := types.ParseEnvelope(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}

		switch env.Type {
		case types.MessageRegistered:
			var p types.RegisteredPayload
			_ = env.Decode(&p)
			if !registered {
				registered = true
				c.setState(types.AgentStateActive)
				c.logger.Info("registered with coordinator",
					slog.String("agent_id", p.ID.String()),
					slog.Int("concurrency", c.cfg.Concurrency),
					slog.Int("encoders", len(c.cfg.Encoders)))
				wg.Add(1)
				go func() {
					defer wg.Done()
					c.heartbeatLoop(sessCtx)
				}()
			}
		case types.MessageLease:
			var lease types.LeasePayload
			if err := env.Decode(&lease); err != nil || lease.JobID == "" {
				c.logger.Warn("dropping malformed lease")
				continue
			}
			c.handler.HandleLease(ctx, lease)
		case types.MessageCancel:
			var p types.CancelPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			if !c.handler.Cancel(p.JobID, p.Reason) {
				c.logger.Debug("cancel for unknown lease", slog.String("job_id", p.JobID.String()))
			}
		default:
			c.logger.Debug("ignoring message", slog.String("type", string(env.Type)))
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	c.sendHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeat(ctx)
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) {
	c.mu.RLock()
	collector := c.stats
	c.mu.RUnlock()

	hb := types.HeartbeatPayload{
		ID:         c.cfg.ID,
		ActiveJobs: c.handler.ActiveJobs(),
	}
	if collector != nil {
		hb.Stats = collector.Collect(ctx)
	}
	if err := c.Send(types.MessageHeartbeat, hb); err != nil {
		c.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
	}
}
