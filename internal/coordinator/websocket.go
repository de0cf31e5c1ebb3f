package coordinator

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// Transport errors.
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrSendBufferFull  = errors.New("send buffer full")
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
	wsReadLimit    = 1 << 20
	wsSendBuffer   = 256
)

type outbound struct {
	env    *types.Envelope
	close  bool
	code   int
	reason string
}

// wsTransport writes frames from a dedicated goroutine so Send never blocks
// the caller on the network.
type wsTransport struct {
	conn   *websocket.Conn
	out    chan outbound
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newWSTransport(conn *websocket.Conn, logger *slog.Logger) *wsTransport {
	t := &wsTransport{
		conn:   conn,
		out:    make(chan outbound, wsSendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go t.writeLoop()
	return t
}

// Send implements Transport.
func (t *wsTransport) Send(env types.Envelope) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	select {
	case t.out <- outbound{env: &env}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close implements Transport. Frames queued before Close are flushed first.
func (t *wsTransport) Close(code int, reason string) error {
	select {
	case <-t.done:
		return nil
	default:
	}
	select {
	case t.out <- outbound{close: true, code: code, reason: reason}:
	default:
		t.shutdown()
	}
	return nil
}

func (t *wsTransport) shutdown() {
	t.once.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
}

func (t *wsTransport) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer t.shutdown()

	for {
		select {
		case <-t.done:
			return
		case msg := <-t.out:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if msg.close {
				_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(msg.code, msg.reason))
				return
			}
			if err := t.conn.WriteJSON(msg.env); err != nil {
				t.logger.Debug("agent write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WebSocketHandler upgrades agent connections and feeds their frames to the
// service.
type WebSocketHandler struct {
	svc      *Service
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates the /agent endpoint handler.
func NewWebSocketHandler(svc *Service, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = svc.logger
	}
	return &WebSocketHandler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; authentication happens in register.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP implements http.Handler. It returns when the connection closes.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("agent websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	t := newWSTransport(ws, h.logger)
	conn := h.svc.Connect(t, r.RemoteAddr)
	defer func() {
		h.svc.Disconnect(conn)
		t.shutdown()
	}()

	ws.SetReadLimit(wsReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx := r.Context()
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("agent connection closed",
					slog.String("agent_id", conn.AgentID().String()),
					slog.String("error", err.Error()))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		h.svc.HandleMessage(ctx, conn, data)
	}
}
