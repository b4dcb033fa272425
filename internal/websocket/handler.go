package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"livepoll/pkg/interfaces"
	"livepoll/pkg/types"
)

// Dispatcher handles decoded client events. Dispatch is called from the
// connection's read loop, so events from one connection are handled in order.
// Reject reports a frame that could not be decoded.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn interfaces.Connection, msg *types.Inbound)
	Reject(conn interfaces.Connection, err error)
	Disconnect(ctx context.Context, conn interfaces.Connection)
}

// HandlerConfig controls heartbeat and limits.
type HandlerConfig struct {
	Connection     ConnectionConfig
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	EventTimeout   time.Duration
	AllowedOrigin  string
}

// DefaultHandlerConfig returns the classroom defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Connection:     DefaultConnectionConfig(),
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 16 * 1024,
		EventTimeout:   10 * time.Second,
		AllowedOrigin:  "*",
	}
}

// Handler upgrades HTTP requests and runs each connection's read loop.
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	config     HandlerConfig
	upgrader   websocket.Upgrader
}

// NewHandler creates a handler that registers connections in registry and
// forwards their events to dispatcher.
func NewHandler(registry *Registry, dispatcher Dispatcher, config HandlerConfig) *Handler {
	h := &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		config:     config,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.config.AllowedOrigin == "" || h.config.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == h.config.AllowedOrigin
}

// HandleWebSocket upgrades the request. Identity is declared later with a
// join event, so no query parameters are required.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	wsConn := NewConnection(conn, h.config.Connection)
	if err := h.registry.RegisterConnection(wsConn); err != nil {
		slog.Error("Failed to register connection", "error", err)
		_ = wsConn.Close()
		return
	}

	slog.Info("Connection opened", "connection_id", wsConn.ID(), "remote_addr", r.RemoteAddr)
	go h.handleConnection(wsConn)
}

func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), h.config.EventTimeout)
		defer cancel()
		h.dispatcher.Disconnect(ctx, conn)
		slog.Info("Connection closed", "connection_id", conn.ID())
	}()

	conn.conn.SetReadLimit(h.config.MaxMessageSize)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		slog.Warn("Failed to set read deadline", "error", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket read error", "connection_id", conn.ID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.Inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			h.dispatcher.Reject(conn, types.NewValidationError("malformed message"))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.config.EventTimeout)
		h.dispatcher.Dispatch(ctx, conn, &msg)
		cancel()
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.config.Connection.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
