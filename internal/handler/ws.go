package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-router/internal/model"
	"github.com/capitalize-ai/support-router/internal/service"
	"github.com/capitalize-ai/support-router/pkg/logger"
)

const writeWait = 10 * time.Second

// WebSocketConfig tunes the per-connection transport.
type WebSocketConfig struct {
	AllowedOrigins  []string
	SendBuffer      int
	PingInterval    time.Duration
	MaxMessageBytes int64
}

// WebSocketHandler upgrades HTTP requests and pumps envelopes between the
// client and the connection service.
type WebSocketHandler struct {
	conns    *service.ConnectionService
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(conns *service.ConnectionService, cfg WebSocketConfig, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		conns:    conns,
		cfg:      cfg,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		logger:   logger.OrGlobal(log).Named("ws"),
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP handles GET /ws
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &wsConn{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan model.Event, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	log := h.logger.WithConnection(conn.id, r.RemoteAddr)

	h.conns.Connect(conn)
	log.Debug("connection opened")

	go conn.writePump(h.cfg.PingInterval, log)
	h.readPump(r.Context(), conn, log)

	h.conns.Disconnect(conn.id)
	conn.Close()
	log.Debug("connection closed")
}

// readPump handles inbound frames in arrival order until the socket fails.
func (h *WebSocketHandler) readPump(ctx context.Context, conn *wsConn, log *logger.Logger) {
	pongWait := h.cfg.PingInterval * 2
	conn.ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			log.Warn("invalid envelope", zap.Error(err))
			conn.Send(model.Event{Name: model.EventError, Payload: model.ErrorEvent{
				Code:    service.CodeInvalidRequest,
				Message: "frames must be {\"event\": ..., \"data\": ...}",
			}})
			continue
		}

		h.conns.Dispatch(ctx, conn.id, env)
	}
}

// wsConn is the hub.Conn for one WebSocket. Send never blocks; the write
// pump owns the socket for writing.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan model.Event

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(event model.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *wsConn) writePump(pingInterval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case event := <-c.send:
			frame, err := event.Encode()
			if err != nil {
				log.Error("failed to encode event", zap.String("event", string(event.Name)), zap.Error(err))
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
