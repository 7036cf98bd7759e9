package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong or heartbeat from the peer.
	pongWait = 60 * time.Second

	// Ping period, must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Clients only send heartbeats.
	maxMessageSize = 512
)

// Connection abstracts the underlying websocket connection so tests can
// substitute a mock.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	RemoteAddr() string
}

type gorillaConn struct {
	conn *websocket.Conn
}

func (g *gorillaConn) WriteMessage(messageType int, data []byte) error {
	return g.conn.WriteMessage(messageType, data)
}

func (g *gorillaConn) ReadMessage() (int, []byte, error) { return g.conn.ReadMessage() }
func (g *gorillaConn) Close() error                      { return g.conn.Close() }
func (g *gorillaConn) SetReadDeadline(t time.Time) error { return g.conn.SetReadDeadline(t) }
func (g *gorillaConn) SetWriteDeadline(t time.Time) error {
	return g.conn.SetWriteDeadline(t)
}
func (g *gorillaConn) SetReadLimit(limit int64)            { g.conn.SetReadLimit(limit) }
func (g *gorillaConn) SetPongHandler(h func(string) error) { g.conn.SetPongHandler(h) }
func (g *gorillaConn) RemoteAddr() string {
	if addr := g.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// inboundMessage is the only client-to-server frame the gateway accepts.
type inboundMessage struct {
	Type string `json:"type"`
}

// Client binds one websocket connection to one session.
type Client struct {
	hub      *Hub
	conn     Connection
	sessions SessionControl
	send     chan []byte

	sessionID      string
	organizationID string
	role           string
	connectedAt    time.Time

	logger *slog.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(hub *Hub, conn Connection, sessions SessionControl, sessionID, organizationID, role string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		hub:            hub,
		conn:           conn,
		sessions:       sessions,
		send:           make(chan []byte, 64),
		sessionID:      sessionID,
		organizationID: organizationID,
		role:           role,
		connectedAt:    time.Now(),
		logger: logger.With(
			slog.String("component", "websocket.client"),
			slog.String("session_id", sessionID),
			slog.String("organization_id", organizationID)),
	}
}

// ReadPump consumes inbound frames until the connection dies. Heartbeat
// frames and pongs both count as session activity. When the pump exits the
// session is disconnected and its seat freed.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()

		ctx := context.Background()
		if err := c.sessions.Disconnect(ctx, c.sessionID); err != nil {
			c.logger.Warn("disconnect on connection close failed",
				slog.String("error", err.Error()))
		}
		c.hub.NotifySessionClosed(c.organizationID, c.sessionID)

		c.logger.Info("websocket client disconnected",
			slog.Duration("connection_duration", time.Since(c.connectedAt)))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("unexpected websocket close",
					slog.String("error", err.Error()))
			}
			return
		}

		var in inboundMessage
		if err := json.Unmarshal(message, &in); err != nil {
			c.logger.Debug("ignoring unparseable frame")
			continue
		}
		if in.Type == "heartbeat" {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			c.touch()
		}
	}
}

// WritePump pushes hub messages and periodic pings to the peer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("write failed",
					slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) touch() {
	if err := c.sessions.Heartbeat(context.Background(), c.sessionID); err != nil {
		c.logger.Debug("session touch failed",
			slog.String("error", err.Error()))
	}
}
