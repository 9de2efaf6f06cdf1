package main

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer. Actions run
	// inline in readPump, so a backend call stalled past this drops the
	// client; BACKEND_TIMEOUT must stay below it.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	sendBuffer = 256
)

// newUpgrader accepts any origin when allowed is empty.
func newUpgrader(allowed []string) *websocket.Upgrader {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return origins[u.Scheme+"://"+u.Host]
		},
	}
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	// ready is closed once the hub has registered the client.
	ready chan struct{}

	// resumeGame is the game a valid ticket bound this connection to.
	resumeGame string
}

// readPump pumps messages from the websocket connection to the hub. Messages
// are handled one at a time, so a connection's actions reach the relay in the
// order it sent them.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			break
		}
		c.hub.handleMessage(c, message)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
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
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
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

// serveWs upgrades the request and hands the connection to the hub. A ticket
// in the query string resumes the game it names; a ticket that does not verify
// closes the socket.
func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{hub: hub, conn: conn, send: make(chan []byte, sendBuffer), id: uuid.NewString()}

	if raw := r.URL.Query().Get("ticket"); raw != "" {
		claims, err := hub.tickets.Verify(raw)
		if err != nil {
			hub.logger.Info("rejected resume ticket", zap.String("remote", r.RemoteAddr), zap.Error(err))
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid ticket"),
				time.Now().Add(writeWait))
			conn.Close()
			return
		}
		client.resumeGame = claims.GameID
	}

	if !hub.join(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
