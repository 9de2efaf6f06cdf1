package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mauricedolibois/connectfour/server/gateway"
	"github.com/mauricedolibois/connectfour/server/metrics"
	"github.com/mauricedolibois/connectfour/server/relay"
	"github.com/mauricedolibois/connectfour/server/ticket"
)

// Message Types
const (
	MsgTypeStart   = "START"
	MsgTypeJoin    = "JOIN"
	MsgTypeMove    = "MOVE"
	MsgTypeConfirm = "CONFIRM"
	MsgTypeRematch = "REQUEST_REMATCH"
	MsgTypeLeave   = "LEAVE"

	MsgTypeStateUpdate = "STATE_UPDATE"
	MsgTypeJoined      = "JOINED"
	MsgTypeLeft        = "LEFT"
	MsgTypeError       = "ERROR"

	// MsgTypeResume labels errors from a ticket resume; clients never send it.
	MsgTypeResume = "RESUME"
)

// Error kinds carried in ERROR replies.
const (
	KindTransport  = "transport"
	KindRejected   = "rejected"
	KindNotInRoom  = "not_in_room"
	KindBadRequest = "bad_request"
)

var clientActions = map[string]relay.Action{
	MsgTypeStart:   relay.ActionStart,
	MsgTypeJoin:    relay.ActionJoin,
	MsgTypeMove:    relay.ActionMove,
	MsgTypeConfirm: relay.ActionConfirm,
	MsgTypeRematch: relay.ActionRequestRematch,
	MsgTypeLeave:   relay.ActionLeave,
}

type GameMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ActionPayload struct {
	GameID        string `json:"gameId,omitempty"`
	PlayerName    string `json:"playerName,omitempty"`
	PlayerColor   string `json:"playerColor,omitempty"`
	OpponentColor string `json:"opponentColor,omitempty"`
	Column        *int   `json:"column,omitempty"`
}

type JoinedPayload struct {
	GameID string `json:"gameId"`
	Ticket string `json:"ticket,omitempty"`
}

type ErrorPayload struct {
	Action  string `json:"action"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Relay is the part of *relay.Relay the hub drives.
type Relay interface {
	Bind(ctx context.Context, connID, gameID string) error
	Unbind(ctx context.Context, connID string)
	Dispatch(ctx context.Context, connID string, req relay.Request) error
}

// Hub tracks live connections and translates between the websocket protocol
// and the relay. It is the relay's Publisher.
type Hub struct {
	relay    Relay
	tickets  *ticket.Issuer
	upgrader *websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	wg         sync.WaitGroup

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub(tickets *ticket.Issuer, allowedOrigins []string, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		tickets:    tickets,
		upgrader:   newUpgrader(allowedOrigins),
		logger:     logger,
		metrics:    m,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
	}
}

// Run owns registration until ctx is cancelled. On exit every remaining
// connection's send channel is closed, which closes its socket.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			close(client.ready)
			h.metrics.ConnectionAccepted()
			h.logger.Debug("client connected", zap.String("conn_id", client.id))

			if client.resumeGame != "" {
				h.wg.Add(1)
				go h.resume(client)
			}
		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client.id]
			if ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()

			if ok {
				h.logger.Debug("client disconnected", zap.String("conn_id", client.id))
				h.wg.Add(1)
				go func(id string) {
					defer h.wg.Done()
					h.relay.Unbind(context.Background(), id)
				}(client.id)
			}
		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Wait blocks until Run has returned and every unbind it started is done.
func (h *Hub) Wait() {
	<-h.done
	h.wg.Wait()
}

// join returns once c can receive messages, or false when the hub has stopped.
func (h *Hub) join(c *Client) bool {
	c.ready = make(chan struct{})
	select {
	case h.register <- c:
		<-c.ready
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) connected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connID]
	return ok
}

// PublishState implements relay.Publisher.
func (h *Hub) PublishState(connID string, update relay.StateUpdate) {
	h.deliver(connID, GameMessage{Type: MsgTypeStateUpdate, Payload: update})
}

// deliver never blocks: a connection whose buffer is full misses the message
// and catches up on the next broadcast.
func (h *Hub) deliver(connID string, msg GameMessage) {
	bytes, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode message", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[connID]
	if !ok {
		return
	}
	select {
	case client.send <- bytes:
	default:
		h.metrics.DroppedPush()
		h.logger.Warn("dropped message for slow client",
			zap.String("conn_id", connID),
			zap.String("type", msg.Type))
	}
}

func (h *Hub) handleMessage(c *Client, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.replyError(c, "", errors.Wrap(relay.ErrBadRequest, "invalid message format"))
		return
	}

	action, ok := clientActions[msg.Type]
	if !ok {
		h.replyError(c, msg.Type, errors.Wrapf(relay.ErrBadRequest, "unknown message type %q", msg.Type))
		return
	}

	var payload ActionPayload
	if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.replyError(c, msg.Type, errors.Wrap(relay.ErrBadRequest, "invalid payload"))
			return
		}
	}

	// Not tied to the connection: an action already sent runs to completion.
	ctx := context.Background()
	err := h.relay.Dispatch(ctx, c.id, relay.Request{
		Action:        action,
		GameID:        payload.GameID,
		PlayerName:    payload.PlayerName,
		PlayerColor:   payload.PlayerColor,
		OpponentColor: payload.OpponentColor,
		Column:        payload.Column,
	})
	if err != nil {
		h.replyError(c, msg.Type, err)
		return
	}

	switch action {
	case relay.ActionStart, relay.ActionJoin:
		h.joined(c, payload.GameID)
	case relay.ActionLeave:
		h.deliver(c.id, GameMessage{Type: MsgTypeLeft, Payload: struct{}{}})
	}
}

func (h *Hub) resume(c *Client) {
	defer h.wg.Done()
	ctx := context.Background()

	err := h.relay.Bind(ctx, c.id, c.resumeGame)
	if !h.connected(c.id) {
		// Gone before the bind landed; its own unbind may have run first.
		h.relay.Unbind(ctx, c.id)
		return
	}
	if err != nil {
		var rejection *gateway.RejectionError
		if errors.As(err, &rejection) {
			// The backend no longer knows the game; stop watching it.
			h.relay.Unbind(ctx, c.id)
		}
		h.replyError(c, MsgTypeResume, err)
		return
	}
	h.logger.Info("client resumed game",
		zap.String("conn_id", c.id),
		zap.String("game_id", c.resumeGame))
	h.joined(c, c.resumeGame)
}

func (h *Hub) joined(c *Client, gameID string) {
	payload := JoinedPayload{GameID: gameID}
	if h.tickets.Enabled() {
		t, err := h.tickets.Issue(gameID)
		if err != nil {
			h.logger.Warn("issue resume ticket", zap.String("game_id", gameID), zap.Error(err))
		}
		payload.Ticket = t
	}
	h.deliver(c.id, GameMessage{Type: MsgTypeJoined, Payload: payload})
}

func (h *Hub) replyError(c *Client, action string, err error) {
	kind, message := describeError(err)
	h.logger.Debug("action failed",
		zap.String("conn_id", c.id),
		zap.String("action", action),
		zap.String("kind", kind),
		zap.Error(err))
	h.deliver(c.id, GameMessage{
		Type:    MsgTypeError,
		Payload: ErrorPayload{Action: action, Kind: kind, Message: message},
	})
}

// describeError maps an error onto the kind reported to the client. Backend
// rejections keep the backend's message verbatim.
func describeError(err error) (kind, message string) {
	var rejection *gateway.RejectionError
	var transport *gateway.TransportError
	switch {
	case errors.As(err, &rejection):
		return KindRejected, rejection.Message
	case errors.As(err, &transport):
		return KindTransport, err.Error()
	case errors.Is(err, relay.ErrNotInRoom):
		return KindNotInRoom, err.Error()
	case errors.Is(err, relay.ErrBadRequest):
		return KindBadRequest, err.Error()
	default:
		return KindTransport, err.Error()
	}
}
