// Package relay multiplexes client connections into per-game rooms in front
// of a session-affine HTTP game backend.
//
// A room exists while at least one connection is bound to its game. Mutating
// backend calls for a game pass through that room's gate one at a time; after
// each successful call, and on a fixed interval, the room's snapshot is
// re-fetched and pushed to every bound connection through BroadcastNow.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mauricedolibois/connectfour/server/gateway"
	"github.com/mauricedolibois/connectfour/server/metrics"
	"github.com/mauricedolibois/connectfour/server/session"
)

// DefaultReconcileInterval is how often a room re-fetches state without a
// triggering action.
const DefaultReconcileInterval = 3 * time.Second

// Backend performs calls against the game backend. *gateway.Gateway
// implements it.
type Backend interface {
	Call(ctx context.Context, gameID string, action gateway.Action, payload map[string]any) (json.RawMessage, error)
}

// StateUpdate is the one push event the relay emits.
type StateUpdate struct {
	GameID string          `json:"gameId"`
	State  json.RawMessage `json:"state"`
	At     time.Time       `json:"at"`
}

// Publisher delivers pushes to a single connection. Publish must not block on
// a slow connection.
type Publisher interface {
	PublishState(connID string, update StateUpdate)
}

// Relay owns the room table and wires it to the backend, the credential store
// and the push transport.
type Relay struct {
	table       *table
	backend     Backend
	credentials session.Store
	publisher   Publisher
	interval    time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Relay)

func WithReconcileInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// New wires a relay. credentials must be the same store the backend uses so
// teardown can release what the backend stored.
func New(backend Backend, credentials session.Store, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		table:       newTable(),
		backend:     backend,
		credentials: credentials,
		publisher:   publisher,
		interval:    DefaultReconcileInterval,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close stops every room's reconciliation ticker without notifying the
// backend. Used on process shutdown.
func (r *Relay) Close() {
	for _, rm := range r.table.drain() {
		rm.stopReconcile()
	}
}

// RoomInfo is a point-in-time view of a room, used by tests and diagnostics.
type RoomInfo struct {
	GameID      string
	Members     []string
	Snapshot    json.RawMessage
	BroadcastAt time.Time
}

// Room returns a view of the room for gameID, if one is active.
func (r *Relay) Room(gameID string) (RoomInfo, bool) {
	rm := r.table.get(gameID)
	if rm == nil {
		return RoomInfo{}, false
	}
	return rm.info(), true
}

// RoomCount returns the number of active rooms.
func (r *Relay) RoomCount() int {
	return r.table.len()
}

// BoundGame returns the game connID is bound to.
func (r *Relay) BoundGame(connID string) (string, bool) {
	return r.table.binding(connID)
}
